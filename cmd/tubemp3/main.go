// Package main provides the entry point for the tubemp3 CLI.
package main

import (
	"fmt"
	"os"

	"tubemp3/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
