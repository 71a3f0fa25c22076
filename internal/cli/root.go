// Package cli provides the command-line interface for the tubemp3 server.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"tubemp3/internal/client"
	"tubemp3/internal/version"
)

type app struct {
	serverURL string
	noColor   bool
	api       *client.Client
	styles    styles
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "tubemp3",
		Short: "Queue YouTube videos for MP3 conversion",
		Long: `tubemp3 talks to a running tubemp3 server: submit YouTube URLs,
watch their progress, and fetch the resulting MP3 files.

The server address comes from --server or TUBEMP3_SERVER_URL.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.api = client.New(a.serverURL)
			a.styles = newStyles(!a.noColor && isTerminal(cmd.OutOrStdout()))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&a.serverURL, "server", "s", "", "server base URL")
	root.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		a.submitCmd(),
		a.listCmd(),
		a.showCmd(),
		a.startCmd(),
		a.cancelCmd(),
		a.rmCmd(),
		a.getCmd(),
		a.separateCmd(),
		a.stemsCmd(),
		a.statsCmd(),
		a.watchCmd(),
	)
	return root
}

// Execute runs the CLI until it finishes or is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
