package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"
)

// commandRunner abstracts process execution for testability.
// onLine receives every stdout/stderr line as it is produced; lines are
// split on both \n and \r so carriage-return progress bars are seen.
type commandRunner interface {
	Run(ctx context.Context, onLine func(string), name string, args ...string) error
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, onLine func(string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return err
	}

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanLines(pr, onLine)
	}()

	err := cmd.Wait()
	pw.Close()
	<-scanned
	pr.Close()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func scanLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(splitCRLF)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && onLine != nil {
			onLine(line)
		}
	}
	// drain so the writer never blocks
	io.Copy(io.Discard, r)
}

// splitCRLF is bufio.ScanLines that also breaks on a bare \r.
func splitCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tail keeps the last few output lines for error messages.
type tail struct {
	lines []string
	max   int
}

func newTail(max int) *tail { return &tail{max: max} }

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string { return strings.Join(t.lines, "; ") }

// exitMessage describes a failed command with its last output lines.
func exitMessage(err error, out *tail) string {
	msg := "command failed"
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		msg = "exited with " + exitErr.ProcessState.String()
	}
	if s := out.String(); s != "" {
		msg += " (" + s + ")"
	}
	return msg
}
