// Package journald streams rtlstreamd's own journal through journalctl.
package journald

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

// Options selects which journal entries are read.
type Options struct {
	Unit   string
	User   bool
	Lines  int
	Follow bool
}

// Args returns the journalctl arguments for opts.
func Args(opts Options) []string {
	args := []string{"-u", opts.Unit, "-o", "cat"}
	if opts.User {
		args = append([]string{"--user"}, args...)
	}
	if opts.Lines > 0 {
		args = append(args, "-n", strconv.Itoa(opts.Lines))
	}
	if opts.Follow {
		args = append(args, "-f")
	}
	return args
}

// Stream runs journalctl and sends each line on the returned channel, which
// is closed when journalctl exits or ctx is cancelled.
func Stream(ctx context.Context, opts Options, logger *slog.Logger) (<-chan string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, "journalctl", Args(opts)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("journalctl pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("journalctl start: %w", err)
	}

	ch := make(chan string, 100)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-ctx.Done():
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Warn("journalctl exited", "unit", opts.Unit, "err", err)
		}
	}()

	logger.Debug("reading journal", "unit", opts.Unit, "follow", opts.Follow)
	return ch, nil
}
