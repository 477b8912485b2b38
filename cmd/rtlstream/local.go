package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modoterra/rtlstream/pkg/config"
	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/replay"
	"github.com/modoterra/rtlstream/pkg/session"
	"github.com/modoterra/rtlstream/pkg/subscription"
)

// drainGrace bounds the wait for the second decoder stream after the first ended.
const drainGrace = 2 * time.Second

var (
	watchInterval    time.Duration
	watchCapture     string
	watchDiagnostics bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run rtl_433 in the foreground and print matches",
	Long: "watch starts rtl_433 with the configured subscriptions and, every poll " +
		"interval, prints \"<time>: <field> = <value>\" for each matched record " +
		"until the decoder exits.",
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	replayFollow  bool
	replayFromEnd bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Route a captured rtl_433 NDJSON file through the configured subscriptions",
	Long:  "Files ending in .zst are read as zstd-compressed captures.",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "poll interval (default daemon.poll_interval)")
	watchCmd.Flags().StringVar(&watchCapture, "capture", "", "also write raw decoder output to this file (.zst compresses)")
	watchCmd.Flags().BoolVar(&watchDiagnostics, "diagnostics", false, "print decoder stderr records")

	replayCmd.Flags().BoolVarP(&replayFollow, "follow", "f", false, "keep reading as the file grows")
	replayCmd.Flags().BoolVar(&replayFromEnd, "from-end", false, "with --follow, skip existing content")
	replayCmd.Flags().DurationVar(&watchInterval, "interval", 0, "with --follow, poll interval (default daemon.poll_interval)")
}

// loadLocalConfig loads and validates the configuration for commands that
// run the decoder in-process.
func loadLocalConfig() (*config.Config, error) {
	path := config.FilePath(configPath)
	c, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(c); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("%s: %s", path, strings.Join(msgs, "; "))
	}
	return c, nil
}

func newLogger(level string) *slog.Logger {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// printDrained prints every queued record of subs and returns how many were
// printed.
func printDrained(w io.Writer, subs []*subscription.Subscription) int {
	n := 0
	for _, sub := range subs {
		field := sub.Filter().Field
		for rec := range sub.Drain() {
			fmt.Fprintln(w, core.NewMatch(sub.ID(), field, 0, rec))
			n++
		}
	}
	return n
}

func runWatch(cmd *cobra.Command, _ []string) (err error) {
	c, err := loadLocalConfig()
	if err != nil {
		return err
	}
	logger := newLogger(c.Daemon.LogLevel)

	sc := c.SessionConfig(nil)
	if watchCapture != "" {
		capture, cerr := replay.Create(watchCapture)
		if cerr != nil {
			return cerr
		}
		defer func() {
			if cerr := capture.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("capture: %w", cerr)
			}
		}()
		sc.Tee = capture.WriteLine
	}

	s := session.New(sc, logger)
	if err := c.Register(s); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Open(ctx); err != nil {
		return err
	}

	interval := watchInterval
	if interval <= 0 {
		interval = c.Daemon.PollInterval
	}
	out := cmd.OutOrStdout()
	subs := s.Subscriptions()
	if watchDiagnostics {
		subs = append(subs, s.Diagnostics())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
loop:
	for {
		select {
		case <-ctx.Done():
			interrupted = true
			break loop
		case <-ticker.C:
			printDrained(out, subs)
		case <-s.Done():
			select {
			case <-s.Drained():
			case <-time.After(drainGrace):
			}
			break loop
		}
	}
	printDrained(out, subs)

	closeCtx, cancel := context.WithTimeout(context.Background(), sc.StopTimeout+sc.KillTimeout+drainGrace)
	defer cancel()
	if interrupted {
		err = s.Stop(closeCtx)
	} else {
		err = s.Close(closeCtx)
	}
	printDrained(out, subs)
	if err != nil {
		return fmt.Errorf("rtl_433: %w", err)
	}
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	c, err := loadLocalConfig()
	if err != nil {
		return err
	}
	subs, err := c.NewSubscriptions()
	if err != nil {
		return err
	}
	logger := newLogger(c.Daemon.LogLevel)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := replay.Options{
		Follow:      replayFollow,
		FromEnd:     replayFromEnd,
		Logger:      logger,
		MaxLineSize: c.RTL433.MaxLineSize,
	}
	out := cmd.OutOrStdout()

	if !replayFollow {
		st, err := replay.Replay(ctx, args[0], subs, opts)
		printDrained(out, subs)
		if err != nil {
			return err
		}
		logger.Info("replay finished", "lines", st.Lines, "records", st.Records, "parse_failures", st.ParseFailures)
		return nil
	}

	interval := watchInterval
	if interval <= 0 {
		interval = c.Daemon.PollInterval
	}

	type result struct {
		st  core.StreamStats
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := replay.Replay(ctx, args[0], subs, opts)
		done <- result{st, err}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			printDrained(out, subs)
		case r := <-done:
			printDrained(out, subs)
			if r.err != nil && !errors.Is(r.err, context.Canceled) {
				return r.err
			}
			logger.Info("replay finished", "lines", r.st.Lines, "records", r.st.Records)
			return nil
		}
	}
}
