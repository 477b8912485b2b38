package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/modoterra/rtlstream/internal/buildinfo"
	"github.com/modoterra/rtlstream/pkg/config"
	"github.com/modoterra/rtlstream/pkg/daemon"
	"github.com/modoterra/rtlstream/pkg/router"
	"github.com/modoterra/rtlstream/pkg/session"
)

// closeGrace is added to the configured stop and kill timeouts when shutting
// the decoder down.
const closeGrace = 5 * time.Second

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rtlstreamd",
	Short:        "rtlstream daemon: runs rtl_433 and serves subscriptions over a unix socket",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, config.FilePath(configPath), os.Stderr)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String("rtlstreamd"))
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to rtlstream.yaml")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig(path string) (*config.Config, error) {
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

// run serves until ctx is done or the decoder output ends.
func run(ctx context.Context, cfgPath string, logOut *os.File) error {
	c, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLevel(c.Daemon.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	var s *session.Session
	reg := newRegistry(func() int {
		if s == nil {
			return 0
		}
		return s.PID()
	})
	metrics, err := router.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	s = session.New(c.SessionConfig(metrics), logger)
	if err := c.Register(s); err != nil {
		return err
	}

	if c.Daemon.MetricsAddr != "" {
		ms, err := newMetricsServer(c.Daemon.MetricsAddr, reg, logger)
		if err != nil {
			return fmt.Errorf("metrics listen %s: %w", c.Daemon.MetricsAddr, err)
		}
		go ms.Serve()
		defer ms.Shutdown()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d := daemon.New(c.Daemon.Socket, logger)
	defer d.Shutdown()
	d.SetVersion(buildinfo.Version)
	d.SetHistory(c.Daemon.History)

	if err := s.Open(ctx); err != nil {
		return err
	}
	d.SetSession(s)

	pollLoop := daemon.NewPollLoop(d, c.Daemon.PollInterval, logger)
	go func() {
		pollLoop.Run(ctx)
		cancel()
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Run(ctx) }()

	logger.Info("starting rtlstreamd", "version", buildinfo.Version, "config", cfgPath,
		"subscriptions", len(s.Subscriptions()), "pid", s.PID())
	notify(logger, sdnotify.SdNotifyReady)
	go watchdog(ctx, logger)

	err = <-serveErr
	cancel()
	notify(logger, sdnotify.SdNotifyStopping)

	closeCtx, closeCancel := context.WithTimeout(context.Background(),
		c.RTL433.StopTimeout+c.RTL433.KillTimeout+closeGrace)
	defer closeCancel()
	var closeErr error
	if s.AtEOF() {
		closeErr = s.Close(closeCtx)
	} else {
		logger.Info("shutting down")
		closeErr = s.Stop(closeCtx)
	}
	if closeErr != nil {
		logger.Error("decoder exited", "err", closeErr)
	}
	return errors.Join(err, closeErr)
}

func notify(logger *slog.Logger, state string) {
	sent, err := sdnotify.SdNotify(false, state)
	if err != nil {
		logger.Warn("sd_notify failed", "state", state, "err", err)
		return
	}
	if sent {
		logger.Debug("sd_notify sent", "state", state)
	}
}

// watchdog pings systemd at half the configured WatchdogSec, if any.
func watchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := sdnotify.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			notify(logger, sdnotify.SdNotifyWatchdog)
		}
	}
}
