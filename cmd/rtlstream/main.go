package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/modoterra/rtlstream/internal/buildinfo"
	"github.com/modoterra/rtlstream/pkg/config"
	"github.com/modoterra/rtlstream/pkg/config/presets"
	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/daemon/service"
	"github.com/modoterra/rtlstream/pkg/providers/journald"
	"github.com/modoterra/rtlstream/pkg/transport/uds"
	tuimodel "github.com/modoterra/rtlstream/pkg/tui/model"
)

var (
	socketPath string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rtlstream",
	Short: "Route rtl_433 sensor readings to named subscriptions",
	Long: "rtlstream runs rtl_433, filters its JSON output into named subscriptions " +
		"and serves them to the TUI and CLI through the rtlstreamd daemon.",
	SilenceUsage: true,
	RunE:         runTUI,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default from config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to rtlstream.yaml")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
}

// --- Root: TUI ---

func runTUI(_ *cobra.Command, _ []string) error {
	sock := resolveSocket()
	ensureDaemon(sock)
	app := tuimodel.New(sock)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// resolveSocket returns --socket, else the socket named in the config file,
// else the default.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if c, err := config.Load(config.FilePath(configPath)); err == nil && c.Daemon.Socket != "" {
		return c.Daemon.Socket
	}
	return config.DefaultSocket
}

func ensureDaemon(sock string) {
	if _, err := os.Stat(sock); err == nil {
		return
	}
	cmd := exec.Command("rtlstreamd", "--config", config.FilePath(configPath))
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not start rtlstreamd: %v\n", err)
		return
	}
	go cmd.Wait()
	for range 30 {
		if _, err := os.Stat(sock); err == nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "warning: daemon did not come up, continuing anyway")
}

func dialDaemon() (*uds.Client, error) {
	sock := resolveSocket()
	client, err := uds.Dial(sock)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon at %s: %w", sock, err)
	}
	return client, nil
}

// call dials the daemon, performs one request and decodes the response into out.
func call(method string, data, out any) error {
	client, err := dialDaemon()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Call(ctx, method, data, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- Ping ---

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check if daemon is running",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var pong uds.PingResponse
		if err := call(uds.MethodPing, nil, &pong); err != nil {
			return err
		}
		if pong.Pong {
			fmt.Fprintf(cmd.OutOrStdout(), "pong ✓ (rtlstreamd %s)\n", pong.Version)
		}
		return nil
	},
}

// --- Version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String("rtlstream"))
	},
}

// --- Status ---

var statusJSON bool

type statusReport struct {
	Session       core.SessionInfo        `json:"session"`
	Subscriptions []core.SubscriptionInfo `json:"subscriptions"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the decoder session and every subscription",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var report statusReport
		if err := client.Call(ctx, uds.MethodSessionStatus, nil, &report.Session); err != nil {
			return err
		}
		if err := client.Call(ctx, uds.MethodListSubscriptions, nil, &report.Subscriptions); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if statusJSON {
			return printJSON(out, report)
		}
		writeStatus(out, report)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

func writeStatus(w io.Writer, r statusReport) {
	s := r.Session
	fmt.Fprintf(w, "decoder: %s", s.Status)
	if s.PID > 0 {
		fmt.Fprintf(w, " (pid %d)", s.PID)
	}
	if s.EOF {
		fmt.Fprint(w, " [eof]")
	}
	fmt.Fprintln(w)
	if s.Process != nil {
		fmt.Fprintf(w, "process: rss %d bytes, cpu %.2fs, %d threads\n", s.Process.RSSBytes, s.Process.CPUSeconds, s.Process.Threads)
	}
	for _, st := range s.Streams {
		fmt.Fprintf(w, "%s: %d lines, %d records, %d parse failures, %d dispatched\n",
			st.Stream, st.Lines, st.Records, st.ParseFailures, st.Dispatched)
	}
	fmt.Fprintln(w)

	if len(r.Subscriptions) == 0 {
		fmt.Fprintln(w, "no subscriptions")
		return
	}
	fmt.Fprintf(w, "%-28s %-8s %-12s %-10s %-8s %-8s %s\n", "ID", "PROTO", "MODEL", "DEVICE", "MATCHED", "DROPPED", "LAST")
	for _, sub := range r.Subscriptions {
		last := ""
		if sub.LastTime != "" {
			last = sub.LastTime + " " + core.FormatValue(sub.LastValue)
		}
		fmt.Fprintf(w, "%-28s %-8d %-12s %-10s %-8d %-8d %s\n",
			sub.ID, sub.Protocol, sub.Model, sub.DeviceID, sub.Matched, sub.Dropped, last)
	}
}

// --- Show / Recent / Unsubscribe ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one subscription as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var info core.SubscriptionInfo
		if err := call(uds.MethodGetSubscription, uds.SubscriptionRequest{ID: args[0]}, &info); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), info)
	},
}

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent <id>",
	Short: "Print the latest matches the daemon kept for a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp uds.RecentResponse
		if err := call(uds.MethodRecent, uds.RecentRequest{ID: args[0], Limit: recentLimit}, &resp); err != nil {
			return err
		}
		for _, m := range resp.Matches {
			fmt.Fprintln(cmd.OutOrStdout(), m)
		}
		return nil
	},
}

func init() {
	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 20, "number of matches, 0 for all")
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <id>",
	Short: "Stop routing records to a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(uds.MethodUnsubscribe, uds.SubscriptionRequest{ID: args[0]}, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %s ✓\n", args[0])
		return nil
	},
}

// --- Tail ---

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print matches as the daemon broadcasts them",
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := dialDaemon()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		eof := make(chan struct{})
		var eofOnce bool
		client.OnEvent(func(m uds.Message) {
			switch m.Method {
			case uds.EventRecordsMatched:
				var ev uds.MatchedEvent
				if err := m.UnmarshalData(&ev); err != nil {
					fmt.Fprintln(os.Stderr, err)
					return
				}
				for _, match := range ev.Matches {
					fmt.Fprintf(out, "[%s] %s\n", ev.Subscription.ID, match)
				}
			case uds.EventSessionEOF:
				if !eofOnce {
					eofOnce = true
					close(eof)
				}
			}
		})

		// Ping so a dead daemon is reported instead of waiting forever.
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Call(pingCtx, uds.MethodPing, nil, nil); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
		case <-eof:
			fmt.Fprintln(out, "decoder reached end of stream")
		case <-client.Done():
			return errors.New("daemon closed the connection")
		}
		return nil
	},
}

// --- Config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage rtlstream.yaml",
}

var (
	configInitDevice string
	configInitOutput string
	configInitForce  bool
)

var configInitCmd = &cobra.Command{
	Use:   "init <preset>",
	Short: "Generate rtlstream.yaml from a sensor preset",
	Long:  "Run 'rtlstream config presets' for the available presets.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := presets.Generate(args[0], configInitDevice)
		if err != nil {
			return err
		}
		path := configInitOutput
		if path == "" {
			path = config.FileName
		}
		if err := config.Save(path, c, configInitForce); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Generated %s with %d subscriptions\n", path, len(c.Subscriptions))
		for _, name := range c.Names() {
			sub := c.Subscriptions[name]
			fmt.Fprintf(out, "  %s (protocol %d, %s)\n", name, sub.Protocol, sub.Field)
		}
		return nil
	},
}

var configPresetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List sensor presets",
	Run: func(cmd *cobra.Command, _ []string) {
		for _, p := range presets.All() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s protocol %-4d %s\n", p.Name, p.Protocol, p.Description)
		}
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate rtlstream.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.FilePath(configPath)
		if len(args) > 0 {
			path = args[0]
		}

		c, err := config.Load(path)
		if err != nil {
			return err
		}

		errs := config.Validate(c)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d subscriptions)\n", path, len(c.Subscriptions))
			return nil
		}

		w := cmd.ErrOrStderr()
		fmt.Fprintf(w, "%s: %d error(s)\n", path, len(errs))
		for _, e := range errs {
			fmt.Fprintf(w, "  • %s\n", e)
		}
		return fmt.Errorf("%s is invalid", path)
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitDevice, "device", "", "only subscribe to this device id")
	configInitCmd.Flags().StringVar(&configInitOutput, "output", "", "output file path (default rtlstream.yaml)")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPresetsCmd)
	configCmd.AddCommand(configValidateCmd)
}

// --- Daemon ---

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run or manage rtlstreamd",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start rtlstreamd in the foreground",
	Long:  "Normally the TUI auto-spawns the daemon or systemd runs it. Use this to run it manually.",
	RunE: func(_ *cobra.Command, _ []string) error {
		cmd := exec.Command("rtlstreamd", "--config", config.FilePath(configPath))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	},
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install rtlstreamd as a systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Install(config.FilePath(configPath)); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "installed "+service.UnitName+" ✓")
		return nil
	},
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the rtlstreamd systemd user service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := service.Uninstall(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "removed "+service.UnitName+" ✓")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show socket and systemd service state",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fmt.Fprintln(cmd.OutOrStdout(), service.Status(ctx, resolveSocket()))
	},
}

var (
	logsFollow bool
	logsLines  int
)

var daemonLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the rtlstreamd journal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lines, err := journald.Stream(ctx, journald.Options{
			Unit:   service.UnitName,
			User:   true,
			Lines:  logsLines,
			Follow: logsFollow,
		}, nil)
		if err != nil {
			return err
		}
		for line := range lines {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	daemonLogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new entries")
	daemonLogsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "number of entries to show")

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonLogsCmd)
}
