package session

import (
	"time"

	"github.com/modoterra/rtlstream/pkg/router"
	"github.com/modoterra/rtlstream/pkg/subscription"
)

// Config controls how a session launches and stops rtl_433.
type Config struct {
	// Path is the decoder binary, resolved through PATH when it has no slash.
	Path string

	// Debug runs the decoder with every protocol enabled (-G) instead of the
	// registered protocol set.
	Debug bool

	// ExtraArgs are appended to the generated command line.
	ExtraArgs []string

	// StopTimeout is how long Close waits for the decoder to close its output
	// before sending SIGTERM. The Close context can cut it short.
	StopTimeout time.Duration

	// KillTimeout is how long to wait after SIGTERM before SIGKILL.
	KillTimeout time.Duration

	// MaxLineSize bounds a single line of decoder output.
	MaxLineSize int

	// WarnThreshold is passed to unbounded subscription queues.
	WarnThreshold int

	// DiagnosticsCapacity bounds the stderr catch-all queue.
	DiagnosticsCapacity int

	// Metrics, when set, receives router counters.
	Metrics *router.Metrics

	// Tee, when set, is called with every non-empty stdout line before it is
	// parsed. It runs on the reader goroutine.
	Tee func(line []byte)
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Path:                "rtl_433",
		StopTimeout:         5 * time.Second,
		KillTimeout:         2 * time.Second,
		MaxLineSize:         router.DefaultMaxLineSize,
		WarnThreshold:       subscription.DefaultWarnThreshold,
		DiagnosticsCapacity: 256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = d.KillTimeout
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = d.MaxLineSize
	}
	if c.WarnThreshold <= 0 {
		c.WarnThreshold = d.WarnThreshold
	}
	if c.DiagnosticsCapacity <= 0 {
		c.DiagnosticsCapacity = d.DiagnosticsCapacity
	}
	return c
}
