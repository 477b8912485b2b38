package config

import (
	"fmt"
	"log/slog"

	"github.com/modoterra/rtlstream/pkg/subscription"
)

// Validate checks the configuration for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Version != 1 {
		errs = append(errs, fmt.Errorf("version must be 1, got %d", c.Version))
	}

	if c.RTL433.Path == "" {
		errs = append(errs, fmt.Errorf("rtl433.path is required"))
	}
	if c.RTL433.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("rtl433.stop_timeout must not be negative"))
	}
	if c.RTL433.KillTimeout < 0 {
		errs = append(errs, fmt.Errorf("rtl433.kill_timeout must not be negative"))
	}
	if c.RTL433.MaxLineSize < 0 {
		errs = append(errs, fmt.Errorf("rtl433.max_line_size must not be negative"))
	}

	if c.Daemon.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("daemon.poll_interval must be positive"))
	}
	if c.Daemon.History < 0 {
		errs = append(errs, fmt.Errorf("daemon.history must not be negative"))
	}
	if c.Daemon.LogLevel != "" {
		if _, err := ParseLevel(c.Daemon.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.Subscriptions) == 0 {
		errs = append(errs, fmt.Errorf("config must define at least one subscription"))
	}

	for _, name := range c.Names() {
		sub := c.Subscriptions[name]
		if sub.Protocol < 0 {
			errs = append(errs, fmt.Errorf("subscription %q: protocol must not be negative, got %d", name, sub.Protocol))
		}
		if sub.Model == "" {
			errs = append(errs, fmt.Errorf("subscription %q: model is required", name))
		}
		if sub.Capacity < 0 {
			errs = append(errs, fmt.Errorf("subscription %q: capacity must not be negative", name))
		}
		if sub.Overflow != "" {
			if _, err := subscription.ParseOverflowPolicy(sub.Overflow); err != nil {
				errs = append(errs, fmt.Errorf("subscription %q: overflow must be drop-oldest or drop-newest; got %q", name, sub.Overflow))
			}
		}
	}

	return errs
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("daemon.log_level: unknown level %q", s)
	}
	return l, nil
}
