// Package config reads and writes rtlstream.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modoterra/rtlstream/pkg/router"
	"github.com/modoterra/rtlstream/pkg/session"
	"github.com/modoterra/rtlstream/pkg/subscription"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "rtlstream.yaml"

// Config represents an rtlstream.yaml file.
type Config struct {
	Version       int                     `yaml:"version"       json:"version"`
	RTL433        RTL433                  `yaml:"rtl433"        json:"rtl433"`
	Daemon        Daemon                  `yaml:"daemon"        json:"daemon"`
	Subscriptions map[string]Subscription `yaml:"subscriptions" json:"subscriptions"`
}

// RTL433 describes how the decoder is launched and stopped.
type RTL433 struct {
	Path        string        `yaml:"path"                   json:"path"`
	Debug       bool          `yaml:"debug,omitempty"        json:"debug,omitempty"`
	ExtraArgs   []string      `yaml:"extra_args,omitempty"   json:"extra_args,omitempty"`
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty" json:"stop_timeout,omitempty"`
	KillTimeout time.Duration `yaml:"kill_timeout,omitempty" json:"kill_timeout,omitempty"`
	MaxLineSize int           `yaml:"max_line_size,omitempty" json:"max_line_size,omitempty"`
}

// Daemon holds rtlstreamd settings.
type Daemon struct {
	Socket       string        `yaml:"socket"                  json:"socket"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	MetricsAddr  string        `yaml:"metrics_addr,omitempty"  json:"metrics_addr,omitempty"`
	LogLevel     string        `yaml:"log_level,omitempty"     json:"log_level,omitempty"`
	History      int           `yaml:"history,omitempty"       json:"history,omitempty"`
}

// Subscription is one named filter and its queue settings.
type Subscription struct {
	Protocol int    `yaml:"protocol"            json:"protocol"`
	Model    string `yaml:"model"               json:"model"`
	DeviceID string `yaml:"device_id,omitempty" json:"device_id,omitempty"`
	Field    string `yaml:"field,omitempty"     json:"field,omitempty"`
	Capacity int    `yaml:"capacity,omitempty"  json:"capacity,omitempty"`
	Overflow string `yaml:"overflow,omitempty"  json:"overflow,omitempty"`
}

// Filter returns the subscription filter.
func (s Subscription) Filter() subscription.Filter {
	return subscription.Filter{
		Protocol: s.Protocol,
		Model:    s.Model,
		DeviceID: s.DeviceID,
		Field:    s.Field,
	}
}

// Options returns the subscription options for a named entry.
func (s Subscription) Options(name string) ([]subscription.Option, error) {
	opts := []subscription.Option{
		subscription.WithID(name),
		subscription.WithCapacity(s.Capacity),
	}
	if s.Overflow != "" {
		p, err := subscription.ParseOverflowPolicy(s.Overflow)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: %w", name, err)
		}
		opts = append(opts, subscription.WithOverflowPolicy(p))
	}
	return opts, nil
}

// Defaults used for unset fields.
const (
	DefaultSocket       = "/tmp/rtlstream.sock"
	DefaultPollInterval = 30 * time.Second
	DefaultHistory      = 200
	DefaultLogLevel     = "info"
)

// Default returns a configuration with every optional field filled in and no
// subscriptions.
func Default() *Config {
	sc := session.DefaultConfig()
	return &Config{
		Version: 1,
		RTL433: RTL433{
			Path:        sc.Path,
			StopTimeout: sc.StopTimeout,
			KillTimeout: sc.KillTimeout,
			MaxLineSize: sc.MaxLineSize,
		},
		Daemon: Daemon{
			Socket:       DefaultSocket,
			PollInterval: DefaultPollInterval,
			LogLevel:     DefaultLogLevel,
			History:      DefaultHistory,
		},
		Subscriptions: make(map[string]Subscription),
	}
}

// Parse decodes YAML, fills defaults and expands environment references in
// paths.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if c.Subscriptions == nil {
		c.Subscriptions = make(map[string]Subscription)
	}
	c.interpolate()
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Save writes c to path, creating parent directories. It refuses to
// overwrite an existing file unless force is set.
func Save(path string, c *Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// FilePath returns the config file to use: explicit when set, otherwise
// rtlstream.yaml in the working directory if present, otherwise
// $XDG_CONFIG_HOME/rtlstream/rtlstream.yaml.
func FilePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(dir, "rtlstream", FileName)
}

// Names returns the subscription names in sorted order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Subscriptions))
	for name := range c.Subscriptions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SessionConfig converts the rtl433 section into session settings.
func (c *Config) SessionConfig(metrics *router.Metrics) session.Config {
	sc := session.DefaultConfig()
	sc.Path = c.RTL433.Path
	sc.Debug = c.RTL433.Debug
	sc.ExtraArgs = slices.Clone(c.RTL433.ExtraArgs)
	sc.StopTimeout = c.RTL433.StopTimeout
	if c.RTL433.KillTimeout > 0 {
		sc.KillTimeout = c.RTL433.KillTimeout
	}
	if c.RTL433.MaxLineSize > 0 {
		sc.MaxLineSize = c.RTL433.MaxLineSize
	}
	sc.Metrics = metrics
	return sc
}

// Register adds every configured subscription to s, in name order.
func (c *Config) Register(s *session.Session) error {
	for _, name := range c.Names() {
		sub := c.Subscriptions[name]
		opts, err := sub.Options(name)
		if err != nil {
			return err
		}
		if _, err := s.RegisterFilter(sub.Filter(), opts...); err != nil {
			return fmt.Errorf("register %q: %w", name, err)
		}
	}
	return nil
}

// NewSubscriptions builds the configured subscriptions without a session,
// for feeding captures through replay.
func (c *Config) NewSubscriptions() ([]*subscription.Subscription, error) {
	subs := make([]*subscription.Subscription, 0, len(c.Subscriptions))
	for _, name := range c.Names() {
		sub := c.Subscriptions[name]
		opts, err := sub.Options(name)
		if err != nil {
			return nil, err
		}
		subs = append(subs, subscription.New(sub.Filter(), opts...))
	}
	return subs, nil
}

func (c *Config) interpolate() {
	c.RTL433.Path = expand(c.RTL433.Path)
	for i, arg := range c.RTL433.ExtraArgs {
		c.RTL433.ExtraArgs[i] = expand(arg)
	}
	c.Daemon.Socket = expand(c.Daemon.Socket)
}

// expand substitutes ${VAR} and $VAR from the environment. Unset variables
// are left as written so a typo stays visible.
func expand(s string) string {
	return os.Expand(s, func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
}
