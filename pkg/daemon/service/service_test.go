package service

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/modoterra/rtlstream/pkg/core"
)

func TestUnitContents(t *testing.T) {
	got := UnitContents("/usr/local/bin/rtlstreamd", "/etc/rtlstream.yaml")

	if !strings.Contains(got, "ExecStart=/usr/local/bin/rtlstreamd --config /etc/rtlstream.yaml") {
		t.Error("unit file missing ExecStart with binary and config path")
	}
	if !strings.Contains(got, "Type=notify") {
		t.Error("unit file missing Type=notify")
	}
	if !strings.Contains(got, "Restart=on-failure") {
		t.Error("unit file missing Restart=on-failure")
	}
	if !strings.Contains(got, "[Install]") {
		t.Error("unit file missing [Install] section")
	}
}

func TestUnitContentsWithoutConfig(t *testing.T) {
	got := UnitContents("/usr/bin/rtlstreamd", "")
	if !strings.Contains(got, "ExecStart=/usr/bin/rtlstreamd\n") {
		t.Errorf("unexpected ExecStart in:\n%s", got)
	}
}

func TestUnitPath(t *testing.T) {
	path, err := UnitPath()
	if err != nil {
		t.Fatalf("UnitPath() error: %v", err)
	}
	if !strings.HasSuffix(path, "systemd/user/rtlstreamd.service") {
		t.Errorf("UnitPath() = %q, want suffix systemd/user/rtlstreamd.service", path)
	}
}

func TestUnitStateStatus(t *testing.T) {
	tests := []struct {
		active string
		want   core.Status
	}{
		{"active", core.StatusRunning},
		{"activating", core.StatusRunning},
		{"inactive", core.StatusStopped},
		{"failed", core.StatusFailed},
		{"", core.StatusUnknown},
	}
	for _, tt := range tests {
		if got := (UnitState{ActiveState: tt.active}).Status(); got != tt.want {
			t.Errorf("Status(%q) = %s, want %s", tt.active, got, tt.want)
		}
	}
}

func TestStatusNoSocket(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	got := Status(context.Background(), "/tmp/rtlstream-test-nonexistent.sock")
	if !strings.Contains(got, "socket: inactive") {
		t.Errorf("Status() should report inactive socket, got: %s", got)
	}
	if !strings.Contains(got, "not installed") {
		t.Errorf("Status() should report the unit as not installed, got: %s", got)
	}
}

func TestStatusWithSocket(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	f, err := os.CreateTemp("", "rtlstream-test-*.sock")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.Close()

	got := Status(context.Background(), f.Name())
	if !strings.Contains(got, "socket: active") {
		t.Errorf("Status() should report active socket, got: %s", got)
	}
}
