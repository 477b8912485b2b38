// Package service manages the rtlstreamd systemd user service unit.
package service

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coreos/go-systemd/v22/dbus"

	"github.com/modoterra/rtlstream/pkg/core"
)

// UnitName is the systemd user unit rtlstreamd is installed as.
const UnitName = "rtlstreamd.service"

// UnitContents returns the systemd unit file contents for the given binary
// and configuration paths.
func UnitContents(binaryPath, configPath string) string {
	start := binaryPath
	if configPath != "" {
		start += " --config " + configPath
	}
	return fmt.Sprintf(`[Unit]
Description=rtlstream daemon, routes rtl_433 sensor readings to subscribers
Documentation=https://github.com/modoterra/rtlstream

[Service]
Type=notify
NotifyAccess=main
ExecStart=%s
Restart=on-failure
RestartSec=5
TimeoutStopSec=15

[Install]
WantedBy=default.target
`, start)
}

// UnitPath returns the path to the systemd user unit file.
func UnitPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	return filepath.Join(configDir, "systemd", "user", UnitName), nil
}

// Install writes the unit file, reloads systemd, and enables+starts the service.
func Install(configPath string) error {
	binaryPath, err := exec.LookPath("rtlstreamd")
	if err != nil {
		return fmt.Errorf("rtlstreamd not found in PATH: %w", err)
	}
	binaryPath, err = filepath.Abs(binaryPath)
	if err != nil {
		return fmt.Errorf("cannot resolve rtlstreamd path: %w", err)
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("cannot resolve config path: %w", err)
		}
	}

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}

	contents := UnitContents(binaryPath, configPath)
	if err := os.WriteFile(unitPath, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("cannot write unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", UnitName)
}

// Uninstall stops+disables the service, removes the unit file, and reloads systemd.
func Uninstall() error {
	// Best-effort stop and disable; ignore errors if not running.
	_ = systemctl("stop", UnitName)
	_ = systemctl("disable", UnitName)

	unitPath, err := UnitPath()
	if err != nil {
		return err
	}

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove unit file: %w", err)
	}

	return systemctl("daemon-reload")
}

// UnitState is the state of the user unit as reported over D-Bus.
type UnitState struct {
	ActiveState string
	SubState    string
	LoadState   string
	MainPID     int
	MemBytes    uint64
}

// Status maps the unit state onto a session status.
func (u UnitState) Status() core.Status {
	switch u.ActiveState {
	case "active", "activating", "reloading":
		return core.StatusRunning
	case "inactive", "deactivating":
		return core.StatusStopped
	case "failed":
		return core.StatusFailed
	default:
		return core.StatusUnknown
	}
}

// QueryUnit asks the user systemd instance for the state of rtlstreamd.
func QueryUnit(ctx context.Context) (UnitState, error) {
	conn, err := dbus.NewUserConnectionContext(ctx)
	if err != nil {
		return UnitState{}, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	units, err := conn.ListUnitsByNamesContext(ctx, []string{UnitName})
	if err != nil {
		return UnitState{}, fmt.Errorf("list units: %w", err)
	}
	if len(units) == 0 {
		return UnitState{}, fmt.Errorf("unit %s not found", UnitName)
	}

	u := units[0]
	st := UnitState{ActiveState: u.ActiveState, SubState: u.SubState, LoadState: u.LoadState}
	if u.ActiveState == "active" {
		props, err := conn.GetUnitTypePropertiesContext(ctx, UnitName, "Service")
		if err == nil {
			if pid, ok := props["MainPID"].(uint32); ok && pid > 0 {
				st.MainPID = int(pid)
			}
			if mem, ok := props["MemoryCurrent"].(uint64); ok {
				st.MemBytes = mem
			}
		}
	}
	return st, nil
}

// Status returns a human-readable status string.
func Status(ctx context.Context, socketPath string) string {
	var lines []string

	if _, err := os.Stat(socketPath); err == nil {
		lines = append(lines, "socket: active ("+socketPath+")")
	} else {
		lines = append(lines, "socket: inactive ("+socketPath+")")
	}

	unitPath, err := UnitPath()
	if err == nil {
		if _, statErr := os.Stat(unitPath); statErr == nil {
			lines = append(lines, "systemd user service: "+describeUnit(ctx))
		} else {
			lines = append(lines, "systemd user service: not installed")
		}
	}

	return strings.Join(lines, "\n")
}

func describeUnit(ctx context.Context) string {
	st, err := QueryUnit(ctx)
	if err != nil {
		return "unknown (" + err.Error() + ")"
	}
	desc := st.ActiveState
	if st.SubState != "" {
		desc += "/" + st.SubState
	}
	if st.MainPID > 0 {
		desc += fmt.Sprintf(", pid %d", st.MainPID)
	}
	return desc
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return nil
}
