// Package procfs samples resource usage of the decoder process from /proc.
package procfs

import (
	"fmt"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/modoterra/rtlstream/pkg/core"
)

// Sample reads CPU time, resident memory, thread count and the command line
// for pid.
func Sample(pid int) (core.ProcessStats, error) {
	if pid <= 0 {
		return core.ProcessStats{}, fmt.Errorf("invalid PID: %d", pid)
	}
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return core.ProcessStats{}, fmt.Errorf("open /proc/%d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return core.ProcessStats{}, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}
	st := core.ProcessStats{
		CPUSeconds: stat.CPUTime(),
		RSSBytes:   uint64(stat.ResidentMemory()),
		Threads:    stat.NumThreads,
	}
	if args, err := proc.CmdLine(); err == nil {
		st.Cmdline = strings.TrimSpace(strings.Join(args, " "))
	}
	return st, nil
}

// CommandLine returns the argv of pid joined by spaces.
func CommandLine(pid int) (string, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return "", fmt.Errorf("open /proc/%d: %w", pid, err)
	}
	args, err := proc.CmdLine()
	if err != nil {
		return "", fmt.Errorf("read /proc/%d/cmdline: %w", pid, err)
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}
