package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/subscription"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDecoder writes an executable shell script standing in for rtl_433.
func fakeDecoder(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtl_433")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitEOF(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for end of stream")
	}
}

func TestCommand(t *testing.T) {
	s := New(Config{Path: "rtl_433", ExtraArgs: []string{"-f", "915M"}}, quietLogger())
	for _, p := range []int{74, 55, 74, 0} {
		if _, err := s.Register(p, "", "", ""); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"rtl_433", "-F", "json", "-R", "55", "-R", "74", "-f", "915M"}
	if got := s.Command(); !slices.Equal(got, want) {
		t.Errorf("command: got %v, want %v", got, want)
	}
	if got := s.Protocols(); !slices.Equal(got, []int{55, 74}) {
		t.Errorf("protocols: got %v", got)
	}
}

func TestCommandDebug(t *testing.T) {
	s := New(Config{Path: "rtl_433", Debug: true}, quietLogger())
	s.Register(74, "", "", "")

	want := []string{"rtl_433", "-G", "-F", "json"}
	if got := s.Command(); !slices.Equal(got, want) {
		t.Errorf("command: got %v, want %v", got, want)
	}
}

func TestRegisterValidation(t *testing.T) {
	s := New(Config{}, quietLogger())
	if _, err := s.Register(-1, "", "", ""); err == nil {
		t.Error("negative protocol should be rejected")
	}
	if _, err := s.Register(1, "", "", "", subscription.WithID("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(2, "", "", "", subscription.WithID("a")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate id: got %v", err)
	}
	if err := s.Unregister("missing"); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("unregister missing: got %v", err)
	}
	if err := s.Unregister("a"); err != nil {
		t.Errorf("unregister: %v", err)
	}
	if len(s.Subscriptions()) != 0 {
		t.Error("expected no subscriptions")
	}
}

func TestCloseBeforeOpen(t *testing.T) {
	s := New(Config{}, quietLogger())
	if err := s.Close(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("close: got %v", err)
	}
	if err := s.Stop(context.Background()); !errors.Is(err, ErrNotOpen) {
		t.Errorf("stop: got %v", err)
	}
	if s.Status() != core.StatusIdle {
		t.Errorf("status: got %s", s.Status())
	}
}

func TestOpenMissingBinary(t *testing.T) {
	s := New(Config{Path: filepath.Join(t.TempDir(), "nope")}, quietLogger())
	err := s.Open(context.Background())
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("open: got %v, want ErrLaunch", err)
	}
	if s.Status() != core.StatusIdle {
		t.Errorf("status: got %s", s.Status())
	}
}

func TestSessionRoutesRecords(t *testing.T) {
	path := fakeDecoder(t, `
echo '{"time":"2020-01-01 00:00:00","model":"Acurite-606TX","id":58,"temperature_C":3.1}'
echo 'garbage'
echo '{"time":"2020-01-01 00:00:01","model":"00275rm","id":"8807","temperature_C":21.5}'
echo 'Tuned to 433.920MHz.' >&2
`)
	s := New(Config{Path: path}, quietLogger())
	acurite, _ := s.Register(74, "00275rm", "8807", "temperature_C")
	tx, _ := s.Register(55, "606TX", "58", "temperature_C")

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second open: got %v", err)
	}
	if _, err := s.Register(1, "", "", ""); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("register after open: got %v", err)
	}
	if s.PID() == 0 {
		t.Error("expected a pid")
	}

	waitEOF(t, s)
	if !s.AtEOF() {
		t.Error("AtEOF should be true")
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	c := acurite.Cursor()
	if !c.Next() {
		t.Fatal("expected an acurite record")
	}
	if v, ok := c.Value(); c.Name() != "temperature_C" || !ok || v != 21.5 || c.Timestamp() != "2020-01-01 00:00:01" {
		t.Errorf("cursor: %s=%v at %s", c.Name(), v, c.Timestamp())
	}
	if tx.Len() != 1 {
		t.Errorf("606TX records: got %d, want 1", tx.Len())
	}

	diag := s.Diagnostics().DrainAll()
	if len(diag) != 0 {
		t.Errorf("plain text on stderr should not produce records, got %d", len(diag))
	}

	info := s.Info()
	if info.Status != core.StatusStopped || !info.EOF {
		t.Errorf("info: %+v", info)
	}
	if len(info.Streams) != 2 || info.Streams[0].ParseFailures != 1 || info.Streams[0].Records != 2 {
		t.Errorf("streams: %+v", info.Streams)
	}
	if err := s.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("second close: got %v", err)
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("reopen: got %v", err)
	}
}

func TestSessionPassesArguments(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	path := fakeDecoder(t, `echo "$@" > `+out)
	s := New(Config{Path: path}, quietLogger())
	s.Register(74, "", "", "")
	s.Register(40, "", "", "")

	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEOF(t, s)
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(got)) != "-F json -R 40 -R 74" {
		t.Errorf("args: got %q", got)
	}
}

func TestSessionStderrJSON(t *testing.T) {
	path := fakeDecoder(t, `echo '{"model":"diag","id":1}' >&2`)
	s := New(Config{Path: path}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEOF(t, s)
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := s.Diagnostics().Len(); n != 1 {
		t.Errorf("diagnostics: got %d, want 1", n)
	}
}

func TestSessionSurvivesOversizedStderrLine(t *testing.T) {
	path := fakeDecoder(t, `head -c 2000000 /dev/zero | tr '\0' x >&2
echo >&2
echo '{"time":"2020-01-01 00:00:00","model":"00275rm","id":"8807","temperature_C":21.5}'
echo 'Tuned to 433.920MHz.' >&2`)
	s := New(Config{Path: path}, quietLogger())
	sub, _ := s.Register(74, "00275rm", "8807", "temperature_C")
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEOF(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sub.Len() != 1 {
		t.Errorf("records: got %d, want 1", sub.Len())
	}
	info := s.Info()
	if len(info.Streams) != 2 || info.Streams[1].ParseFailures != 2 || info.Streams[1].Lines != 2 {
		t.Errorf("stderr stats: %+v", info.Streams)
	}
}

func TestDefaultStopTimeout(t *testing.T) {
	s := New(Config{Path: "rtl_433"}, quietLogger())
	if got, want := s.cfg.StopTimeout, DefaultConfig().StopTimeout; got != want {
		t.Errorf("stop timeout: got %v, want %v", got, want)
	}
}

func TestSessionExitError(t *testing.T) {
	path := fakeDecoder(t, `exit 3`)
	s := New(Config{Path: path}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEOF(t, s)
	err := s.Close(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("close: got %v", err)
	}
	if s.Status() != core.StatusFailed {
		t.Errorf("status: got %s", s.Status())
	}
}

func TestCloseTerminatesHungDecoder(t *testing.T) {
	path := fakeDecoder(t, `exec sleep 30`)
	s := New(Config{Path: path, StopTimeout: 50 * time.Millisecond, KillTimeout: time.Second}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if d := time.Since(start); d > 3*time.Second {
		t.Errorf("close took %v", d)
	}
	if !s.AtEOF() {
		t.Error("AtEOF should be true after close")
	}
}

func TestCloseKillsDecoderIgnoringTerm(t *testing.T) {
	path := fakeDecoder(t, `trap '' TERM
sleep 30`)
	s := New(Config{Path: path, StopTimeout: 50 * time.Millisecond, KillTimeout: 100 * time.Millisecond}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if d := time.Since(start); d > 3*time.Second {
		t.Errorf("close took %v", d)
	}
}

func TestCloseHonoursContext(t *testing.T) {
	path := fakeDecoder(t, `exec sleep 30`)
	s := New(Config{Path: path, KillTimeout: time.Second}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestStop(t *testing.T) {
	path := fakeDecoder(t, `exec sleep 30`)
	s := New(Config{Path: path}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.Status() != core.StatusRunning {
		t.Errorf("status: got %s", s.Status())
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Status() != core.StatusStopped {
		t.Errorf("status after stop: got %s", s.Status())
	}
}

func TestSessionTee(t *testing.T) {
	path := fakeDecoder(t, `echo '{"model":"a"}'
echo 'noise'`)
	var lines []string
	s := New(Config{Path: path, Tee: func(line []byte) { lines = append(lines, string(line)) }}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEOF(t, s)
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(lines, []string{`{"model":"a"}`, "noise"}) {
		t.Errorf("tee: got %q", lines)
	}
}
