package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, decoderBody string) string {
	t.Helper()
	dir := t.TempDir()
	decoder := filepath.Join(dir, "rtl_433")
	if err := os.WriteFile(decoder, []byte("#!/bin/sh\n"+decoderBody+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf(`version: 1
rtl433:
  path: %s
daemon:
  socket: %s
  poll_interval: 10ms
  log_level: error
subscriptions:
  porch:
    protocol: 55
    model: 606TX
    field: temperature_C
`, decoder, filepath.Join(dir, "d.sock"))
	path := filepath.Join(dir, "rtlstream.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runWithTimeout(t *testing.T, cfgPath string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfgPath, os.Stderr) }()
	select {
	case err := <-done:
		if ctx.Err() != nil {
			t.Fatal("run only returned after the context expired")
		}
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return")
		return nil
	}
}

func TestRunStopsAtDecoderEOF(t *testing.T) {
	cfg := writeConfig(t, `echo '{"time":"t0","model":"Acurite-606TX","id":1,"temperature_C":4.5}'`)
	if err := runWithTimeout(t, cfg); err != nil {
		t.Errorf("run: %v", err)
	}
}

func TestRunReportsDecoderFailure(t *testing.T) {
	cfg := writeConfig(t, "exit 3")
	if err := runWithTimeout(t, cfg); err == nil {
		t.Error("expected the decoder exit status to be reported")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := writeConfig(t, "exec sleep 30")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, os.Stderr) }()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run after cancel: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtlstream.yaml")
	if err := os.WriteFile(path, []byte("version: 1\nsubscriptions: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := run(context.Background(), path, os.Stderr)
	if err == nil || !strings.Contains(err.Error(), "subscription") {
		t.Errorf("expected a validation error, got %v", err)
	}
}

func TestMetricsServer(t *testing.T) {
	reg := newRegistry(os.Getpid)
	ms, err := newMetricsServer("127.0.0.1:0", reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	go ms.Serve()
	defer ms.Shutdown()

	resp, err := http.Get("http://" + ms.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "rtl_433_process_cpu_seconds_total") {
		t.Errorf("metrics missing decoder process collector:\n%.500s", body)
	}

	resp, err = http.Get("http://" + ms.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "OK" {
		t.Errorf("health: got %q", body)
	}
}

func TestDecoderProcessCollectorIdle(t *testing.T) {
	reg := newRegistry(func() int { return 0 })
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "rtl_433_process_") {
			t.Errorf("unexpected decoder metric without a decoder: %s", mf.GetName())
		}
	}
}
