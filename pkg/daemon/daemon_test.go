package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/session"
	"github.com/modoterra/rtlstream/pkg/subscription"
	"github.com/modoterra/rtlstream/pkg/transport/uds"
)

func makeMsg(t *testing.T, req any) uds.Message {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return uds.Message{Data: data}
}

func testSession(t *testing.T) (*session.Session, *subscription.Subscription) {
	t.Helper()
	s := session.New(session.Config{}, quietLogger())
	sub, err := s.Register(74, "00275rm", "8807", "temperature_C", subscription.WithID("living-room"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register(55, "606TX", "", "temperature_C", subscription.WithID("porch")); err != nil {
		t.Fatal(err)
	}
	return s, sub
}

func TestHandleListSubscriptions(t *testing.T) {
	s, _ := testSession(t)
	d := newTestDaemon(t, s)

	result, err := d.handleListSubscriptions(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	infos := result.([]core.SubscriptionInfo)
	if len(infos) != 2 || infos[0].ID != "living-room" || infos[1].ID != "porch" {
		t.Errorf("infos: got %+v", infos)
	}
}

func TestHandleGetSubscription(t *testing.T) {
	s, _ := testSession(t)
	d := newTestDaemon(t, s)

	result, err := d.handleGetSubscription(context.Background(), makeMsg(t, uds.SubscriptionRequest{ID: "porch"}))
	if err != nil {
		t.Fatal(err)
	}
	if info := result.(core.SubscriptionInfo); info.Protocol != 55 || info.Model != "606TX" {
		t.Errorf("info: got %+v", info)
	}

	_, err = d.handleGetSubscription(context.Background(), makeMsg(t, uds.SubscriptionRequest{ID: "nope"}))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing: got %v", err)
	}
	if _, err := d.handleGetSubscription(context.Background(), uds.Message{}); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestHandleRecent(t *testing.T) {
	s, sub := testSession(t)
	d := newTestDaemon(t, s)
	pl := NewPollLoop(d, time.Hour, quietLogger())

	for _, v := range []float64{1, 2, 3} {
		sub.Enqueue(core.NewRecord(map[string]any{"model": "00275rm", "id": "8807", "temperature_C": v}, nil))
	}
	pl.tick()

	result, err := d.handleRecent(context.Background(), makeMsg(t, uds.RecentRequest{ID: "living-room", Limit: 2}))
	if err != nil {
		t.Fatal(err)
	}
	resp := result.(uds.RecentResponse)
	if len(resp.Matches) != 2 || resp.Matches[1].Value != 3.0 {
		t.Errorf("recent: got %+v", resp.Matches)
	}

	result, err = d.handleRecent(context.Background(), makeMsg(t, uds.RecentRequest{ID: "porch"}))
	if err != nil {
		t.Fatal(err)
	}
	if resp := result.(uds.RecentResponse); resp.Matches == nil || len(resp.Matches) != 0 {
		t.Errorf("empty history should be an empty list, got %#v", resp.Matches)
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	s, _ := testSession(t)
	d := newTestDaemon(t, s)

	if _, err := d.handleUnsubscribe(context.Background(), makeMsg(t, uds.SubscriptionRequest{ID: "porch"})); err != nil {
		t.Fatal(err)
	}
	if len(s.Subscriptions()) != 1 || len(d.Subscriptions()) != 1 {
		t.Errorf("porch should be gone: session=%d daemon=%d", len(s.Subscriptions()), len(d.Subscriptions()))
	}
	if _, err := d.handleUnsubscribe(context.Background(), makeMsg(t, uds.SubscriptionRequest{ID: "porch"})); err == nil {
		t.Error("second unsubscribe should fail")
	}
}

func TestHandleSessionStatus(t *testing.T) {
	d := New(t.TempDir()+"/d.sock", quietLogger())
	result, err := d.handleSessionStatus(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	if info := result.(core.SessionInfo); info.Status != core.StatusUnknown {
		t.Errorf("no session: got %+v", info)
	}

	s, _ := testSession(t)
	d.SetSession(s)
	result, _ = d.handleSessionStatus(context.Background(), uds.Message{})
	info := result.(core.SessionInfo)
	if info.Status != core.StatusIdle {
		t.Errorf("status: got %s", info.Status)
	}
	want := "rtl_433 -F json -R 55 -R 74"
	if got := strings.Join(info.Command, " "); got != want {
		t.Errorf("command: got %q, want %q", got, want)
	}
}

func TestDaemonOverSocket(t *testing.T) {
	s, sub := testSession(t)
	d := newTestDaemon(t, s)
	d.SetVersion("v-test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	defer d.Shutdown()

	var client *uds.Client
	var err error
	for i := 0; i < 50; i++ {
		if client, err = uds.Dial(d.Server().SocketPath()); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	events := make(chan uds.Message, 4)
	client.OnEvent(func(msg uds.Message) { events <- msg })

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	var pong uds.PingResponse
	if err := client.Call(reqCtx, uds.MethodPing, nil, &pong); err != nil {
		t.Fatal(err)
	}
	if pong.Version != "v-test" {
		t.Errorf("version: got %q", pong.Version)
	}

	sub.Enqueue(core.NewRecord(map[string]any{"model": "00275rm", "id": "8807", "time": "t", "temperature_C": 21.5}, nil))
	NewPollLoop(d, time.Hour, quietLogger()).tick()

	select {
	case msg := <-events:
		if msg.Method != uds.EventRecordsMatched {
			t.Fatalf("event: got %s", msg.Method)
		}
		var evt uds.MatchedEvent
		if err := msg.UnmarshalData(&evt); err != nil {
			t.Fatal(err)
		}
		if evt.Subscription.ID != "living-room" || len(evt.Matches) != 1 || evt.Matches[0].Value != 21.5 {
			t.Errorf("event: got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for records.matched")
	}

	var infos []core.SubscriptionInfo
	if err := client.Call(reqCtx, uds.MethodListSubscriptions, nil, &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].Matched != 1 {
		t.Errorf("infos: got %+v", infos)
	}
}

func TestHandleSessionStatusSamplesProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rtl_433")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	s := session.New(session.Config{Path: path, StopTimeout: 10 * time.Millisecond}, quietLogger())
	if err := s.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })

	d := newTestDaemon(t, s)
	result, err := d.handleSessionStatus(context.Background(), uds.Message{})
	if err != nil {
		t.Fatal(err)
	}
	info := result.(core.SessionInfo)
	if info.Status != core.StatusRunning || info.PID == 0 {
		t.Fatalf("info: got %+v", info)
	}
	if info.Process == nil || info.Process.Threads < 1 {
		t.Errorf("process sample: got %+v", info.Process)
	}
}
