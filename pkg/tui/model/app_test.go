package model

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/transport/uds"
)

func update(t *testing.T, a App, msg tea.Msg) (App, tea.Cmd) {
	t.Helper()
	m, cmd := a.Update(msg)
	app, ok := m.(App)
	if !ok {
		t.Fatalf("Update returned %T, want App", m)
	}
	return app, cmd
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func testSubs() []core.SubscriptionInfo {
	return []core.SubscriptionInfo{
		{ID: "acurite-275rm-humidity", Protocol: 74, Model: "00275rm", Field: "humidity"},
		{ID: "acurite-275rm-temperature", Protocol: 74, Model: "00275rm", Field: "temperature_C"},
		{ID: "acurite-606tx-temperature", Protocol: 55, Model: "606TX", Field: "temperature_C"},
	}
}

func TestNavigation(t *testing.T) {
	a := New("/nonexistent.sock")
	a, _ = update(t, a, subscriptionsMsg{testSubs()})

	a, _ = update(t, a, key("j"))
	a, _ = update(t, a, key("j"))
	a, _ = update(t, a, key("j"))
	if a.selectedIdx != 2 {
		t.Errorf("selectedIdx: got %d, want 2", a.selectedIdx)
	}
	a, _ = update(t, a, key("k"))
	if got := a.selectedSub().ID; got != "acurite-275rm-temperature" {
		t.Errorf("selected: got %s, want acurite-275rm-temperature", got)
	}
}

func TestSearchFilters(t *testing.T) {
	a := New("/nonexistent.sock")
	a, _ = update(t, a, subscriptionsMsg{testSubs()})
	a.search.SetValue("606")

	subs := a.filteredSubs()
	if len(subs) != 1 || subs[0].ID != "acurite-606tx-temperature" {
		t.Errorf("filteredSubs: got %+v", subs)
	}

	a.search.SetValue("74")
	if got := len(a.filteredSubs()); got != 2 {
		t.Errorf("protocol search: got %d subscriptions, want 2", got)
	}
}

func TestMatchedEventAppends(t *testing.T) {
	a := New("/nonexistent.sock")
	a, _ = update(t, a, subscriptionsMsg{testSubs()})

	info := testSubs()[0]
	info.Matched = 1
	info.LastValue = 41.0
	a, cmd := update(t, a, matchedMsg(uds.MatchedEvent{
		Subscription: info,
		Matches:      []core.Match{{SubscriptionID: info.ID, Time: "t0", Field: "humidity", Value: 41.0}},
	}))
	if cmd == nil {
		t.Error("expected the event loop to be re-armed")
	}
	if got := len(a.matches[info.ID]); got != 1 {
		t.Errorf("matches: got %d, want 1", got)
	}
	if a.subs[0].Matched != 1 {
		t.Errorf("subscription info not updated: %+v", a.subs[0])
	}

	// History arriving after live events does not replace them.
	a, _ = update(t, a, recentMsg{id: info.ID, matches: []core.Match{{}, {}, {}}})
	if got := len(a.matches[info.ID]); got != 1 {
		t.Errorf("matches after recent: got %d, want 1", got)
	}
}

func TestMatchedEventBounded(t *testing.T) {
	a := New("/nonexistent.sock")
	batch := make([]core.Match, maxMatches+10)
	a, _ = update(t, a, matchedMsg(uds.MatchedEvent{Subscription: core.SubscriptionInfo{ID: "s"}, Matches: batch}))
	if got := len(a.matches["s"]); got != maxMatches {
		t.Errorf("matches: got %d, want %d", got, maxMatches)
	}
	if len(a.subs) != 1 {
		t.Errorf("unknown subscription should be added, got %d", len(a.subs))
	}
}

func TestPauseDropsMatches(t *testing.T) {
	a := New("/nonexistent.sock")
	a, _ = update(t, a, key(" "))
	if !a.paused {
		t.Fatal("expected paused")
	}
	a, _ = update(t, a, matchedMsg(uds.MatchedEvent{Subscription: core.SubscriptionInfo{ID: "s"}, Matches: []core.Match{{}}}))
	if got := len(a.matches["s"]); got != 0 {
		t.Errorf("matches while paused: got %d, want 0", got)
	}
}

func TestUnsubscribeConfirm(t *testing.T) {
	a := New("/nonexistent.sock")
	a, _ = update(t, a, subscriptionsMsg{testSubs()})

	a, _ = update(t, a, key("u"))
	if a.mode != ModeConfirmUnsubscribe || a.unsubscribeTarget != "acurite-275rm-humidity" {
		t.Fatalf("expected confirmation for first subscription, got mode %d target %q", a.mode, a.unsubscribeTarget)
	}
	a, _ = update(t, a, key("n"))
	if a.mode != ModeNormal || a.statusMsg != "unsubscribe cancelled" {
		t.Errorf("cancel: got mode %d status %q", a.mode, a.statusMsg)
	}

	a, _ = update(t, a, key("u"))
	a, _ = update(t, a, key("y"))
	if a.statusMsg != "not connected" {
		t.Errorf("confirm without client: got status %q", a.statusMsg)
	}

	a, _ = update(t, a, unsubscribedMsg{id: "acurite-275rm-humidity"})
	if len(a.subs) != 2 {
		t.Errorf("subs after unsubscribe: got %d, want 2", len(a.subs))
	}
}

func TestEOFAndErrors(t *testing.T) {
	a := New("/nonexistent.sock")
	a, _ = update(t, a, eofMsg{})
	if !a.eof {
		t.Error("expected eof")
	}
	a, cmd := update(t, a, errorMsg{errors.New("boom")})
	if cmd != nil {
		t.Error("errorMsg should not schedule a command")
	}
	if a.statusMsg != "error: boom" {
		t.Errorf("status: got %q", a.statusMsg)
	}
}

func TestQuit(t *testing.T) {
	a := New("/nonexistent.sock")
	_, cmd := update(t, a, key("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestEventHandler(t *testing.T) {
	ch := make(chan tea.Msg, 1)
	h := eventHandler(ch)

	evt, err := uds.NewEvent(uds.EventRecordsMatched, uds.MatchedEvent{Subscription: core.SubscriptionInfo{ID: "s"}})
	if err != nil {
		t.Fatal(err)
	}
	h(evt)
	if m, ok := (<-ch).(matchedMsg); !ok || m.Subscription.ID != "s" {
		t.Errorf("expected matchedMsg for s, got %#v", m)
	}

	h(uds.Message{Type: uds.MsgTypeEvt, Method: "other"})
	select {
	case m := <-ch:
		t.Errorf("unexpected message for unknown event: %#v", m)
	default:
	}

	// A full channel never blocks the caller.
	eof, _ := uds.NewEvent(uds.EventSessionEOF, nil)
	h(eof)
	h(eof)
	if _, ok := (<-ch).(eofMsg); !ok {
		t.Error("expected eofMsg")
	}
}

func TestView(t *testing.T) {
	a := New("/nonexistent.sock")
	if got := a.View(); got != "loading..." {
		t.Errorf("View before size: got %q", got)
	}
	a, _ = update(t, a, tea.WindowSizeMsg{Width: 120, Height: 40})
	a, _ = update(t, a, subscriptionsMsg{testSubs()})
	a, _ = update(t, a, sessionMsg{core.SessionInfo{Status: core.StatusRunning, PID: 42}})

	v := a.View()
	for _, want := range []string{"Subscriptions", "acurite-275rm-humidity", "pid 42", "no matches yet"} {
		if !strings.Contains(v, want) {
			t.Errorf("View missing %q", want)
		}
	}
}
