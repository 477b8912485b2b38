package model

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/transport/uds"
)

// maxMatches bounds the matches kept per subscription in the UI.
const maxMatches = 500

// recentLimit is how many matches are fetched when a subscription is first shown.
const recentLimit = 100

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneList Pane = iota
	PaneDetail
	PaneMatches
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
	ModeConfirmUnsubscribe
)

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	socketPath string
	connected  bool
	events     chan tea.Msg

	// State
	subs        []core.SubscriptionInfo
	session     core.SessionInfo
	matches     map[string][]core.Match
	selectedIdx int
	paused      bool
	eof         bool

	// UI
	activePane Pane
	mode       Mode
	search     textinput.Model
	width      int
	height     int

	unsubscribeTarget string

	statusMsg string
}

// New creates a new TUI app model.
func New(socketPath string) App {
	si := textinput.New()
	si.Placeholder = "search..."
	si.CharLimit = 64

	return App{
		socketPath: socketPath,
		events:     make(chan tea.Msg, 64),
		matches:    make(map[string][]core.Match),
		search:     si,
		activePane: PaneList,
		mode:       ModeNormal,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("rtlstream"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct{ client *uds.Client }

// disconnectedMsg is sent when the daemon closes the connection.
type disconnectedMsg struct{}

// subscriptionsMsg carries the daemon's subscription snapshot.
type subscriptionsMsg struct{ subs []core.SubscriptionInfo }

// sessionMsg carries the decoder session status.
type sessionMsg struct{ info core.SessionInfo }

// recentMsg carries the history of one subscription.
type recentMsg struct {
	id      string
	matches []core.Match
}

// matchedMsg is a records.matched event.
type matchedMsg uds.MatchedEvent

// eofMsg is a session.eof event.
type eofMsg struct{}

// errorMsg carries an error to display.
type errorMsg struct{ err error }

// eventErrorMsg is an event that could not be decoded.
type eventErrorMsg struct{ err error }

// unsubscribedMsg reports a removed subscription.
type unsubscribedMsg struct{ id string }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		return connectedMsg{client}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func waitForDisconnect(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		<-client.Done()
		return disconnectedMsg{}
	}
}

func fetchSubscriptionsCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var subs []core.SubscriptionInfo
		if err := client.Call(ctx, uds.MethodListSubscriptions, nil, &subs); err != nil {
			return errorMsg{err}
		}
		return subscriptionsMsg{subs}
	}
}

func fetchSessionCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var info core.SessionInfo
		if err := client.Call(ctx, uds.MethodSessionStatus, nil, &info); err != nil {
			return errorMsg{err}
		}
		return sessionMsg{info}
	}
}

func fetchRecentCmd(client *uds.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		var resp uds.RecentResponse
		if err := client.Call(ctx, uds.MethodRecent, uds.RecentRequest{ID: id, Limit: recentLimit}, &resp); err != nil {
			return errorMsg{err}
		}
		return recentMsg{id: id, matches: resp.Matches}
	}
}

func unsubscribeCmd(client *uds.Client, id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := client.Call(ctx, uds.MethodUnsubscribe, uds.SubscriptionRequest{ID: id}, nil); err != nil {
			return errorMsg{err}
		}
		return unsubscribedMsg{id}
	}
}

// eventHandler converts daemon events into messages. It never blocks the
// client's read loop; a full channel drops the event and the next tick
// catches up.
func eventHandler(ch chan<- tea.Msg) uds.EventHandler {
	return func(m uds.Message) {
		var msg tea.Msg
		switch m.Method {
		case uds.EventRecordsMatched:
			var ev uds.MatchedEvent
			if err := m.UnmarshalData(&ev); err != nil {
				msg = eventErrorMsg{err}
			} else {
				msg = matchedMsg(ev)
			}
		case uds.EventSessionEOF:
			msg = eofMsg{}
		default:
			return
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.connected = true
		a.statusMsg = "connected"
		a.client.OnEvent(eventHandler(a.events))

		return a, tea.Batch(
			tickCmd(),
			fetchSubscriptionsCmd(a.client),
			fetchSessionCmd(a.client),
			waitForEvent(a.events),
			waitForDisconnect(a.client),
		)

	case disconnectedMsg:
		a.connected = false
		a.client = nil
		a.statusMsg = "daemon disconnected"
		return a, nil

	case tickMsg:
		if a.client != nil {
			return a, tea.Batch(tickCmd(), fetchSubscriptionsCmd(a.client), fetchSessionCmd(a.client))
		}
		return a, tickCmd()

	case subscriptionsMsg:
		a.subs = msg.subs
		if n := len(a.filteredSubs()); a.selectedIdx >= n {
			a.selectedIdx = max(0, n-1)
		}
		return a, a.loadSelected()

	case sessionMsg:
		a.session = msg.info
		if msg.info.EOF {
			a.eof = true
		}
		return a, nil

	case recentMsg:
		// Events may have arrived first; history only fills an empty list.
		if len(a.matches[msg.id]) == 0 {
			a.matches[msg.id] = msg.matches
		}
		return a, nil

	case matchedMsg:
		a.applyMatched(uds.MatchedEvent(msg))
		return a, waitForEvent(a.events)

	case eofMsg:
		a.eof = true
		a.statusMsg = "decoder reached end of stream"
		return a, waitForEvent(a.events)

	case unsubscribedMsg:
		a.statusMsg = "unsubscribed " + msg.id
		a.removeSub(msg.id)
		return a, nil

	case errorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case eventErrorMsg:
		a.statusMsg = "error: " + msg.err.Error()
		return a, waitForEvent(a.events)

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) applyMatched(ev uds.MatchedEvent) {
	id := ev.Subscription.ID
	found := false
	for i := range a.subs {
		if a.subs[i].ID == id {
			a.subs[i] = ev.Subscription
			found = true
			break
		}
	}
	if !found {
		a.subs = append(a.subs, ev.Subscription)
	}
	if a.paused {
		return
	}
	ms := append(a.matches[id], ev.Matches...)
	if len(ms) > maxMatches {
		ms = ms[len(ms)-maxMatches:]
	}
	a.matches[id] = ms
}

func (a *App) removeSub(id string) {
	for i := range a.subs {
		if a.subs[i].ID == id {
			a.subs = append(a.subs[:i:i], a.subs[i+1:]...)
			break
		}
	}
	delete(a.matches, id)
	if n := len(a.filteredSubs()); a.selectedIdx >= n {
		a.selectedIdx = max(0, n-1)
	}
}

// loadSelected fetches history for the selected subscription the first time
// it is shown.
func (a App) loadSelected() tea.Cmd {
	sub := a.selectedSub()
	if a.client == nil || sub == nil {
		return nil
	}
	if _, ok := a.matches[sub.ID]; ok {
		return nil
	}
	return fetchRecentCmd(a.client, sub.ID)
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			a.selectedIdx = 0
			return a, nil
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			a.selectedIdx = 0
			return a, a.loadSelected()
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			return a, cmd
		}
	}

	if a.mode == ModeConfirmUnsubscribe {
		switch msg.String() {
		case "y", "Y":
			id := a.unsubscribeTarget
			a.mode = ModeNormal
			a.unsubscribeTarget = ""
			if a.client == nil {
				a.statusMsg = "not connected"
				return a, nil
			}
			a.statusMsg = "unsubscribing " + id + "..."
			return a, unsubscribeCmd(a.client, id)
		default:
			a.mode = ModeNormal
			a.unsubscribeTarget = ""
			a.statusMsg = "unsubscribe cancelled"
			return a, nil
		}
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "j", "down":
		if a.activePane == PaneList {
			if n := len(a.filteredSubs()); a.selectedIdx < n-1 {
				a.selectedIdx++
			}
			return a, a.loadSelected()
		}
	case "k", "up":
		if a.activePane == PaneList && a.selectedIdx > 0 {
			a.selectedIdx--
			return a, a.loadSelected()
		}

	case "tab":
		a.activePane = (a.activePane + 1) % 3

	case "/":
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case "m":
		a.activePane = PaneMatches

	case " ":
		a.paused = !a.paused
		if a.paused {
			a.statusMsg = "paused"
		} else {
			a.statusMsg = "resumed"
		}

	case "c":
		if sub := a.selectedSub(); sub != nil {
			a.matches[sub.ID] = nil
		}

	case "u":
		if sub := a.selectedSub(); sub != nil {
			a.unsubscribeTarget = sub.ID
			a.mode = ModeConfirmUnsubscribe
			a.statusMsg = "Unsubscribe " + sub.ID + "? (y/n)"
		}
	}

	return a, nil
}

func (a App) filteredSubs() []core.SubscriptionInfo {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.subs
	}
	var filtered []core.SubscriptionInfo
	for _, sub := range a.subs {
		if strings.Contains(strings.ToLower(sub.ID), q) ||
			strings.Contains(strings.ToLower(sub.Model), q) ||
			strings.Contains(strings.ToLower(sub.Field), q) ||
			strings.Contains(sub.DeviceID, q) ||
			strconv.Itoa(sub.Protocol) == q {
			filtered = append(filtered, sub)
		}
	}
	return filtered
}

func (a App) selectedSub() *core.SubscriptionInfo {
	subs := a.filteredSubs()
	if a.selectedIdx < len(subs) {
		return &subs[a.selectedIdx]
	}
	return nil
}
