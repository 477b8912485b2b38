package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/providers/procfs"
	"github.com/modoterra/rtlstream/pkg/session"
	"github.com/modoterra/rtlstream/pkg/subscription"
	"github.com/modoterra/rtlstream/pkg/transport/uds"
)

// DefaultHistory is the number of matches kept per subscription.
const DefaultHistory = 200

// Daemon is the rtlstreamd process state: the decoder session, the latest
// values drained from each subscription and the socket server.
type Daemon struct {
	server  *uds.Server
	session *session.Session
	version string
	history int

	mu     sync.RWMutex
	states map[string]*subState
	eof    bool

	logger *slog.Logger
}

type subState struct {
	info   core.SubscriptionInfo
	recent []core.Match
}

// New creates a new daemon instance.
func New(socketPath string, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	srv := uds.NewServer(socketPath, logger)
	d := &Daemon{
		server:  srv,
		history: DefaultHistory,
		states:  make(map[string]*subState),
		logger:  logger,
	}
	d.registerHandlers()
	return d
}

// SetSession attaches the decoder session whose subscriptions are served.
func (d *Daemon) SetSession(s *session.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = s
	for _, sub := range s.Subscriptions() {
		d.states[sub.ID()] = &subState{info: describe(sub)}
	}
}

// Session returns the attached session (may be nil).
func (d *Daemon) Session() *session.Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

// SetHistory sets how many matches are kept per subscription.
func (d *Daemon) SetHistory(n int) {
	if n > 0 {
		d.history = n
	}
}

// SetVersion sets the version reported by Ping.
func (d *Daemon) SetVersion(v string) {
	d.version = v
}

// Run starts the daemon and blocks until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	return d.server.Start(ctx)
}

// Shutdown cleans up resources.
func (d *Daemon) Shutdown() {
	d.server.Shutdown()
}

// Server returns the underlying UDS server (for broadcasting events).
func (d *Daemon) Server() *uds.Server {
	return d.server
}

// Subscriptions returns a snapshot of every subscription, sorted by id.
func (d *Daemon) Subscriptions() []core.SubscriptionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]core.SubscriptionInfo, 0, len(d.states))
	for _, st := range d.states {
		out = append(out, st.info)
	}
	slices.SortFunc(out, func(a, b core.SubscriptionInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Recent returns up to limit of the newest matches for id, oldest first.
func (d *Daemon) Recent(id string, limit int) ([]core.Match, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, ok := d.states[id]
	if !ok {
		return nil, false
	}
	recent := st.recent
	if limit > 0 && len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	return slices.Clone(recent), true
}

// record folds a drained batch into the snapshot for sub and returns the
// updated info.
func (d *Daemon) record(sub *subscription.Subscription, batch []core.Match) core.SubscriptionInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[sub.ID()]
	if !ok {
		st = &subState{info: describe(sub)}
		d.states[sub.ID()] = st
	}

	stats := sub.Stats()
	st.info.Queued = sub.Len()
	st.info.Dropped = stats.Dropped
	st.info.Matched += uint64(len(batch))
	if n := len(batch); n > 0 {
		last := batch[n-1]
		st.info.LastTime = last.Time
		st.info.LastValue = last.Value
	}

	st.recent = append(st.recent, batch...)
	if over := len(st.recent) - d.history; over > 0 {
		st.recent = slices.Delete(st.recent, 0, over)
	}
	return st.info
}

// markEOF reports whether this call was the first to see end of stream.
func (d *Daemon) markEOF() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.eof {
		return false
	}
	d.eof = true
	return true
}

func (d *Daemon) forget(id string) {
	d.mu.Lock()
	delete(d.states, id)
	d.mu.Unlock()
}

func describe(sub *subscription.Subscription) core.SubscriptionInfo {
	f := sub.Filter()
	return core.SubscriptionInfo{
		ID:       sub.ID(),
		Protocol: f.Protocol,
		Model:    f.Model,
		DeviceID: f.DeviceID,
		Field:    f.Field,
		Capacity: sub.Capacity(),
		Overflow: sub.Policy().String(),
		Queued:   sub.Len(),
		Dropped:  sub.Stats().Dropped,
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.MethodPing, d.handlePing)
	d.server.Handle(uds.MethodListSubscriptions, d.handleListSubscriptions)
	d.server.Handle(uds.MethodGetSubscription, d.handleGetSubscription)
	d.server.Handle(uds.MethodUnsubscribe, d.handleUnsubscribe)
	d.server.Handle(uds.MethodSessionStatus, d.handleSessionStatus)
	d.server.Handle(uds.MethodRecent, d.handleRecent)
}

func (d *Daemon) handlePing(_ context.Context, _ uds.Message) (any, error) {
	return uds.PingResponse{Pong: true, Version: d.version}, nil
}

func (d *Daemon) handleListSubscriptions(_ context.Context, _ uds.Message) (any, error) {
	return d.Subscriptions(), nil
}

func (d *Daemon) handleGetSubscription(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SubscriptionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	d.mu.RLock()
	st, ok := d.states[req.ID]
	var info core.SubscriptionInfo
	if ok {
		info = st.info
	}
	d.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("subscription not found: %s", req.ID)
	}
	return info, nil
}

func (d *Daemon) handleUnsubscribe(_ context.Context, msg uds.Message) (any, error) {
	var req uds.SubscriptionRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	s := d.Session()
	if s == nil {
		return nil, fmt.Errorf("no session")
	}
	if err := s.Unregister(req.ID); err != nil {
		return nil, err
	}
	d.forget(req.ID)

	d.logger.Info("subscription removed", "subscription", req.ID)
	return map[string]bool{"ok": true}, nil
}

func (d *Daemon) handleSessionStatus(_ context.Context, _ uds.Message) (any, error) {
	s := d.Session()
	if s == nil {
		return core.SessionInfo{Status: core.StatusUnknown}, nil
	}
	info := s.Info()
	if info.Status == core.StatusRunning {
		if st, err := procfs.Sample(info.PID); err == nil {
			info.Process = &st
		} else {
			d.logger.Debug("process sample failed", "pid", info.PID, "err", err)
		}
	}
	return info, nil
}

func (d *Daemon) handleRecent(_ context.Context, msg uds.Message) (any, error) {
	var req uds.RecentRequest
	if err := msg.UnmarshalData(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	matches, ok := d.Recent(req.ID, req.Limit)
	if !ok {
		return nil, fmt.Errorf("subscription not found: %s", req.ID)
	}
	if matches == nil {
		matches = []core.Match{}
	}
	return uds.RecentResponse{ID: req.ID, Matches: matches}, nil
}
