package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/subscription"
	"github.com/modoterra/rtlstream/pkg/transport/uds"
)

// eofGrace bounds the wait for the second output stream once the first ended.
const eofGrace = 2 * time.Second

// DefaultPollInterval is used when NewPollLoop is given a non-positive interval.
const DefaultPollInterval = 30 * time.Second

// PollLoop drains every subscription each interval, updates the daemon
// snapshots and broadcasts what matched.
type PollLoop struct {
	daemon   *Daemon
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewPollLoop creates a poll loop for the given daemon.
func NewPollLoop(d *Daemon, interval time.Duration, logger *slog.Logger) *PollLoop {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollLoop{daemon: d, interval: interval, logger: logger, now: time.Now}
}

// Run polls until ctx is cancelled or the session reaches end of stream. In
// the latter case a final drain is done and session.eof is broadcast before
// Run returns.
func (pl *PollLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(pl.interval)
	defer ticker.Stop()

	var eof, drained <-chan struct{}
	if s := pl.daemon.Session(); s != nil {
		eof = s.Done()
		drained = s.Drained()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pl.tick()
		case <-eof:
			select {
			case <-drained:
			case <-time.After(eofGrace):
			case <-ctx.Done():
			}
			pl.tick()
			return
		}
	}
}

func (pl *PollLoop) tick() {
	s := pl.daemon.Session()
	if s == nil {
		return
	}

	for _, sub := range s.Subscriptions() {
		batch := pl.drain(sub)
		info := pl.daemon.record(sub, batch)
		if len(batch) == 0 {
			continue
		}
		pl.logger.Debug("records matched", "subscription", sub.ID(), "count", len(batch))
		pl.broadcast(uds.EventRecordsMatched, uds.MatchedEvent{Subscription: info, Matches: batch})
	}

	if s.AtEOF() && pl.daemon.markEOF() {
		pl.logger.Info("decoder output ended", "pid", s.PID())
		pl.broadcast(uds.EventSessionEOF, s.Info())
	}
}

func (pl *PollLoop) drain(sub *subscription.Subscription) []core.Match {
	ts := pl.now().UnixMilli()
	field := sub.Filter().Field

	var batch []core.Match
	for rec := range sub.Drain() {
		batch = append(batch, core.NewMatch(sub.ID(), field, ts, rec))
	}
	return batch
}

func (pl *PollLoop) broadcast(method string, data any) {
	evt, err := uds.NewEvent(method, data)
	if err != nil {
		pl.logger.Error("encode event", "event", method, "err", err)
		return
	}
	pl.daemon.Server().Broadcast(evt)
}
