// Package subscription holds the per-consumer filters and record queues that
// routers fan decoded rtl_433 events into.
package subscription

import (
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/modoterra/rtlstream/pkg/core"
)

// DefaultWarnThreshold is the backlog at which an unbounded queue starts warning.
const DefaultWarnThreshold = 1024

// Option configures a Subscription.
type Option func(*options)

type options struct {
	id            string
	capacity      int
	policy        OverflowPolicy
	warnThreshold int
	logger        *slog.Logger
	onDrop        func(*core.Record)
}

// WithID sets the subscription id. Without it a random UUID is used.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithCapacity bounds the queue. Zero keeps it unbounded.
func WithCapacity(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.capacity = n
		}
	}
}

// WithOverflowPolicy selects what a bounded queue drops when full.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithWarnThreshold sets the backlog that triggers a warning on unbounded queues.
func WithWarnThreshold(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.warnThreshold = n
		}
	}
}

// WithLogger sets the logger used for backlog and drop warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDropCallback is invoked, outside the queue lock, for every dropped record.
func WithDropCallback(fn func(*core.Record)) Option {
	return func(o *options) { o.onDrop = fn }
}

// Subscription is a filter plus the FIFO of records that matched it.
// Enqueue is called by a single router goroutine; the dequeue side may be
// used from any goroutine.
type Subscription struct {
	id     string
	filter Filter
	q      *queue[*core.Record]
	opts   options
	warned atomic.Bool
}

// New creates a subscription for f.
func New(f Filter, opts ...Option) *Subscription {
	o := options{
		warnThreshold: DefaultWarnThreshold,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	return &Subscription{
		id:     o.id,
		filter: f,
		q:      newQueue[*core.Record](o.capacity, o.policy),
		opts:   o,
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Filter returns the match criteria.
func (s *Subscription) Filter() Filter { return s.filter }

// Capacity returns the queue bound, zero when unbounded.
func (s *Subscription) Capacity() int { return s.opts.capacity }

// Policy returns the overflow policy of a bounded queue.
func (s *Subscription) Policy() OverflowPolicy { return s.opts.policy }

// Matches reports whether rec passes the filter.
func (s *Subscription) Matches(rec *core.Record) bool {
	return s.filter.Matches(rec)
}

// Enqueue appends rec to the tail. It never blocks.
func (s *Subscription) Enqueue(rec *core.Record) {
	dropped, didDrop, size := s.q.push(rec)
	if didDrop {
		if s.opts.onDrop != nil {
			s.opts.onDrop(dropped)
		}
		s.opts.logger.Debug("subscription queue full, record dropped",
			"subscription", s.id, "policy", s.opts.policy.String(), "capacity", s.opts.capacity)
		return
	}
	if s.opts.capacity != 0 {
		return
	}
	switch {
	case size >= s.opts.warnThreshold:
		if s.warned.CompareAndSwap(false, true) {
			s.opts.logger.Warn("subscription backlog growing, consumer is not draining",
				"subscription", s.id, "queued", size)
		}
	case size < s.opts.warnThreshold/2:
		s.warned.Store(false)
	}
}

// TryDequeue pops the head record. It returns false when the queue is empty.
func (s *Subscription) TryDequeue() (*core.Record, bool) {
	return s.q.pop()
}

// Drain yields the records queued when iteration starts. Records that arrive
// during iteration stay queued for the next call. Stopping early leaves the
// rest queued.
func (s *Subscription) Drain() iter.Seq[*core.Record] {
	return func(yield func(*core.Record) bool) {
		n := s.q.len()
		for range n {
			rec, ok := s.TryDequeue()
			if !ok || !yield(rec) {
				return
			}
		}
	}
}

// DrainAll collects Drain into a slice.
func (s *Subscription) DrainAll() []*core.Record {
	var out []*core.Record
	for rec := range s.Drain() {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of queued records.
func (s *Subscription) Len() int { return s.q.len() }

// Stats returns queue counters.
func (s *Subscription) Stats() Stats { return s.q.snapshot() }

// Cursor returns a new consumer cursor over this subscription.
func (s *Subscription) Cursor() *Cursor {
	return &Cursor{sub: s}
}

func (s *Subscription) String() string {
	return s.filter.String()
}
