// Package router reads newline-delimited rtl_433 output and fans each decoded
// record out to the subscriptions whose filters match it.
package router

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/subscription"
)

// DefaultMaxLineSize bounds a single input line. Longer lines are counted
// as parse failures and skipped.
const DefaultMaxLineSize = 1024 * 1024

const readBufferSize = 64 * 1024

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Router) {
		if l != nil {
			rt.logger = l
		}
	}
}

// WithMetrics reports router counters to m.
func WithMetrics(m *Metrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

// WithMaxLineSize overrides DefaultMaxLineSize.
func WithMaxLineSize(n int) Option {
	return func(rt *Router) {
		if n > 0 {
			rt.maxLine = n
		}
	}
}

// WithRawHandler calls fn with every non-empty line before it is parsed.
// The slice is only valid for the duration of the call.
func WithRawHandler(fn func(line []byte)) Option {
	return func(rt *Router) { rt.onLine = fn }
}

// Router owns one input stream. Subscriptions are fixed at construction,
// apart from Unsubscribe.
type Router struct {
	stream  core.Stream
	r       io.Reader
	logger  *slog.Logger
	metrics *Metrics
	maxLine int
	onLine  func([]byte)

	mu   sync.RWMutex
	subs []*subscription.Subscription

	lines         atomic.Uint64
	records       atomic.Uint64
	parseFailures atomic.Uint64
	dispatched    atomic.Uint64

	started  atomic.Bool
	done     chan struct{}
	finished atomic.Bool
	err      error // written before done is closed
}

// New creates a router reading r and dispatching to subs in order.
func New(stream core.Stream, r io.Reader, subs []*subscription.Subscription, opts ...Option) *Router {
	rt := &Router{
		stream:  stream,
		r:       r,
		logger:  slog.Default(),
		maxLine: DefaultMaxLineSize,
		subs:    slices.Clone(subs),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}
	rt.logger = rt.logger.With("stream", string(stream))
	return rt
}

// Start runs the reader on its own goroutine.
func (rt *Router) Start() {
	go rt.Run()
}

// Run reads lines until end of stream or a read error. Malformed lines are
// discarded. Run may only be called once.
func (rt *Router) Run() {
	if !rt.started.CompareAndSwap(false, true) {
		return
	}
	rt.metrics.readerStarted()
	defer rt.finish()

	br := bufio.NewReaderSize(rt.r, readBufferSize)
	var line []byte
	oversized := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			line = append(line, chunk...)
			if n := len(bytes.TrimSuffix(line, []byte("\n"))); n > rt.maxLine {
				oversized = true
				line = line[:0]
				rt.skipLine(n)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if !oversized && len(line) > 0 {
			rt.handleLine(bytes.TrimSuffix(line, []byte("\n")))
		}
		oversized = false
		line = line[:0]
		if err != nil {
			if err != io.EOF {
				rt.err = err
			}
			return
		}
	}
}

// skipLine accounts for a line longer than the max line size. The rest of
// the line is discarded by Run.
func (rt *Router) skipLine(n int) {
	rt.lines.Add(1)
	rt.parseFailures.Add(1)
	rt.metrics.recordLine(string(rt.stream))
	rt.metrics.recordParseFailure(string(rt.stream))
	rt.logger.Warn("discarding oversized line", "max", rt.maxLine, "read", n)
}

func (rt *Router) finish() {
	rt.metrics.readerStopped()
	rt.finished.Store(true)
	close(rt.done)
	if rt.err != nil {
		rt.logger.Debug("stream reader stopped", "err", rt.err, "lines", rt.lines.Load())
	} else {
		rt.logger.Debug("stream reached end", "lines", rt.lines.Load())
	}
}

func (rt *Router) handleLine(line []byte) {
	// A panic while dispatching one line must not kill the reader.
	defer func() {
		if r := recover(); r != nil {
			rt.logger.Error("panic while dispatching line", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	line = bytes.TrimRight(line, "\r")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	rt.lines.Add(1)
	rt.metrics.recordLine(string(rt.stream))

	if rt.onLine != nil {
		rt.onLine(line)
	}

	rec, err := ParseLine(line)
	if err != nil {
		rt.parseFailures.Add(1)
		rt.metrics.recordParseFailure(string(rt.stream))
		rt.logger.Debug("discarding line", "err", err)
		return
	}
	rt.records.Add(1)
	rt.metrics.recordRecord(string(rt.stream))

	rt.Dispatch(rec)
}

// Dispatch enqueues rec into every matching subscription, in registration
// order, and returns the number of matches.
func (rt *Router) Dispatch(rec *core.Record) int {
	rt.mu.RLock()
	subs := rt.subs
	rt.mu.RUnlock()

	n := 0
	for _, s := range subs {
		if !s.Matches(rec) {
			continue
		}
		s.Enqueue(rec)
		rt.metrics.recordDispatch(s.ID())
		n++
	}
	rt.dispatched.Add(uint64(n))
	return n
}

// Unsubscribe stops dispatching to the subscription with the given id.
func (rt *Router) Unsubscribe(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	i := slices.IndexFunc(rt.subs, func(s *subscription.Subscription) bool { return s.ID() == id })
	if i < 0 {
		return false
	}
	// copy so a concurrent Dispatch keeps iterating its own snapshot
	rt.subs = slices.Delete(slices.Clone(rt.subs), i, i+1)
	return true
}

// Subscriptions returns the subscriptions in dispatch order.
func (rt *Router) Subscriptions() []*subscription.Subscription {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return slices.Clone(rt.subs)
}

// Stream returns the stream name.
func (rt *Router) Stream() core.Stream { return rt.stream }

// AtEOF reports whether the reader has finished.
func (rt *Router) AtEOF() bool { return rt.finished.Load() }

// Done is closed when the reader finishes.
func (rt *Router) Done() <-chan struct{} { return rt.done }

// Err returns the error that stopped the reader, nil on a clean end of
// stream or while it is still running.
func (rt *Router) Err() error {
	select {
	case <-rt.done:
		return rt.err
	default:
		return nil
	}
}

// Stats returns a snapshot of the router counters.
func (rt *Router) Stats() core.StreamStats {
	return core.StreamStats{
		Stream:        rt.stream,
		Lines:         rt.lines.Load(),
		Records:       rt.records.Load(),
		ParseFailures: rt.parseFailures.Load(),
		Dispatched:    rt.dispatched.Load(),
		EOF:           rt.AtEOF(),
	}
}
