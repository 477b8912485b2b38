// Package session owns an rtl_433 child process and the routers that read
// its standard output and standard error.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/modoterra/rtlstream/pkg/core"
	"github.com/modoterra/rtlstream/pkg/router"
	"github.com/modoterra/rtlstream/pkg/subscription"
)

var (
	// ErrAlreadyOpen is returned by Open and Register once the decoder was started.
	ErrAlreadyOpen = errors.New("session already open")

	// ErrNotOpen is returned by Close and Stop before a successful Open.
	ErrNotOpen = errors.New("session not open")

	// ErrClosed is returned when the session was already closed.
	ErrClosed = errors.New("session closed")

	// ErrLaunch wraps failures to start the decoder.
	ErrLaunch = errors.New("launch decoder")

	// ErrDuplicate is returned when a subscription id is registered twice.
	ErrDuplicate = errors.New("duplicate subscription id")

	// ErrUnknownSubscription is returned for ids that are not registered.
	ErrUnknownSubscription = errors.New("unknown subscription")
)

type state int

const (
	stateIdle state = iota
	stateOpen
	stateClosed
)

// Session runs one rtl_433 process. Subscriptions are registered before
// Open; the session cannot be reopened after Close.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     state
	subs      []*subscription.Subscription
	diag      *subscription.Subscription
	cmd       *exec.Cmd
	command   []string
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	outRouter *router.Router
	errRouter *router.Router
	pid       int
	startedAt time.Time
	exitErr   error

	eof      chan struct{}
	drained  chan struct{}
	stopping atomic.Bool
}

// New creates an idle session.
func New(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		eof:     make(chan struct{}),
		drained: make(chan struct{}),
	}
	s.diag = subscription.New(subscription.Filter{},
		subscription.WithID("stderr"),
		subscription.WithCapacity(cfg.DiagnosticsCapacity),
		subscription.WithLogger(logger))
	return s
}

// Register adds a subscription on the decoder's standard output and adds
// protocol to the set of decoders rtl_433 is started with.
func (s *Session) Register(protocol int, model, deviceID, field string, opts ...subscription.Option) (*subscription.Subscription, error) {
	return s.RegisterFilter(subscription.Filter{
		Protocol: protocol,
		Model:    model,
		DeviceID: deviceID,
		Field:    field,
	}, opts...)
}

// RegisterFilter is Register with a prepared filter.
func (s *Session) RegisterFilter(f subscription.Filter, opts ...subscription.Option) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateIdle {
		return nil, ErrAlreadyOpen
	}
	if f.Protocol < 0 {
		return nil, fmt.Errorf("invalid protocol %d", f.Protocol)
	}

	base := []subscription.Option{
		subscription.WithLogger(s.logger),
		subscription.WithWarnThreshold(s.cfg.WarnThreshold),
	}
	sub := subscription.New(f, append(base, opts...)...)
	for _, existing := range s.subs {
		if existing.ID() == sub.ID() {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, sub.ID())
		}
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Unregister removes a subscription. After Open it only stops further
// dispatch; records already queued stay in the subscription.
func (s *Session) Unregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.subs, func(sub *subscription.Subscription) bool { return sub.ID() == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	s.subs = slices.Delete(s.subs, i, i+1)
	if s.outRouter != nil {
		s.outRouter.Unsubscribe(id)
	}
	return nil
}

// Subscription looks up a registered subscription by id.
func (s *Session) Subscription(id string) (*subscription.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID() == id {
			return sub, true
		}
	}
	return nil, false
}

// Subscriptions returns the registered subscriptions in dispatch order.
func (s *Session) Subscriptions() []*subscription.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.subs)
}

// Diagnostics returns the catch-all subscription fed from standard error.
func (s *Session) Diagnostics() *subscription.Subscription {
	return s.diag
}

// Protocols returns the distinct non-zero protocols of all subscriptions, sorted.
func (s *Session) Protocols() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolsLocked()
}

func (s *Session) protocolsLocked() []int {
	var out []int
	for _, sub := range s.subs {
		p := sub.Filter().Protocol
		if p != 0 && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Command returns the argv the decoder is (or would be) started with.
func (s *Session) Command() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.command != nil {
		return slices.Clone(s.command)
	}
	return s.buildCommandLocked()
}

func (s *Session) buildCommandLocked() []string {
	args := []string{s.cfg.Path}
	if s.cfg.Debug {
		args = append(args, "-G", "-F", "json")
	} else {
		args = append(args, "-F", "json")
		for _, p := range s.protocolsLocked() {
			args = append(args, "-R", strconv.Itoa(p))
		}
	}
	return append(args, s.cfg.ExtraArgs...)
}

// Open starts the decoder and one router per output stream.
func (s *Session) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateOpen:
		return ErrAlreadyOpen
	case stateClosed:
		return ErrClosed
	}

	argv := s.buildCommandLocked()
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	cmd := exec.Command(path, argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %w", ErrLaunch, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return fmt.Errorf("%w: stderr pipe: %w", ErrLaunch, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %q: %w", ErrLaunch, argv[0], err)
	}

	s.cmd = cmd
	s.command = argv
	s.stdout = stdout
	s.stderr = stderr
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.state = stateOpen

	outOpts := []router.Option{
		router.WithLogger(s.logger),
		router.WithMetrics(s.cfg.Metrics),
		router.WithMaxLineSize(s.cfg.MaxLineSize),
	}
	if s.cfg.Tee != nil {
		outOpts = append(outOpts, router.WithRawHandler(s.cfg.Tee))
	}
	s.outRouter = router.New(core.StreamStdout, stdout, s.subs, outOpts...)
	s.errRouter = router.New(core.StreamStderr, stderr, []*subscription.Subscription{s.diag},
		router.WithLogger(s.logger),
		router.WithMetrics(s.cfg.Metrics),
		router.WithMaxLineSize(s.cfg.MaxLineSize),
		router.WithRawHandler(func(line []byte) {
			s.logger.Debug("decoder stderr", "pid", s.pid, "line", string(line))
		}))

	s.logger.Info("decoder started", "pid", s.pid, "command", argv)

	s.outRouter.Start()
	s.errRouter.Start()
	go s.watchEOF(s.outRouter, s.errRouter)

	return nil
}

func (s *Session) watchEOF(out, errs *router.Router) {
	select {
	case <-out.Done():
	case <-errs.Done():
	}
	s.logger.Info("decoder output ended", "pid", s.pid)
	close(s.eof)

	<-out.Done()
	<-errs.Done()
	close(s.drained)
}

// AtEOF reports whether either output stream has ended, which means the
// decoder has stopped producing and the session should be closed.
func (s *Session) AtEOF() bool {
	select {
	case <-s.eof:
		return true
	default:
		return false
	}
}

// Done is closed when either output stream ends.
func (s *Session) Done() <-chan struct{} {
	return s.eof
}

// Drained is closed once both output streams have ended and every record
// read has been dispatched.
func (s *Session) Drained() <-chan struct{} {
	return s.drained
}

// Stop asks the decoder to exit and then closes the session.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch st {
	case stateIdle:
		return ErrNotOpen
	case stateClosed:
		return ErrClosed
	}
	s.signal(syscall.SIGTERM)
	return s.Close(ctx)
}

// Close waits for both routers to reach end of stream, reaps the decoder and
// releases its pipes. If the decoder keeps its output open past StopTimeout,
// or ctx is done first, it is sent SIGTERM and then SIGKILL, and the pipes
// are closed so the readers return.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateIdle:
		s.mu.Unlock()
		return ErrNotOpen
	case stateClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	s.state = stateClosed
	cmd := s.cmd
	s.mu.Unlock()

	if !s.waitReaders(ctx, s.cfg.StopTimeout) {
		s.logger.Warn("decoder did not close its output, terminating", "pid", s.pid)
		s.signal(syscall.SIGTERM)
		if !s.waitReaders(context.Background(), s.cfg.KillTimeout) {
			s.signal(syscall.SIGKILL)
			s.stdout.Close()
			s.stderr.Close()
			<-s.outRouter.Done()
			<-s.errRouter.Done()
		}
	}

	<-s.drained

	err := cmd.Wait()
	s.stdout.Close()
	s.stderr.Close()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	s.logger.Info("decoder exited", "pid", s.pid, "exit_code", exitCode)

	if err != nil && !s.stopping.Load() {
		err = fmt.Errorf("decoder exited: %w", err)
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		return err
	}
	return nil
}

// waitReaders waits for both routers. timeout <= 0 waits on ctx alone.
func (s *Session) waitReaders(ctx context.Context, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for _, rt := range []*router.Router{s.outRouter, s.errRouter} {
		select {
		case <-rt.Done():
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// signal sends sig to the decoder's process group.
func (s *Session) signal(sig syscall.Signal) {
	s.stopping.Store(true)
	if s.pid > 0 {
		syscall.Kill(-s.pid, sig)
	}
}

// PID returns the decoder process id, zero before Open.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Status summarises the session lifecycle.
func (s *Session) Status() core.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() core.Status {
	switch {
	case s.state == stateIdle:
		return core.StatusIdle
	case s.exitErr != nil:
		return core.StatusFailed
	case s.state == stateOpen && !s.AtEOF():
		return core.StatusRunning
	default:
		return core.StatusStopped
	}
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() core.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := core.SessionInfo{
		PID:       s.pid,
		Status:    s.statusLocked(),
		Command:   s.command,
		StartedAt: s.startedAt,
		EOF:       s.AtEOF(),
	}
	if info.Command == nil {
		info.Command = s.buildCommandLocked()
	}
	for _, rt := range []*router.Router{s.outRouter, s.errRouter} {
		if rt != nil {
			info.Streams = append(info.Streams, rt.Stats())
		}
	}
	return info
}
