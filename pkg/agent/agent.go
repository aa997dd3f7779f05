// Package agent implements the relay's unit of execution: a loop goroutine
// that steps a Runner cooperatively and, between steps, drains a bounded
// FIFO of calls that other goroutines queued for it.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	pkgLogger "github.com/fpt/klein-relay/pkg/logger"
)

const (
	// QueueSize bounds the deferred-call queue. A full queue blocks producers.
	QueueSize = 1000
	// DefaultTick is the longest a loop waits between steps.
	DefaultTick = 100 * time.Millisecond
)

// ErrAlreadyRunning is returned when starting an agent that has a live loop.
var ErrAlreadyRunning = errors.New("agent already running")

// ErrStopped is returned by Queue once the agent was stopped or its loop
// exited. Starting the agent again clears it.
var ErrStopped = errors.New("agent stopped")

// Runner is the body of an agent loop. Run must call Agent.Yield regularly
// and return once Yield reports false; a Run that returns ends the loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Starter is implemented by runners that need setup after the agent is
// marked running and before Run.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Stopper is implemented by runners that need teardown after Run returns,
// including after a crash.
type Stopper interface {
	OnStop(ctx context.Context)
}

// Call is a deferred operation executed on the agent's loop goroutine.
type Call func(ctx context.Context) error

// Option configures an Agent.
type Option func(*Agent)

// WithTick sets the maximum wait between loop steps.
func WithTick(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.tick = d
		}
	}
}

// WithDaemon marks the agent as one that shutdown does not wait for.
func WithDaemon(daemon bool) Option {
	return func(a *Agent) { a.daemon = daemon }
}

// WithLogger sets the parent logger; the agent logs under its own name.
func WithLogger(l *pkgLogger.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l.WithComponent(a.name)
		}
	}
}

// Agent runs a Runner on a loop goroutine with a cross-goroutine call queue.
type Agent struct {
	name   string
	runner Runner
	logger *pkgLogger.Logger
	tick   time.Duration
	daemon bool

	queue chan Call
	wake  chan struct{}

	mu      sync.Mutex
	running bool
	crash   *Crash
	handle  *Handle
	cancel  context.CancelFunc
	halted  chan struct{} // closed by Stop and on loop exit
	isHalt  bool

	// loop goroutine only
	draining bool
	failure  error
}

// New creates an agent. A nil runner idles until stopped.
func New(name string, r Runner, opts ...Option) *Agent {
	a := &Agent{
		name:   name,
		runner: r,
		tick:   DefaultTick,
		queue:  make(chan Call, QueueSize),
		wake:   make(chan struct{}, 1),
		halted: make(chan struct{}),
	}
	a.logger = pkgLogger.NewComponentLogger(name)
	for _, opt := range opts {
		opt(a)
	}
	if a.runner == nil {
		a.runner = idle{a}
	}
	return a
}

type idle struct{ a *Agent }

func (i idle) Run(ctx context.Context) error {
	for i.a.Yield(ctx) {
	}
	return nil
}

func (a *Agent) Name() string { return a.name }
func (a *Agent) Daemon() bool { return a.daemon }
func (a *Agent) Tick() time.Duration { return a.tick }
func (a *Agent) Logger() *pkgLogger.Logger { return a.logger }
func (a *Agent) Log(level slog.Level, msg string, args ...any) {
	a.logger.Log(context.Background(), level, msg, args...)
}

// Running reports whether the loop is live and has not been asked to stop.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Err returns the crash that ended the last loop, or nil.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.crash == nil {
		return nil
	}
	return a.crash
}

// LastCrash is Err with the concrete type.
func (a *Agent) LastCrash() *Crash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.crash
}

// Handle returns the dedicated goroutine running the loop, or nil when the
// agent is stopped or driven directly through Start.
func (a *Agent) Handle() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// Start runs the loop on the calling goroutine until Run returns, the
// agent is stopped, or ctx ends. A crash is returned to the caller.
func (a *Agent) Start(ctx context.Context) error {
	return a.start(ctx, nil)
}

// StartThreaded runs the loop on a new goroutine and returns once the agent
// is running. A crash on that goroutine is recorded and readable via Err.
func (a *Agent) StartThreaded() error {
	a.mu.Lock()
	if a.running || a.handle != nil {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	h := newHandle()
	a.handle = h
	a.mu.Unlock()

	go func() { _ = a.start(context.Background(), h) }()

	select {
	case <-h.ready:
	case <-h.done:
	}
	return nil
}

// Stop asks the loop to exit at its next yield point and cancels the loop
// context. Work in progress is not interrupted.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.running = false
	a.halt()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.signal()
}

func (a *Agent) start(parent context.Context, h *Handle) error {
	a.mu.Lock()
	if a.running || (h == nil && a.handle != nil) {
		if h != nil && a.handle == h {
			a.handle = nil
		}
		a.mu.Unlock()
		if h != nil {
			close(h.done)
		}
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(parent)
	a.running = true
	if a.isHalt {
		a.halted = make(chan struct{})
		a.isHalt = false
	}
	a.crash = nil
	a.cancel = cancel
	a.failure = nil
	a.mu.Unlock()
	if h != nil {
		close(h.ready)
	}

	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.cancel = nil
		a.halt()
		if a.handle == h {
			a.handle = nil
		}
		a.mu.Unlock()
		if h != nil {
			close(h.done)
		}
	}()

	a.logger.Debug("agent started", "threaded", h != nil)
	err := a.loop(withOwner(loopCtx, a))
	if err == nil {
		a.logger.Debug("agent stopped")
		return nil
	}

	crash := asCrash(err)
	a.mu.Lock()
	a.crash = crash
	a.mu.Unlock()
	a.logger.Error("agent crashed", "error", crash.Err, "stack", crash.Stack)

	if h != nil {
		return nil
	}
	return crash
}

func (a *Agent) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicCrash(r)
		}
	}()

	if s, ok := a.runner.(Starter); ok {
		if err := s.OnStart(ctx); err != nil {
			return err
		}
	}
	if s, ok := a.runner.(Stopper); ok {
		defer s.OnStop(context.WithoutCancel(ctx))
	}

	if err := a.runner.Run(ctx); err != nil {
		return err
	}
	return a.failure
}

// Yield is the loop's suspension point. It waits up to one tick, or less
// when a call is queued, then runs every queued call in order. It reports
// whether Run should keep going.
//
// Yield only drains when ctx was issued by this agent's loop. Anywhere
// else, including inside a queued call, it just waits out the tick.
func (a *Agent) Yield(ctx context.Context) bool {
	if !a.OnLoop(ctx) {
		pause(ctx, a.tick)
		return a.Running()
	}
	if a.failure != nil {
		return false
	}
	if a.draining {
		pause(ctx, a.tick)
		return a.Running()
	}
	if !a.Running() || ctx.Err() != nil {
		return false
	}

	timer := time.NewTimer(a.tick)
	select {
	case <-timer.C:
	case <-a.wake:
		timer.Stop()
	case <-ctx.Done():
		timer.Stop()
		return false
	}

	if err := a.drain(ctx); err != nil {
		a.failure = err
		return false
	}
	return a.Running()
}

// Sleep yields repeatedly until d has passed. It reports false as soon as
// a yield does.
func (a *Agent) Sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !a.Yield(ctx) {
			return false
		}
	}
	return a.Running()
}

func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (a *Agent) drain(ctx context.Context) error {
	a.draining = true
	defer func() { a.draining = false }()

	for {
		select {
		case fn := <-a.queue:
			if err := invoke(ctx, fn); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func invoke(ctx context.Context, fn Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicCrash(r)
		}
	}()
	return fn(ctx)
}

// Queue runs fn on the agent's loop. From the loop itself fn runs inline
// and its error is returned. From any other goroutine fn is appended to
// the queue, which also works before the first start. Queue blocks while
// the queue is full and fails with ErrStopped once the agent is stopped,
// or with ctx's error. An error from a queued fn crashes the agent.
func (a *Agent) Queue(ctx context.Context, fn Call) error {
	if a.OnLoop(ctx) {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	halted, isHalt := a.halted, a.isHalt
	a.mu.Unlock()
	if isHalt {
		return ErrStopped
	}

	select {
	case a.queue <- fn:
	case <-halted:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	a.signal()
	return nil
}

// Queued wraps a one-argument operation so every call goes through the
// agent's queue.
func Queued[T any](a *Agent, fn func(ctx context.Context, arg T) error) func(ctx context.Context, arg T) error {
	return func(ctx context.Context, arg T) error {
		return a.Queue(ctx, func(ctx context.Context) error {
			return fn(ctx, arg)
		})
	}
}

// Flush waits until every call queued before it has run. On the loop
// itself it returns immediately.
func (a *Agent) Flush(ctx context.Context) error {
	if a.OnLoop(ctx) {
		return nil
	}
	done := make(chan struct{})
	if err := a.Queue(ctx, func(context.Context) error {
		close(done)
		return nil
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued calls.
func (a *Agent) Pending() int {
	return len(a.queue)
}

// halt marks the agent stopped; a.mu must be held.
func (a *Agent) halt() {
	if !a.isHalt {
		close(a.halted)
		a.isHalt = true
	}
}

func (a *Agent) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Handle identifies the dedicated goroutine of a threaded agent.
type Handle struct {
	id      string
	started time.Time
	ready   chan struct{}
	done    chan struct{}
}

func newHandle() *Handle {
	return &Handle{
		id:      uuid.NewString(),
		started: time.Now(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (h *Handle) ID() string { return h.id }
func (h *Handle) Started() time.Time { return h.started }
func (h *Handle) Done() <-chan struct{} { return h.done }
