package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testTick = 5 * time.Millisecond

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	if h == nil {
		t.Fatal("Expected a handle, got nil")
	}
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for agent loop to exit")
	}
}

func TestStartThreadedLifecycle(t *testing.T) {
	a := New("lifecycle", nil, WithTick(testTick))

	if err := a.StartThreaded(); err != nil {
		t.Fatalf("StartThreaded failed: %v", err)
	}
	if !a.Running() {
		t.Fatal("Expected agent to be running once StartThreaded returns")
	}
	h := a.Handle()
	if h == nil || h.ID() == "" {
		t.Fatal("Expected a handle with an ID")
	}

	if err := a.StartThreaded(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Expected ErrAlreadyRunning on second start, got %v", err)
	}

	a.Stop()
	waitDone(t, h)

	if a.Running() {
		t.Error("Expected agent to be stopped")
	}
	if a.Handle() != nil {
		t.Error("Expected handle to be cleared after exit")
	}
	if a.Err() != nil {
		t.Errorf("Expected no crash, got %v", a.Err())
	}
}

type stepRunner struct {
	a       *Agent
	inStep  atomic.Bool
	overlap atomic.Bool
	steps   atomic.Int32
}

func (r *stepRunner) Run(ctx context.Context) error {
	for r.a.Yield(ctx) {
		r.inStep.Store(true)
		time.Sleep(200 * time.Microsecond)
		r.steps.Add(1)
		r.inStep.Store(false)
	}
	return nil
}

func TestQueuedCallsAreFIFOAndExclusive(t *testing.T) {
	r := &stepRunner{}
	a := New("fifo", r, WithTick(time.Millisecond))
	r.a = a

	if err := a.StartThreaded(); err != nil {
		t.Fatalf("StartThreaded failed: %v", err)
	}
	defer a.Stop()

	var got []int
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			err := a.Queue(ctx, func(context.Context) error {
				if r.inStep.Load() {
					r.overlap.Store(true)
				}
				got = append(got, i)
				return nil
			})
			if err != nil {
				t.Errorf("Queue failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Flush(flushCtx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(got) != 200 {
		t.Fatalf("Expected 200 calls, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Expected call %d at position %d, got %d", i, i, v)
		}
	}
	if r.overlap.Load() {
		t.Error("A queued call ran while a step was in progress")
	}
	if r.steps.Load() == 0 {
		t.Error("Expected the runner to make progress")
	}
}

func TestQueueRunsInlineOnLoop(t *testing.T) {
	a := New("inline", nil, WithTick(testTick))
	if err := a.StartThreaded(); err != nil {
		t.Fatalf("StartThreaded failed: %v", err)
	}
	defer a.Stop()

	var order []string
	err := a.Queue(context.Background(), func(ctx context.Context) error {
		order = append(order, "outer")
		if err := a.Queue(ctx, func(context.Context) error {
			order = append(order, "inner")
			return nil
		}); err != nil {
			return err
		}
		order = append(order, "after")
		return nil
	})
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if strings.Join(order, ",") != "outer,inner,after" {
		t.Errorf("Expected inline execution order, got %v", order)
	}
}

func TestQueueBackpressure(t *testing.T) {
	a := New("backpressure", nil, WithTick(testTick))
	ctx := context.Background()

	var ran atomic.Int32
	for i := 0; i < QueueSize; i++ {
		if err := a.Queue(ctx, func(context.Context) error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Queue %d failed: %v", i, err)
		}
	}
	if a.Pending() != QueueSize {
		t.Fatalf("Expected %d pending calls, got %d", QueueSize, a.Pending())
	}

	t.Run("cancelled producer gives up", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := a.Queue(short, func(context.Context) error { return nil })
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected deadline exceeded, got %v", err)
		}
	})

	accepted := make(chan struct{})
	go func() {
		_ = a.Queue(ctx, func(context.Context) error {
			ran.Add(1)
			return nil
		})
		close(accepted)
	}()

	select {
	case <-accepted:
		t.Fatal("Queue accepted a call beyond capacity while the consumer was paused")
	case <-time.After(50 * time.Millisecond):
	}

	if err := a.StartThreaded(); err != nil {
		t.Fatalf("StartThreaded failed: %v", err)
	}
	defer a.Stop()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("Blocked producer was never released")
	}

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.Flush(flushCtx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := ran.Load(); got != QueueSize+1 {
		t.Errorf("Expected %d calls to run, got %d", QueueSize+1, got)
	}
}

type failingRunner struct {
	a   *Agent
	err error
}

func (r *failingRunner) Run(ctx context.Context) error {
	if !r.a.Yield(ctx) {
		return nil
	}
	return r.err
}

func TestQueueRefusesStoppedAgent(t *testing.T) {
	t.Run("cancelled context", func(t *testing.T) {
		a := New("cancelled", nil, WithTick(testTick))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		for i := 0; i < 20; i++ {
			if err := a.Queue(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
				t.Fatalf("Expected context.Canceled, got %v", err)
			}
		}
		if a.Pending() != 0 {
			t.Errorf("Expected nothing queued, got %d", a.Pending())
		}
	})

	t.Run("after the loop exits", func(t *testing.T) {
		a := New("stopped", nil, WithTick(testTick))
		if err := a.StartThreaded(); err != nil {
			t.Fatalf("StartThreaded failed: %v", err)
		}
		h := a.Handle()
		a.Stop()
		waitDone(t, h)

		if err := a.Queue(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
			t.Fatalf("Expected ErrStopped, got %v", err)
		}

		if err := a.StartThreaded(); err != nil {
			t.Fatalf("Restart failed: %v", err)
		}
		defer a.Stop()
		ran := make(chan struct{})
		if err := a.Queue(context.Background(), func(context.Context) error {
			close(ran)
			return nil
		}); err != nil {
			t.Fatalf("Queue after restart failed: %v", err)
		}
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("Queued call never ran after restart")
		}
	})

	t.Run("blocked producer released by Stop", func(t *testing.T) {
		a := New("full", nil, WithTick(testTick))
		for i := 0; i < QueueSize; i++ {
			_ = a.Queue(context.Background(), func(context.Context) error { return nil })
		}

		result := make(chan error, 1)
		go func() {
			result <- a.Queue(context.Background(), func(context.Context) error { return nil })
		}()
		time.Sleep(20 * time.Millisecond)
		a.Stop()

		select {
		case err := <-result:
			if !errors.Is(err, ErrStopped) {
				t.Errorf("Expected ErrStopped, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Producer stayed blocked after Stop")
		}
	})
}

func TestCrashOnDedicatedGoroutineIsRecorded(t *testing.T) {
	r := &failingRunner{err: errors.New("boom")}
	a := New("crashy", r, WithTick(testTick))
	r.a = a

	if err := a.StartThreaded(); err != nil {
		t.Fatalf("StartThreaded failed: %v", err)
	}
	waitDone(t, a.Handle())

	if a.Running() {
		t.Error("Expected crashed agent to be stopped")
	}
	err := a.Err()
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("Expected recorded crash mentioning boom, got %v", err)
	}
	if c := a.LastCrash(); c == nil || c.Stack == "" {
		t.Error("Expected crash to carry a stack trace")
	}
}

func TestCrashWithoutDedicatedGoroutineIsReturned(t *testing.T) {
	r := &failingRunner{err: errors.New("boom")}
	a := New("direct", r, WithTick(testTick))
	r.a = a

	err := a.Start(context.Background())
	var crash *Crash
	if !errors.As(err, &crash) {
		t.Fatalf("Expected *Crash from Start, got %v", err)
	}
	if crash.Err.Error() != "boom" {
		t.Errorf("Expected boom, got %v", crash.Err)
	}
	if a.Err() == nil {
		t.Error("Expected crash to also be recorded")
	}
}

func TestPanicInQueuedCallCrashesAgent(t *testing.T) {
	a := New("panicky", nil, WithTick(testTick))
	if err := a.StartThreaded(); err != nil {
		t.Fatalf("StartThreaded failed: %v", err)
	}
	h := a.Handle()

	_ = a.Queue(context.Background(), func(context.Context) error {
		panic("queued explosion")
	})
	waitDone(t, h)

	err := a.Err()
	if err == nil || !strings.Contains(err.Error(), "queued explosion") {
		t.Fatalf("Expected crash from queued panic, got %v", err)
	}
	if !strings.Contains(a.LastCrash().Stack, "agent_test.go") {
		t.Error("Expected stack to point at the panic site")
	}
}

func TestStartReturnsWhenContextCancelled(t *testing.T) {
	a := New("ctx", nil, WithTick(testTick))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !a.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean exit, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

type hookRunner struct {
	events []string
	a      *Agent
}

func (r *hookRunner) OnStart(context.Context) error {
	r.events = append(r.events, "start")
	return nil
}

func (r *hookRunner) Run(ctx context.Context) error {
	r.events = append(r.events, "run")
	return nil
}

func (r *hookRunner) OnStop(context.Context) {
	r.events = append(r.events, "stop")
}

func TestHooksWrapRun(t *testing.T) {
	r := &hookRunner{}
	a := New("hooks", r)
	r.a = a

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := strings.Join(r.events, ","); got != "start,run,stop" {
		t.Errorf("Expected start,run,stop, got %s", got)
	}
	if a.Running() {
		t.Error("Expected agent to stop after a finite Run")
	}
}

func TestQueuedCombinator(t *testing.T) {
	a := New("combinator", nil, WithTick(testTick))
	if err := a.StartThreaded(); err != nil {
		t.Fatalf("StartThreaded failed: %v", err)
	}
	defer a.Stop()

	var sum int
	add := Queued(a, func(ctx context.Context, n int) error {
		if !a.OnLoop(ctx) {
			t.Error("Expected queued call to run on the loop")
		}
		sum += n
		return nil
	})
	for i := 1; i <= 10; i++ {
		if err := add(context.Background(), i); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sum != 55 {
		t.Errorf("Expected 55, got %d", sum)
	}
}
