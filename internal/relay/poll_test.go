package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

type ticker struct {
	PollPlugin

	mu    sync.Mutex
	polls []time.Time
	steps int
}

func (p *ticker) Poll(ctx context.Context) error {
	// a multi-step poll: yield a few times before recording
	for i := 0; i < p.steps; i++ {
		if !p.Yield(ctx) {
			return nil
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls = append(p.polls, time.Now())
	return nil
}

func (p *ticker) times() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.polls...)
}

func TestPollPluginRespectsInterval(t *testing.T) {
	const interval = 200 * time.Millisecond

	core := newTestCore(t)
	p := &ticker{steps: 2}
	p.InitPoll(Setup{Parent: core, Name: "ticker"}, p, interval)
	_ = core.AddPlugin(p)

	started := time.Now()
	startCore(t, core)

	time.Sleep(interval - 50*time.Millisecond)
	if n := len(p.times()); n != 0 {
		t.Fatalf("Expected no poll before the interval elapsed, got %d", n)
	}

	waitFor(t, "first poll", func() bool { return len(p.times()) > 0 })
	first := p.times()[0]
	if first.Sub(started) < interval {
		t.Errorf("Expected first poll after %v, got %v", interval, first.Sub(started))
	}
	if first.Sub(started) > interval+interval/2 {
		t.Errorf("Expected first poll within %v, got %v", interval+interval/2, first.Sub(started))
	}
	if last := p.LastPoll(); last.Before(started) {
		t.Errorf("Expected LastPoll to be recorded, got %v", last)
	}
}

func TestPollPluginQueuedCallsInterleave(t *testing.T) {
	core := newTestCore(t)
	p := &ticker{}
	p.InitPoll(Setup{Parent: core, Name: "ticker"}, p, time.Hour)
	_ = core.AddPlugin(p)
	startCore(t, core)
	waitFor(t, "poller start", p.Running)

	ran := make(chan struct{})
	_ = p.Queue(context.Background(), func(context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Expected queued calls to run while waiting for the next poll")
	}
}

func TestPollIntervalDefault(t *testing.T) {
	core := newTestCore(t)
	p := &ticker{}
	p.InitPoll(Setup{Parent: core, Name: "ticker"}, p, 0)
	if p.Interval() != DefaultPollInterval {
		t.Errorf("Expected default interval %v, got %v", DefaultPollInterval, p.Interval())
	}
	p.SetInterval(time.Minute)
	if p.Interval() != time.Minute {
		t.Errorf("Expected 1m, got %v", p.Interval())
	}
}
