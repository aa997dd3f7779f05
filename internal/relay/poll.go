package relay

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is used when a poll plugin sets no interval.
const DefaultPollInterval = 5 * time.Second

// Poller performs one poll. It runs on the plugin's loop and may call
// Yield to spread long work over several steps.
type Poller interface {
	Poll(ctx context.Context) error
}

// PollPlugin calls Poll on its own loop once every interval.
type PollPlugin struct {
	Base

	pmu      sync.Mutex
	interval time.Duration
	lastPoll time.Time
	poller   Poller
}

// InitPoll wires the plugin with its poller. self is the outermost plugin
// value.
func (p *PollPlugin) InitPoll(s Setup, self interface {
	Poller
	Run(ctx context.Context) error
}, interval time.Duration) {
	p.Init(s, self)
	p.poller = self
	p.SetInterval(interval)
}

func (p *PollPlugin) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultPollInterval
	}
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.interval = d
}

func (p *PollPlugin) Interval() time.Duration {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.interval
}

// LastPoll is when the previous poll finished, or when the loop started.
func (p *PollPlugin) LastPoll() time.Time {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.lastPoll
}

func (p *PollPlugin) setLastPoll(t time.Time) {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.lastPoll = t
}

func (p *PollPlugin) Run(ctx context.Context) error {
	return RunPoll(ctx, &p.Base, p.Interval, p.setLastPoll, p.poller.Poll)
}

// RunPoll is the poll loop shared by poll-capable plugins. It yields until
// interval has passed since the last poll, runs poll to completion,
// records the time and repeats until the plugin stops.
func RunPoll(ctx context.Context, b *Base, interval func() time.Duration, mark func(time.Time), poll func(ctx context.Context) error) error {
	if mark == nil {
		mark = func(time.Time) {}
	}
	last := time.Now()
	mark(last)
	for {
		for time.Now().Before(last.Add(interval())) {
			if !b.Yield(ctx) {
				return nil
			}
		}
		if err := poll(ctx); err != nil {
			return err
		}
		if !b.Running() {
			return nil
		}
		last = time.Now()
		mark(last)
	}
}
