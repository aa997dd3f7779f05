package relay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	pkgLogger "github.com/fpt/klein-relay/pkg/logger"
)

const testTick = 5 * time.Millisecond

func newTestCore(t *testing.T) *Core {
	t.Helper()
	core := NewCore(CoreConfig{Tick: testTick, StopTimeout: time.Second}, pkgLogger.NewDiscardLogger())
	t.Cleanup(func() {
		h := core.Handle()
		core.Stop()
		if h != nil {
			select {
			case <-h.Done():
			case <-time.After(2 * time.Second):
				t.Error("core did not stop")
			}
		}
	})
	return core
}

func startCore(t *testing.T, core *Core) {
	t.Helper()
	if err := core.StartThreaded(); err != nil {
		t.Fatalf("Failed to start core: %v", err)
	}
}

func flush(t *testing.T, agents ...interface {
	Flush(ctx context.Context) error
}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, a := range agents {
		if err := a.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func hasPlugin(core *Core, p Plugin) bool {
	for _, q := range core.Plugins() {
		if q == p {
			return true
		}
	}
	return false
}

// recorder captures everything routed to it.
type recorder struct {
	Base

	mu       sync.Mutex
	incoming []Message
	outgoing []string

	failIncoming  error
	panicIncoming bool
	failOutgoing  error
	panicOutgoing bool
}

func newRecorder(core *Core, name string, channels ...string) *recorder {
	r := &recorder{}
	r.Init(Setup{Parent: core, Name: name}, r)
	for _, ch := range channels {
		r.Subscribe(ch)
	}
	return r
}

func (r *recorder) HandleIncoming(ctx context.Context, msg Message) error {
	r.mu.Lock()
	r.incoming = append(r.incoming, msg)
	r.mu.Unlock()
	if r.panicIncoming {
		panic("boom")
	}
	return r.failIncoming
}

func (r *recorder) SendOutgoing(ctx context.Context, channel, text string) error {
	r.mu.Lock()
	r.outgoing = append(r.outgoing, fmt.Sprintf("%s:%s", channel, text))
	r.mu.Unlock()
	if r.panicOutgoing {
		panic("send exploded")
	}
	return r.failOutgoing
}

func (r *recorder) received() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.incoming...)
}

func (r *recorder) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outgoing...)
}
