package plugins

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fpt/klein-relay/internal/relay"
	pkgLogger "github.com/fpt/klein-relay/pkg/logger"
)

const testTick = 5 * time.Millisecond

type harness struct {
	t    *testing.T
	core *relay.Core
	reg  *relay.Registry
	sink *sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithSource(t, "")
}

func newHarnessWithSource(t *testing.T, source string) *harness {
	t.Helper()
	core := relay.NewCore(relay.CoreConfig{ConfigSource: source, Tick: testTick, StopTimeout: time.Second}, pkgLogger.NewDiscardLogger())
	reg := relay.NewRegistry()
	RegisterAll(reg)

	h := &harness{t: t, core: core, reg: reg, sink: newSink(core)}
	_ = core.AddPlugin(h.sink)

	t.Cleanup(func() {
		hd := core.Handle()
		core.Stop()
		if hd != nil {
			select {
			case <-hd.Done():
			case <-time.After(3 * time.Second):
				t.Error("core did not stop")
			}
		}
	})
	return h
}

// build constructs a plugin from a YAML spec and adds it to the core.
func (h *harness) build(src string) relay.Plugin {
	h.t.Helper()
	p, err := h.buildErr(src)
	if err != nil {
		h.t.Fatalf("Failed to build plugin: %v", err)
	}
	if err := h.core.AddPlugin(p); err != nil {
		h.t.Fatalf("Failed to add plugin: %v", err)
	}
	return p
}

func (h *harness) buildErr(src string) (relay.Plugin, error) {
	h.t.Helper()
	var spec relay.PluginSpec
	if err := yaml.Unmarshal([]byte(src), &spec); err != nil {
		h.t.Fatalf("Failed to parse spec: %v", err)
	}
	return h.reg.Build(h.core, spec)
}

func (h *harness) start() {
	h.t.Helper()
	if err := h.core.StartThreaded(); err != nil {
		h.t.Fatalf("Failed to start core: %v", err)
	}
}

// say delivers a message on channel and collects the replies to it.
func (h *harness) say(channel, author, text string, direct bool) *replies {
	h.t.Helper()
	r := &replies{}
	msg := relay.Message{
		Channels: []string{channel},
		Author:   author,
		Text:     text,
		Direct:   direct,
		Reply:    r.add,
	}
	if err := h.core.HandleIncoming(context.Background(), msg); err != nil {
		h.t.Fatalf("HandleIncoming failed: %v", err)
	}
	return r
}

// flush drains the core, then each plugin, so queued dispatches have run.
func (h *harness) flush(plugins ...relay.Plugin) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.core.Flush(ctx); err != nil {
		h.t.Fatalf("Flush failed: %v", err)
	}
	for _, p := range plugins {
		f, ok := p.(interface{ Flush(context.Context) error })
		if !ok {
			continue
		}
		if err := f.Flush(ctx); err != nil {
			h.t.Fatalf("Flush failed: %v", err)
		}
	}
}

func (h *harness) has(p relay.Plugin) bool {
	for _, q := range h.core.Plugins() {
		if q == p {
			return true
		}
	}
	return false
}

type replies struct {
	mu    sync.Mutex
	lines []string
}

func (r *replies) add(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, text)
}

func (r *replies) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *replies) wait(t *testing.T, n int) []string {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d replies", n), func() bool { return len(r.all()) >= n })
	return r.all()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// sink records outgoing text on the channels tests use.
type sink struct {
	relay.Base

	mu  sync.Mutex
	out []string
}

func newSink(core *relay.Core) *sink {
	s := &sink{}
	s.Init(relay.Setup{Parent: core, Name: "sink"}, s)
	for _, ch := range []string{relay.DefaultChannel, "general", "ops"} {
		s.Subscribe(ch)
	}
	return s
}

func (s *sink) SendOutgoing(ctx context.Context, channel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, channel+":"+text)
	return nil
}

func (s *sink) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.out...)
}

func (s *sink) waitFor(t *testing.T, substr string) {
	t.Helper()
	waitFor(t, "outgoing "+substr, func() bool {
		for _, line := range s.sent() {
			if strings.Contains(line, substr) {
				return true
			}
		}
		return false
	})
}
