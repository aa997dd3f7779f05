package plugins

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fpt/klein-relay/internal/relay"
)

type fakeCompleter struct {
	answer string
	err    error

	mu      sync.Mutex
	system  string
	prompts []string
}

func (f *fakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = system
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

func (f *fakeCompleter) ModelID() string { return "fake" }

func (f *fakeCompleter) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func addAsk(h *harness, fake *fakeCompleter, history int) *ask {
	cfg := AskConfig{}
	cfg.Defaults()
	cfg.History = history
	a := newAskWithCompleter(relay.Setup{Parent: h.core, Name: "ask"}, cfg, fake)
	a.Subscribe(relay.DefaultChannel)
	_ = h.core.AddPlugin(a)
	return a
}

func TestAsk(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeCompleter
		want string
	}{
		{"answer", &fakeCompleter{answer: "  Forty-two.\n"}, "Forty-two."},
		{"failure", &fakeCompleter{err: errors.New("boom")}, "ask failed: boom"},
		{"empty", &fakeCompleter{}, "I have nothing to say about that."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := addAsk(h, tt.fake, 0)
			h.start()

			r := h.say(relay.DefaultChannel, "alice", "ask what is the answer?", true)
			h.flush(a)
			if got := r.all(); !slices.Equal(got, []string{tt.want}) {
				t.Errorf("Expected %q, got %v", tt.want, got)
			}
			if tt.fake.lastPrompt() != "what is the answer?" || tt.fake.system != defaultAskSystem {
				t.Errorf("Expected prompt and system forwarded, got %q / %q", tt.fake.lastPrompt(), tt.fake.system)
			}
		})
	}
}

func TestAskRemembersEachSpeaker(t *testing.T) {
	h := newHarness(t)
	fake := &fakeCompleter{answer: "Paris."}
	a := addAsk(h, fake, 1)
	clock := time.Now()
	a.now = func() time.Time { return clock }
	h.start()

	send := func(author, text string) {
		t.Helper()
		h.say(relay.DefaultChannel, author, text, true)
		h.flush(a)
	}

	send("alice", "ask capital of France?")
	send("alice", "ask and Italy?")
	want := "[EARLIER IN THIS CONVERSATION]\nalice: capital of France?\nyou: Paris.\n[END]\n\nand Italy?"
	if got := fake.lastPrompt(); got != want {
		t.Errorf("Expected prompt %q, got %q", want, got)
	}

	// history keeps only the latest exchange
	send("alice", "ask and Spain?")
	if got := fake.lastPrompt(); strings.Contains(got, "France") || !strings.Contains(got, "alice: and Italy?") {
		t.Errorf("Expected only the latest exchange, got %q", got)
	}

	send("bob", "ask hello")
	if got := fake.lastPrompt(); got != "hello" {
		t.Errorf("Expected a fresh session for bob, got %q", got)
	}

	send("alice", "ask reset")
	send("alice", "ask again")
	if got := fake.lastPrompt(); got != "again" {
		t.Errorf("Expected history dropped after reset, got %q", got)
	}

	clock = clock.Add(time.Hour)
	send("alice", "ask later")
	if got := fake.lastPrompt(); got != "later" {
		t.Errorf("Expected idle history to expire, got %q", got)
	}
}

func TestAskUnknownBackend(t *testing.T) {
	h := newHarness(t)
	_, err := h.buildErr("type: ask\nconfig:\n  backend: nope\n")
	var ce *relay.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected *relay.ConfigurationError, got %T: %v", err, err)
	}
}
