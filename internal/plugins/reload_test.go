package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/fpt/klein-relay/internal/config"
	"github.com/fpt/klein-relay/internal/relay"
)

const reloadConfig = `
plugins:
  - type: echo
    name: greeter
    channels: [default]
    config:
      commands:
        hi: %s
  - type: reload
    channels: [default]
    config:
      skip: [sink]
      watch: %v
      debounce: 20ms
`

func writeReloadConfig(t *testing.T, path, greeting string, watch bool) {
	t.Helper()
	if err := os.WriteFile(path, []byte(fmt.Sprintf(reloadConfig, greeting, watch)), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// startFromConfig builds the plugins in path the way the relay command does.
func startFromConfig(t *testing.T, path string) *harness {
	t.Helper()
	h := newHarnessWithSource(t, path)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	plugins, err := config.Build(h.core, h.reg, cfg, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for _, p := range plugins {
		if err := h.core.AddPlugin(p); err != nil {
			t.Fatalf("AddPlugin failed: %v", err)
		}
	}
	h.start()
	return h
}

func (h *harness) plugin(name string) relay.Plugin {
	for _, p := range h.core.Plugins() {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeReloadConfig(t, path, "v1", false)
	h := startFromConfig(t, path)

	if got := h.say(relay.DefaultChannel, "alice", "hi", true).wait(t, 1); got[0] != "v1" {
		t.Fatalf("Expected v1, got %v", got)
	}
	oldGreeter, reloader := h.plugin("greeter"), h.plugin("reload")

	writeReloadConfig(t, path, "v2", false)
	got := h.say(relay.DefaultChannel, "alice", "reload", true).wait(t, 2)
	want := []string{"Reloading all plugins.. STAND BY!", "Done! Phew, I always get a bit nervous when I do that"}
	if !slices.Equal(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	if h.has(oldGreeter) {
		t.Error("Expected the old greeter to be removed")
	}
	if !h.has(reloader) || !h.has(h.sink) {
		t.Error("Expected the reload plugin and skipped plugins to stay")
	}
	if n := len(h.core.Plugins()); n != 3 {
		t.Errorf("Expected 3 plugins after reload, got %d", n)
	}
	if got := h.say(relay.DefaultChannel, "alice", "hi", true).wait(t, 1); got[0] != "v2" {
		t.Errorf("Expected v2 after reload, got %v", got)
	}
}

func TestReloadBrokenConfigKeepsPlugins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeReloadConfig(t, path, "v1", false)
	h := startFromConfig(t, path)
	greeter := h.plugin("greeter")

	if err := os.WriteFile(path, []byte("plugins:\n  - type: nope\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	got := h.say(relay.DefaultChannel, "alice", "reload", true).wait(t, 2)
	if !strings.HasPrefix(got[1], "Reload failed: ") || !strings.Contains(got[1], "nope") {
		t.Errorf("Expected a failure naming the bad type, got %v", got)
	}
	if !h.has(greeter) {
		t.Fatal("Expected the greeter to survive a failed reload")
	}
	if got := h.say(relay.DefaultChannel, "alice", "hi", true).wait(t, 1); got[0] != "v1" {
		t.Errorf("Expected v1, got %v", got)
	}
}

func TestReloadWithoutConfigFile(t *testing.T) {
	h := newHarness(t)
	p := h.build("type: reload\nchannels: [default]\n")
	h.start()

	r := h.say(relay.DefaultChannel, "alice", "reload", true)
	h.flush(p)
	if got := r.all(); len(got) != 2 || !strings.Contains(got[1], "not started from a config file") {
		t.Errorf("Expected a failure reply, got %v", got)
	}
}

func TestReloadWatchesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	writeReloadConfig(t, path, "v1", true)
	h := startFromConfig(t, path)

	// keep touching the file until the watcher has registered and fired
	deadline := time.Now().Add(3 * time.Second)
	for i := 0; time.Now().Before(deadline); i++ {
		writeReloadConfig(t, path, fmt.Sprintf("v%d", i+2), true)
		time.Sleep(100 * time.Millisecond)
		if slices.Contains(h.sink.sent(), "default:Config changed, plugins reloaded.") {
			break
		}
	}
	h.sink.waitFor(t, "Config changed, plugins reloaded.")
	// let a reload triggered by the last write finish
	time.Sleep(200 * time.Millisecond)

	got := h.say(relay.DefaultChannel, "alice", "hi", true).wait(t, 1)
	if got[0] == "v1" {
		t.Errorf("Expected the greeter rebuilt from the new config, got %v", got)
	}
}
