package plugins

import (
	"context"
	"strings"

	"github.com/fpt/klein-relay/internal/relay"
)

type listPlugins struct {
	relay.CommandPlugin
}

func newListPlugins(s relay.Setup, _ struct{}) (relay.Plugin, error) {
	p := &listPlugins{}
	p.Init(s, p)
	p.Register(`listplugins|plugins`, true, func(ctx context.Context, msg relay.Message, _ []string) error {
		var names []string
		for _, q := range p.Parent().Plugins() {
			names = append(names, q.Name())
		}
		msg.Reply("I'm currently running the following plugins: " + strings.Join(names, ", "))
		return nil
	})
	return p, nil
}

type kill struct {
	relay.CommandPlugin
}

func newKill(s relay.Setup, _ struct{}) (relay.Plugin, error) {
	k := &kill{}
	k.Init(s, k)
	k.Register(`kill|quit|shutdown`, true, func(ctx context.Context, msg relay.Message, _ []string) error {
		msg.Reply(":( Shutting down...")
		k.Logger().Message("Shutdown requested", "by", msg.Author)
		k.Parent().Stop()
		return nil
	})
	return k, nil
}

// CrashConfig selects where the crash command fails.
type CrashConfig struct {
	Async bool `yaml:"async" jsonschema:"description=crash on the plugin loop instead of the caller's"`
}

type crash struct {
	relay.CommandPlugin
}

// newCrash builds a plugin whose command panics, for exercising crash
// containment. "crash" fails on the caller's goroutine, "crashasync" on
// the plugin's own loop.
func newCrash(s relay.Setup, cfg CrashConfig) (relay.Plugin, error) {
	c := &crash{}
	c.Init(s, c)
	c.SetQueued(cfg.Async)
	pattern := "crash"
	if cfg.Async {
		pattern = "crashasync"
	}
	c.Register(pattern, true, func(context.Context, relay.Message, []string) error {
		panic(pattern + " command issued")
	})
	return c, nil
}
