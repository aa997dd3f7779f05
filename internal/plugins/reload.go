package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/fpt/klein-relay/internal/config"
	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/pkg/agent"
)

// ReloadConfig controls which plugins a reload rebuilds.
type ReloadConfig struct {
	Skip     []string      `yaml:"skip" jsonschema:"description=glob patterns of instance names left running"`
	Watch    bool          `yaml:"watch" jsonschema:"description=reload when the config file changes"`
	Debounce time.Duration `yaml:"debounce"`
}

func (c *ReloadConfig) Defaults() { c.Debounce = config.DefaultDebounce }

func (c *ReloadConfig) Validate() error {
	_, err := config.CompileSkip(c.Skip)
	return err
}

type reload struct {
	relay.CommandPlugin

	reg      *relay.Registry
	skip     config.SkipList
	watch    bool
	debounce time.Duration
}

// registerReload binds the reload constructor to the registry it rebuilds
// plugins from.
func registerReload(reg *relay.Registry) func(s relay.Setup, cfg ReloadConfig) (relay.Plugin, error) {
	return func(s relay.Setup, cfg ReloadConfig) (relay.Plugin, error) {
		skip, err := config.CompileSkip(append(cfg.Skip, glob.QuoteMeta(s.Name)))
		if err != nil {
			return nil, relay.ConfigErrorf(s.Name, "skip", "%v", err)
		}
		r := &reload{reg: reg, skip: skip, watch: cfg.Watch, debounce: cfg.Debounce}
		r.Init(s, r)
		r.Register(`reload`, true, func(ctx context.Context, msg relay.Message, _ []string) error {
			msg.Reply("Reloading all plugins.. STAND BY!")
			if err := r.reload(ctx); err != nil {
				msg.Reply("Reload failed: " + err.Error())
				return nil
			}
			msg.Reply("Done! Phew, I always get a bit nervous when I do that")
			return nil
		})
		return r, nil
	}
}

// OnStart begins watching the config file when enabled. The watcher ends
// with the plugin's loop.
func (r *reload) OnStart(ctx context.Context) error {
	source := r.Parent().ConfigSource()
	if !r.watch || source == "" {
		return nil
	}
	ctx = agent.Detach(ctx)
	go func() {
		err := config.Watch(ctx, source, r.debounce, func() {
			_ = r.Queue(ctx, func(ctx context.Context) error {
				r.Logger().Message("Config changed, reloading", "path", source)
				notice := "Config changed, plugins reloaded."
				if err := r.reload(ctx); err != nil {
					notice = "Config changed, reload failed: " + err.Error()
				}
				return r.Parent().SendOutgoing(ctx, relay.DefaultChannel, notice)
			})
		})
		if err != nil {
			r.Logger().Warning("Config watch stopped", "error", err)
		}
	}()
	return nil
}

// reload rebuilds every plugin except the skipped ones from the config
// file. The new set is built before anything is removed, so a broken
// config leaves the running plugins in place.
func (r *reload) reload(ctx context.Context) error {
	parent := r.Parent()
	source := parent.ConfigSource()
	if source == "" {
		return fmt.Errorf("relay was not started from a config file")
	}

	r.Logger().Message("Reloading plugins", "config", source)
	cfg, err := config.LoadConfig(source)
	if err != nil {
		return err
	}
	fresh, err := config.Build(parent, r.reg, cfg, r.skip)
	if err != nil {
		return err
	}

	for _, p := range parent.Plugins() {
		if p == relay.Plugin(r) || r.skip.Match(p.Name()) {
			r.Logger().Debug("Keeping plugin", "plugin", p.Name())
			continue
		}
		r.Logger().Verbose("Removing plugin", "plugin", p.Name())
		if err := parent.RemovePlugin(ctx, p, true); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p.Name(), err)
		}
	}
	for _, p := range fresh {
		r.Logger().Verbose("Adding plugin", "plugin", p.Name())
		if err := parent.AddPlugin(p); err != nil {
			return err
		}
	}
	return nil
}
