package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fpt/klein-relay/pkg/agent"
	pkgLogger "github.com/fpt/klein-relay/pkg/logger"
)

// DefaultStopTimeout bounds how long Core waits for non-daemon plugins on
// shutdown.
const DefaultStopTimeout = 5 * time.Second

// CoreConfig holds Core construction parameters.
type CoreConfig struct {
	ConfigSource string        // path of the config the plugins were loaded from
	Tick         time.Duration // loop tick for Core and the plugins it builds
	StopTimeout  time.Duration
}

// Core owns the plugin set, routes messages between plugins by channel,
// and removes plugins that crash.
type Core struct {
	*agent.Agent

	configSource string
	stopTimeout  time.Duration

	mu      sync.Mutex
	plugins []Plugin

	handleIncoming func(ctx context.Context, msg Message) error
}

// NewCore creates a Core. It does nothing until started.
func NewCore(cfg CoreConfig, logger *pkgLogger.Logger) *Core {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	c := &Core{
		configSource: cfg.ConfigSource,
		stopTimeout:  cfg.StopTimeout,
	}
	c.Agent = agent.New("core", c, agent.WithTick(cfg.Tick), agent.WithLogger(logger))
	c.handleIncoming = agent.Queued(c.Agent, c.dispatchIncoming)
	return c
}

// ConfigSource returns the path of the config the plugins came from.
func (c *Core) ConfigSource() string { return c.configSource }

// Plugins returns a snapshot of the owned plugins in insertion order.
func (c *Core) Plugins() []Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.plugins)
}

// AddPlugin adds p if it is not already owned. While Core is running a
// stopped plugin is started on its own goroutine.
func (c *Core) AddPlugin(p Plugin) error {
	c.mu.Lock()
	if slices.Contains(c.plugins, p) {
		c.mu.Unlock()
		return nil
	}
	c.plugins = append(c.plugins, p)
	c.mu.Unlock()

	c.Logger().Verbose("plugin added", "plugin", p.Name(), "channels", p.Channels())
	if c.Running() && !p.Running() {
		if err := p.StartThreaded(); err != nil && !errors.Is(err, agent.ErrAlreadyRunning) {
			return fmt.Errorf("failed to start plugin %s: %w", p.Name(), err)
		}
	}
	return nil
}

// RemovePlugin drops p and stops it. With wait it blocks until p's loop
// goroutine has exited or ctx ends. A plugin removing itself never waits.
func (c *Core) RemovePlugin(ctx context.Context, p Plugin, wait bool) error {
	c.mu.Lock()
	idx := slices.Index(c.plugins, p)
	if idx >= 0 {
		c.plugins = slices.Delete(c.plugins, idx, idx+1)
	}
	c.mu.Unlock()
	if idx < 0 {
		return nil
	}

	c.Logger().Verbose("plugin removed", "plugin", p.Name())
	p.Stop()
	if wait {
		return waitExit(ctx, p)
	}
	return nil
}

// RemoveAllPlugins drops and stops every plugin, with the same wait
// semantics as RemovePlugin.
func (c *Core) RemoveAllPlugins(ctx context.Context, wait bool) error {
	c.mu.Lock()
	plugins := c.plugins
	c.plugins = nil
	c.mu.Unlock()

	for _, p := range plugins {
		p.Stop()
	}
	if !wait {
		return nil
	}
	var errs []error
	for _, p := range plugins {
		if err := waitExit(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// waitExit blocks until p has no live loop goroutine.
func waitExit(ctx context.Context, p Plugin) error {
	if onLoop(ctx, p) {
		return nil
	}
	h := p.Handle()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func onLoop(ctx context.Context, p Plugin) bool {
	l, ok := p.(interface{ OnLoop(context.Context) bool })
	return ok && l.OnLoop(ctx)
}

// HandleIncoming routes msg to every plugin whose subscriptions intersect
// msg.Channels. It runs on Core's loop; from elsewhere it is queued. A
// message arriving after the relay stopped is dropped.
func (c *Core) HandleIncoming(ctx context.Context, msg Message) error {
	err := c.handleIncoming(ctx, msg)
	if errors.Is(err, agent.ErrStopped) {
		c.Logger().Debug("relay stopped, message dropped", "author", msg.Author)
		return nil
	}
	return err
}

// SendOutgoing routes text to every plugin subscribed to channel. It runs
// on Core's loop; from elsewhere it is queued.
func (c *Core) SendOutgoing(ctx context.Context, channel, text string) error {
	return c.Queue(ctx, func(ctx context.Context) error {
		return c.dispatchOutgoing(ctx, channel, text)
	})
}

func (c *Core) dispatchIncoming(ctx context.Context, msg Message) error {
	msg = msg.Normalize()

	var failed []failure
	for _, p := range c.Plugins() {
		channels := intersect(p.Channels(), msg.Channels)
		if len(channels) == 0 {
			continue
		}
		err := agent.Recover(func() error {
			return p.HandleIncoming(ctx, msg.WithChannels(channels))
		})
		if errors.Is(err, agent.ErrStopped) {
			// a crashed loop is left to the sweep, which reports the crash itself
			c.Logger().Debug("plugin not running, message skipped", "plugin", p.Name())
			continue
		}
		if err != nil {
			c.logFailure(p, "plugin failed handling message", err)
			failed = append(failed, failure{p, err})
		}
	}
	c.evict(ctx, failed)
	return nil
}

func (c *Core) dispatchOutgoing(ctx context.Context, channel, text string) error {
	var failed []failure
	for _, p := range c.Plugins() {
		if !p.Subscribed(channel) {
			continue
		}
		err := agent.Recover(func() error {
			return p.SendOutgoing(ctx, channel, text)
		})
		if err == nil {
			continue
		}
		var crash *agent.Crash
		if errors.As(err, &crash) {
			c.logFailure(p, "plugin crashed sending message", err)
			failed = append(failed, failure{p, err})
			continue
		}
		c.Logger().Warning("plugin failed to send", "plugin", p.Name(), "channel", channel, "error", err)
	}
	c.evict(ctx, failed)
	return nil
}

// Run is Core's heartbeat: every tick it removes plugins whose own loop
// crashed.
func (c *Core) Run(ctx context.Context) error {
	for c.Yield(ctx) {
		c.sweep(ctx)
	}
	return nil
}

func (c *Core) sweep(ctx context.Context) {
	var crashed []failure
	for _, p := range c.Plugins() {
		if err := p.Err(); err != nil {
			c.logFailure(p, "plugin crashed", err)
			crashed = append(crashed, failure{p, err})
		}
	}
	c.evict(ctx, crashed)
}

// OnStart starts every owned plugin that is not already running.
func (c *Core) OnStart(ctx context.Context) error {
	for _, p := range c.Plugins() {
		if p.Running() {
			continue
		}
		if err := p.StartThreaded(); err != nil && !errors.Is(err, agent.ErrAlreadyRunning) {
			c.Logger().Error("failed to start plugin", "plugin", p.Name(), "error", err)
		}
	}
	c.Logger().Message("relay running", "plugins", len(c.Plugins()))
	return nil
}

// OnStop stops every plugin and waits, up to the stop timeout, for the
// non-daemon ones to exit.
func (c *Core) OnStop(ctx context.Context) {
	plugins := c.Plugins()
	for _, p := range plugins {
		p.Stop()
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	defer cancel()
	for _, p := range plugins {
		if p.Daemon() {
			continue
		}
		if err := waitExit(waitCtx, p); err != nil {
			c.Logger().Warning("plugin did not stop in time", "plugin", p.Name(), "error", err)
		}
	}
	c.Logger().Verbose("relay stopped")
}

type failure struct {
	plugin Plugin
	err    error
}

// evict removes failed plugins, then tells channel default about each.
// Notices go out after removal so a plugin that fails on every message
// never receives its own notice.
func (c *Core) evict(ctx context.Context, failed []failure) {
	for _, f := range failed {
		if err := c.RemovePlugin(ctx, f.plugin, false); err != nil {
			c.Logger().Warning("failed to remove plugin", "plugin", f.plugin.Name(), "error", err)
		}
	}
	for _, f := range failed {
		notice := fmt.Sprintf("plugin %s crashed: %v", f.plugin.Name(), f.err)
		if err := c.SendOutgoing(ctx, DefaultChannel, notice); err != nil {
			c.Logger().Warning("failed to send crash notice", "plugin", f.plugin.Name(), "error", err)
		}
	}
}

func (c *Core) logFailure(p Plugin, msg string, err error) {
	args := []any{"plugin", p.Name(), "error", err}
	var crash *agent.Crash
	if errors.As(err, &crash) {
		args = append(args, "stack", crash.Stack)
	}
	c.Logger().Error(msg, args...)
}
