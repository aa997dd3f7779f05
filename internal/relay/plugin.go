package relay

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fpt/klein-relay/pkg/agent"
	pkgLogger "github.com/fpt/klein-relay/pkg/logger"
)

// Plugin is an agent addressed by channel subscriptions. Core calls
// HandleIncoming for messages on intersecting channels and SendOutgoing
// for text sent to a subscribed channel.
type Plugin interface {
	Name() string
	ID() string

	Channels() []string
	Subscribed(channel string) bool
	Subscribe(channel string)
	Unsubscribe(channel string)
	UnsubscribeAll()

	HandleIncoming(ctx context.Context, msg Message) error
	SendOutgoing(ctx context.Context, channel, text string) error

	StartThreaded() error
	Stop()
	Running() bool
	Daemon() bool
	Err() error
	Handle() *agent.Handle
}

// Parent is the part of Core a plugin may call back into.
type Parent interface {
	HandleIncoming(ctx context.Context, msg Message) error
	SendOutgoing(ctx context.Context, channel, text string) error
	Stop()
	AddPlugin(p Plugin) error
	RemovePlugin(ctx context.Context, p Plugin, wait bool) error
	Plugins() []Plugin
	ConfigSource() string
	Logger() *pkgLogger.Logger
	Tick() time.Duration
}

// Setup carries what every plugin constructor receives.
type Setup struct {
	Parent  Parent
	Name    string
	Options []agent.Option
}

// Base implements the Plugin contract with no-op message handlers and an
// idle loop. Concrete plugins embed it and call Init from their
// constructor, passing themselves so overridden Run/OnStart/OnStop are
// used by the agent.
type Base struct {
	*agent.Agent

	parent Parent
	id     string

	mu       sync.Mutex
	channels []string
}

// Init wires the embedded agent. self is the outermost plugin value.
func (b *Base) Init(s Setup, self agent.Runner) {
	opts := make([]agent.Option, 0, len(s.Options)+2)
	if s.Parent != nil {
		opts = append(opts, agent.WithTick(s.Parent.Tick()), agent.WithLogger(s.Parent.Logger()))
	}
	opts = append(opts, s.Options...)

	b.Agent = agent.New(s.Name, self, opts...)
	b.parent = s.Parent
	b.id = uuid.NewString()
}

// Parent returns the router this plugin belongs to.
func (b *Base) Parent() Parent { return b.parent }

// ID is unique per plugin instance.
func (b *Base) ID() string { return b.id }

// Channels returns the subscriptions in the order they were made.
func (b *Base) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.channels)
}

func (b *Base) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Contains(b.channels, channel)
}

func (b *Base) Subscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.channels, channel) {
		b.channels = append(b.channels, channel)
	}
}

func (b *Base) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = slices.DeleteFunc(b.channels, func(c string) bool { return c == channel })
}

func (b *Base) UnsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = nil
}

func (b *Base) HandleIncoming(ctx context.Context, msg Message) error { return nil }

func (b *Base) SendOutgoing(ctx context.Context, channel, text string) error { return nil }

// Run idles until the plugin is stopped.
func (b *Base) Run(ctx context.Context) error {
	for b.Yield(ctx) {
	}
	return nil
}
