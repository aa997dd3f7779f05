package relay

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/fpt/klein-relay/pkg/agent"
)

// MatchMode selects how many triggers handle one message.
type MatchMode int

const (
	// MatchFirst stops at the first trigger that handles the message.
	MatchFirst MatchMode = iota
	// MatchAll runs every matching trigger; a passive stop still ends it.
	MatchAll
)

// CommandFunc handles a matched command. match holds the full match and
// its submatches.
type CommandFunc func(ctx context.Context, msg Message, match []string) error

// PatternFunc handles a passive match and reports whether evaluation
// should stop.
type PatternFunc func(ctx context.Context, msg Message, match []string) (stop bool, err error)

type trigger struct {
	re         *regexp.Regexp
	directOnly bool
	passive    bool
	fn         PatternFunc
}

// CommandPlugin dispatches incoming messages to regexp-triggered handlers,
// tried in registration order. By default each dispatch is queued on the
// plugin's own loop.
type CommandPlugin struct {
	Base

	tmu      sync.RWMutex
	triggers []trigger
	mode     MatchMode
	queued   bool
}

// Init wires the plugin; commands run queued in MatchFirst mode unless
// changed with SetQueued and SetMode.
func (c *CommandPlugin) Init(s Setup, self agent.Runner) {
	c.Base.Init(s, self)
	c.queued = true
	c.mode = MatchFirst
}

// SetQueued chooses between running commands on the plugin's loop (true)
// and on the caller's goroutine (false).
func (c *CommandPlugin) SetQueued(queued bool) {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	c.queued = queued
}

func (c *CommandPlugin) SetMode(mode MatchMode) {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	c.mode = mode
}

// Register adds a command matched against the whole message text. A
// directOnly command ignores messages not addressed to the relay. The
// pattern must compile.
func (c *CommandPlugin) Register(pattern string, directOnly bool, fn CommandFunc) {
	c.RegisterRegexp(regexp.MustCompile(`^(?:`+pattern+`)$`), directOnly, fn)
}

// RegisterRegexp adds a command with a caller-compiled expression. The
// expression is used as is, so it should be anchored.
func (c *CommandPlugin) RegisterRegexp(re *regexp.Regexp, directOnly bool, fn CommandFunc) {
	c.addTrigger(trigger{
		re:         re,
		directOnly: directOnly,
		fn: func(ctx context.Context, msg Message, match []string) (bool, error) {
			return true, fn(ctx, msg, match)
		},
	})
}

func (c *CommandPlugin) addTrigger(t trigger) {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	c.triggers = append(c.triggers, t)
}

// HandleIncoming dispatches msg to the registered triggers.
func (c *CommandPlugin) HandleIncoming(ctx context.Context, msg Message) error {
	c.tmu.RLock()
	queued := c.queued
	c.tmu.RUnlock()

	if !queued {
		return c.Dispatch(ctx, msg)
	}
	return c.Queue(ctx, func(ctx context.Context) error {
		return c.Dispatch(ctx, msg)
	})
}

// Dispatch runs the triggers for msg on the calling goroutine.
func (c *CommandPlugin) Dispatch(ctx context.Context, msg Message) error {
	c.tmu.RLock()
	triggers := slices.Clone(c.triggers)
	mode := c.mode
	c.tmu.RUnlock()

	msg = msg.Normalize()
	text := strings.TrimSpace(msg.Text)
	for _, t := range triggers {
		if t.directOnly && !msg.Direct {
			continue
		}
		match := t.re.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		stop, err := t.fn(ctx, msg, match)
		if err != nil {
			return err
		}
		if stop && (t.passive || mode == MatchFirst) {
			return nil
		}
	}
	return nil
}

// PassivePlugin reacts to patterns found anywhere in a message.
type PassivePlugin struct {
	CommandPlugin
	skipDirect bool
}

// SetSkipDirect makes the plugin ignore messages addressed to the relay.
func (p *PassivePlugin) SetSkipDirect(skip bool) {
	p.tmu.Lock()
	defer p.tmu.Unlock()
	p.skipDirect = skip
}

// RegisterPattern adds a handler for pattern found anywhere in the text.
// Returning stop=true ends evaluation of later patterns.
func (p *PassivePlugin) RegisterPattern(pattern string, fn PatternFunc) {
	p.addTrigger(trigger{re: regexp.MustCompile(pattern), passive: true, fn: fn})
}

func (p *PassivePlugin) HandleIncoming(ctx context.Context, msg Message) error {
	p.tmu.RLock()
	skip := p.skipDirect
	p.tmu.RUnlock()

	if skip && msg.Direct {
		return nil
	}
	return p.CommandPlugin.HandleIncoming(ctx, msg)
}
