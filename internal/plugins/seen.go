package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fpt/klein-relay/internal/infra"
	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/internal/repository"
)

// SeenConfig locates the last-seen database.
type SeenConfig struct {
	DB string `yaml:"db" jsonschema:"description=SQLite database path or :memory:"`
}

func (c *SeenConfig) Defaults() { c.DB = dataPath("seen.db") }

type seen struct {
	relay.CommandPlugin

	store   repository.SeenRepository
	started time.Time
	now     func() time.Time
}

func newSeen(s relay.Setup, cfg SeenConfig) (relay.Plugin, error) {
	store, err := infra.NewSQLiteSeenRepository(cfg.DB)
	if err != nil {
		return nil, relay.ConfigErrorf(s.Name, "db", "%v", err)
	}
	return newSeenWithStore(s, store), nil
}

func newSeenWithStore(s relay.Setup, store repository.SeenRepository) *seen {
	p := &seen{store: store, started: time.Now(), now: time.Now}
	p.Init(s, p)
	p.Register(`(seen|lastseen)(?:\s+(.*?))?\??`, true, p.lookup)
	return p
}

func (p *seen) lookup(ctx context.Context, msg relay.Message, match []string) error {
	cmd, who := match[1], strings.TrimSpace(match[2])
	if who == "" {
		msg.Reply("usage: " + cmd + " <username>")
		return nil
	}

	entry, ok, err := p.store.Lookup(ctx, who)
	if err != nil {
		p.Logger().Warning("Seen lookup failed", "who", who, "error", err)
		msg.Reply("I can't remember right now, try again later.")
		return nil
	}
	if !ok {
		msg.Reply(fmt.Sprintf("%s has not been seen since I started watching %s.", who, relativeTime(p.now(), p.started)))
		return nil
	}
	msg.Reply(fmt.Sprintf("%s was last seen %s in %s, saying: %s", entry.Who, relativeTime(p.now(), entry.At), entry.Channel, entry.Text))
	return nil
}

// HandleIncoming answers seen commands, then records the author.
func (p *seen) HandleIncoming(ctx context.Context, msg relay.Message) error {
	if err := p.CommandPlugin.HandleIncoming(ctx, msg); err != nil {
		return err
	}
	if msg.Author == "" {
		return nil
	}

	entry := repository.SeenEntry{Who: msg.Author, Text: msg.Text, At: p.now()}
	if len(msg.Channels) > 0 {
		entry.Channel = msg.Channels[0]
	}
	return p.Queue(ctx, func(ctx context.Context) error {
		if err := p.store.Record(ctx, entry); err != nil {
			p.Logger().Warning("Failed to record seen entry", "who", entry.Who, "error", err)
		}
		return nil
	})
}

func (p *seen) OnStop(ctx context.Context) {
	if err := p.store.Close(); err != nil {
		p.Logger().Warning("Failed to close seen store", "error", err)
	}
}

// relativeTime describes then as seen from now: exact for the last
// minute, coarse up to a week, and as a date beyond that.
func relativeTime(now, then time.Time) string {
	delta := now.Sub(then)
	plural := func(n int, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s ago", unit)
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}

	switch {
	case delta > 7*24*time.Hour:
		return then.Format("on January 02, 2006")
	case delta > 24*time.Hour:
		return plural(int(delta/(24*time.Hour)), "day") + ", " + then.Format("on Monday, January 02")
	case delta > time.Hour:
		return plural(int(delta/time.Hour), "hour")
	case delta > time.Minute:
		return plural(int(delta/time.Minute), "minute")
	}
	return fmt.Sprintf("%d seconds ago", int(delta/time.Second))
}
