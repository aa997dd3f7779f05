package plugins

import (
	"context"
	"fmt"
	"strings"

	"github.com/fpt/klein-relay/internal/relay"
)

type remind struct {
	relay.CommandPlugin

	// loop goroutine only
	notes map[string][]string
}

func newRemind(s relay.Setup, _ struct{}) (relay.Plugin, error) {
	r := &remind{notes: make(map[string][]string)}
	r.Init(s, r)
	r.Register(`remind(?:\s+(\S+))?(?:\s+(.+))?`, true, r.remind)
	return r, nil
}

func (r *remind) remind(ctx context.Context, msg relay.Message, match []string) error {
	target, text := match[1], strings.TrimSpace(match[2])
	if target == "" || text == "" {
		msg.Reply("usage: remind <username> <message>")
		return nil
	}
	key := strings.ToLower(target)
	r.notes[key] = append(r.notes[key], fmt.Sprintf("%s reminds you: %s", msg.Author, text))
	msg.Reply("Reminder saved.")
	return nil
}

// HandleIncoming runs the remind command and, for public messages,
// delivers any notes waiting for the author.
func (r *remind) HandleIncoming(ctx context.Context, msg relay.Message) error {
	if err := r.CommandPlugin.HandleIncoming(ctx, msg); err != nil {
		return err
	}
	if msg.Direct || msg.Author == "" {
		return nil
	}
	msg = msg.Normalize()
	return r.Queue(ctx, func(ctx context.Context) error {
		r.deliver(msg)
		return nil
	})
}

func (r *remind) deliver(msg relay.Message) {
	key := strings.ToLower(msg.Author)
	for _, note := range r.notes[key] {
		msg.Reply(msg.Author + ", " + note)
	}
	delete(r.notes, key)
}
