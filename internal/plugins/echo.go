package plugins

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/fpt/klein-relay/internal/relay"
)

// EchoConfig maps command names to reply text. A key may list several
// comma-separated names sharing one reply.
type EchoConfig struct {
	Commands map[string]string `yaml:"commands" jsonschema:"description=command names (comma-separated) to reply text"`
}

func (c *EchoConfig) Validate() error {
	if len(c.Commands) == 0 {
		return errors.New("at least one command is required")
	}
	return nil
}

type echo struct {
	relay.CommandPlugin
	replies map[string]string
}

func newEcho(s relay.Setup, cfg EchoConfig) (relay.Plugin, error) {
	e := &echo{replies: make(map[string]string)}
	for names, text := range cfg.Commands {
		for _, name := range strings.Split(names, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				return nil, relay.ConfigErrorf(s.Name, "commands", "empty command name in %q", names)
			}
			e.replies[name] = strings.TrimSpace(text)
		}
	}

	e.Init(s, e)
	e.Register(`help`, true, e.help)
	e.Register(`(\S+)`, true, e.echo)
	return e, nil
}

func (e *echo) help(ctx context.Context, msg relay.Message, _ []string) error {
	names := slices.Sorted(maps.Keys(e.replies))
	msg.Reply("I know: " + strings.Join(names, ", "))
	return nil
}

func (e *echo) echo(ctx context.Context, msg relay.Message, match []string) error {
	if text, ok := e.replies[strings.ToLower(match[1])]; ok {
		msg.Reply(text)
	}
	return nil
}
