package plugins

import (
	"context"
	"strings"

	"github.com/fpt/klein-relay/internal/infra"
	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/internal/repository"
)

// SnippetConfig locates the snippet file.
type SnippetConfig struct {
	File string `yaml:"file" jsonschema:"description=JSON file snippets persist to; defaults to one per instance"`
}

type snippet struct {
	relay.CommandPlugin
	store repository.SnippetRepository
}

func newSnippet(s relay.Setup, cfg SnippetConfig) (relay.Plugin, error) {
	if cfg.File == "" {
		cfg.File = dataPath("snippets-" + s.Name + ".json")
	}
	store, err := infra.NewFileSnippetRepository(cfg.File)
	if err != nil {
		return nil, relay.ConfigErrorf(s.Name, "file", "%v", err)
	}
	return newSnippetWithStore(s, store), nil
}

func newSnippetWithStore(s relay.Setup, store repository.SnippetRepository) *snippet {
	p := &snippet{store: store}
	p.Init(s, p)
	p.Register(`snippets`, true, p.list)
	p.Register(`forget\s+(\w+)`, true, p.forget)
	p.Register(`snip(?:pet)?\s+(\w+)(?:\s+(.*))?`, true, p.snip)
	return p
}

func (p *snippet) snip(ctx context.Context, msg relay.Message, match []string) error {
	key, text := match[1], strings.TrimSpace(match[2])
	if text != "" {
		if err := p.store.Set(key, repository.Snippet{Author: msg.Author, Text: text}); err != nil {
			p.Logger().Warning("Failed to save snippet", "key", key, "error", err)
			msg.Reply("Could not save that snippet.")
			return nil
		}
		msg.Reply("Saved snippet to key: " + key)
		return nil
	}

	s, ok := p.store.Get(key)
	if !ok {
		msg.Reply("I don't remember anyone saying anything about that")
		return nil
	}
	msg.Reply(s.Author + " said: " + s.Text)
	return nil
}

func (p *snippet) forget(ctx context.Context, msg relay.Message, match []string) error {
	ok, err := p.store.Delete(match[1])
	switch {
	case err != nil:
		p.Logger().Warning("Failed to delete snippet", "key", match[1], "error", err)
		msg.Reply("Could not forget that snippet.")
	case ok:
		msg.Reply("Forgot snippet " + match[1])
	default:
		msg.Reply("I don't remember anyone saying anything about that")
	}
	return nil
}

func (p *snippet) list(ctx context.Context, msg relay.Message, _ []string) error {
	keys := p.store.Keys()
	if len(keys) == 0 {
		msg.Reply("No snippets saved yet.")
		return nil
	}
	msg.Reply("Snippets: " + strings.Join(keys, ", "))
	return nil
}
