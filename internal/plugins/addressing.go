package plugins

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/fpt/klein-relay/internal/relay"
)

// AddressingConfig describes how public messages address the relay.
type AddressingConfig struct {
	Names        []string `yaml:"names" jsonschema:"description=names the relay answers to"`
	NameSepChars string   `yaml:"name_sep_chars" jsonschema:"description=characters separating a name from the command"`
	CommandChars string   `yaml:"command_chars" jsonschema:"description=characters that prefix a command, such as ! or ."`
	Inline       bool     `yaml:"inline" jsonschema:"description=also find commands in (parentheses) or [brackets] inside a message"`
}

func (c *AddressingConfig) Defaults() { c.NameSepChars = ",:" }

func (c *AddressingConfig) Validate() error {
	if len(c.Names) == 0 && c.CommandChars == "" {
		return errors.New("names or command_chars must be set")
	}
	if len(c.Names) > 0 && c.NameSepChars == "" {
		return errors.New("name_sep_chars must not be empty when names are set")
	}
	return nil
}

// addressing turns public messages written as commands, such as
// "relay: echo hi" or "!echo hi", into direct messages. Replies go back
// prefixed with the speaker's name.
type addressing struct {
	relay.Base

	whole  *regexp.Regexp
	inline *regexp.Regexp
}

func newAddressing(s relay.Setup, cfg AddressingConfig) (relay.Plugin, error) {
	prefix := addressPrefix(cfg)
	a := &addressing{whole: regexp.MustCompile(`(?is)^\s*` + prefix + `(.*?)\s*$`)}
	if cfg.Inline {
		a.inline = regexp.MustCompile(`(?i)[(\[]` + prefix + `([^)\]]*)[)\]]`)
	}
	a.Init(s, a)
	return a, nil
}

// addressPrefix builds the alternation matching "name sep" or a command
// character.
func addressPrefix(cfg AddressingConfig) string {
	var alts []string
	if len(cfg.Names) > 0 {
		names := make([]string, 0, len(cfg.Names))
		for _, n := range cfg.Names {
			names = append(names, regexp.QuoteMeta(strings.TrimSpace(n)))
		}
		alts = append(alts, `(?:`+strings.Join(names, "|")+`)\s*`+charClass(cfg.NameSepChars)+`\s*`)
	}
	if cfg.CommandChars != "" {
		alts = append(alts, charClass(cfg.CommandChars))
	}
	return `(?:` + strings.Join(alts, "|") + `)`
}

func charClass(chars string) string {
	var b strings.Builder
	b.WriteString("[")
	for _, r := range chars {
		b.WriteString(regexp.QuoteMeta(string(r)))
	}
	b.WriteString("]")
	return b.String()
}

// HandleIncoming re-emits an addressed public message to the parent as a
// direct one. Direct messages are already commands and are ignored.
func (a *addressing) HandleIncoming(ctx context.Context, msg relay.Message) error {
	if msg.Direct {
		return nil
	}

	command, ok := a.extract(msg.Text)
	if !ok {
		return nil
	}

	msg = msg.Normalize()
	reply := msg.Reply
	if msg.Author != "" {
		reply = func(text string) { msg.Reply(msg.Author + ": " + text) }
	}
	return a.Parent().HandleIncoming(ctx, relay.Message{
		Channels: msg.Channels,
		Author:   msg.Author,
		Text:     command,
		Direct:   true,
		Reply:    reply,
		Time:     msg.Time,
	})
}

func (a *addressing) extract(text string) (string, bool) {
	if m := a.whole.FindStringSubmatch(text); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1]), true
	}
	if a.inline == nil {
		return "", false
	}
	if m := a.inline.FindStringSubmatch(text); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}
