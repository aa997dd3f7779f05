package plugins

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/pkg/client"
)

const defaultAskSystem = "You are a chat bot in a group chat. Answer in a few short sentences without markdown."

// AskConfig selects the LLM backend the ask command talks to.
type AskConfig struct {
	client.Settings `yaml:",inline"`

	System     string        `yaml:"system" jsonschema:"description=system prompt"`
	Timeout    time.Duration `yaml:"timeout"`
	History    int           `yaml:"history" jsonschema:"description=earlier exchanges sent along per speaker; 0 disables"`
	SessionTTL time.Duration `yaml:"session_ttl" jsonschema:"description=idle time after which a speaker's history is dropped"`
}

func (c *AskConfig) Defaults() {
	c.System = defaultAskSystem
	c.Timeout = time.Minute
	c.History = 4
	c.SessionTTL = 30 * time.Minute
}

func (c *AskConfig) Validate() error {
	if c.History < 0 {
		return errors.New("history must not be negative")
	}
	return nil
}

type exchange struct {
	question, answer string
}

// askSession is one speaker's conversation on one channel.
type askSession struct {
	exchanges    []exchange
	lastActivity time.Time
}

type ask struct {
	relay.CommandPlugin

	completer client.Completer
	cfg       AskConfig
	now       func() time.Time

	// only touched from the plugin loop
	sessions map[string]*askSession
}

func newAsk(s relay.Setup, cfg AskConfig) (relay.Plugin, error) {
	completer, err := client.NewCompleter(cfg.Settings)
	if err != nil {
		return nil, relay.ConfigErrorf(s.Name, "backend", "%v", err)
	}
	return newAskWithCompleter(s, cfg, completer), nil
}

func newAskWithCompleter(s relay.Setup, cfg AskConfig, completer client.Completer) *ask {
	a := &ask{completer: completer, cfg: cfg, now: time.Now, sessions: make(map[string]*askSession)}
	a.Init(s, a)
	a.Register(`ask\s+reset`, true, a.reset)
	a.Register(`ask\s+(.+)`, true, a.ask)
	return a
}

func sessionKey(msg relay.Message) string {
	channel := ""
	if len(msg.Channels) > 0 {
		channel = msg.Channels[0]
	}
	return channel + "\x00" + strings.ToLower(msg.Author)
}

// session returns the live session for key, dropping it first when it
// has been idle longer than the TTL.
func (a *ask) session(key string) *askSession {
	now := a.now()
	s, ok := a.sessions[key]
	if ok && a.cfg.SessionTTL > 0 && now.Sub(s.lastActivity) > a.cfg.SessionTTL {
		ok = false
	}
	if !ok {
		s = &askSession{}
		a.sessions[key] = s
	}
	s.lastActivity = now
	return s
}

func (a *ask) reset(ctx context.Context, msg relay.Message, _ []string) error {
	delete(a.sessions, sessionKey(msg))
	msg.Reply("Conversation forgotten.")
	return nil
}

func (a *ask) ask(ctx context.Context, msg relay.Message, match []string) error {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	question := strings.TrimSpace(match[1])
	s := a.session(sessionKey(msg))

	start := time.Now()
	answer, err := a.completer.Complete(ctx, a.cfg.System, buildPrompt(s.exchanges, msg.Author, question))
	if err != nil {
		a.Logger().Warning("Completion failed", "model", a.completer.ModelID(), "error", err)
		msg.Reply("ask failed: " + err.Error())
		return nil
	}
	a.Logger().Verbose("Completion finished", "model", a.completer.ModelID(), "elapsed", time.Since(start), "history", len(s.exchanges))

	answer = strings.TrimSpace(answer)
	if answer == "" {
		msg.Reply("I have nothing to say about that.")
		return nil
	}
	if a.cfg.History > 0 {
		s.exchanges = append(s.exchanges, exchange{question: question, answer: answer})
		if len(s.exchanges) > a.cfg.History {
			s.exchanges = s.exchanges[len(s.exchanges)-a.cfg.History:]
		}
	}
	msg.Reply(answer)
	return nil
}

// buildPrompt prefixes question with the earlier exchanges, if any.
func buildPrompt(history []exchange, author, question string) string {
	if len(history) == 0 {
		return question
	}
	if author == "" {
		author = "user"
	}

	var sb strings.Builder
	sb.WriteString("[EARLIER IN THIS CONVERSATION]\n")
	for _, e := range history {
		sb.WriteString(author + ": " + e.question + "\n")
		sb.WriteString("you: " + e.answer + "\n")
	}
	sb.WriteString("[END]\n\n")
	sb.WriteString(question)
	return sb.String()
}
