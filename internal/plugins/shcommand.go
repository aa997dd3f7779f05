package plugins

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/fpt/klein-relay/internal/relay"
)

const (
	defaultShell        = "/bin/sh"
	defaultShTimeout    = 10 * time.Second
	defaultShMaxOutput  = 400
	defaultShErrorReply = "command failed"
	shFilterMultiline   = "multiline"
	shFilterFirst       = "first"
)

// ShCommand is one chat command backed by a shell command line. Arguments
// given in chat are quoted and appended to Command.
type ShCommand struct {
	Name    string        `yaml:"name"`
	Command string        `yaml:"command"`
	Filter  string        `yaml:"filter,omitempty" jsonschema:"enum=,enum=multiline,enum=first"`
	Error   string        `yaml:"error,omitempty" jsonschema:"description=reply when the command fails"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type ShCommandConfig struct {
	Shell     string        `yaml:"shell"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output" jsonschema:"description=longest reply in bytes"`
	Commands  []ShCommand   `yaml:"commands"`
}

func (c *ShCommandConfig) Defaults() {
	c.Shell = defaultShell
	c.Timeout = defaultShTimeout
	c.MaxOutput = defaultShMaxOutput
}

func (c *ShCommandConfig) Validate() error {
	if len(c.Commands) == 0 {
		return errors.New("at least one command is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	names := make(map[string]bool, len(c.Commands))
	for i, cmd := range c.Commands {
		name := strings.ToLower(cmd.Name)
		switch {
		case name == "":
			return fmt.Errorf("command #%d: name is required", i+1)
		case strings.TrimSpace(cmd.Command) == "":
			return fmt.Errorf("command %s: command line is required", cmd.Name)
		case names[name]:
			return fmt.Errorf("command %s: defined twice", cmd.Name)
		}
		switch cmd.Filter {
		case "", shFilterMultiline, shFilterFirst:
		default:
			return fmt.Errorf("command %s: unknown filter %q", cmd.Name, cmd.Filter)
		}
		names[name] = true
	}
	return nil
}

type shCommand struct {
	relay.CommandPlugin

	cfg      ShCommandConfig
	commands map[string]ShCommand
}

func newShCommand(s relay.Setup, cfg ShCommandConfig) (relay.Plugin, error) {
	p := &shCommand{cfg: cfg, commands: make(map[string]ShCommand, len(cfg.Commands))}
	for _, cmd := range cfg.Commands {
		if cmd.Error == "" {
			cmd.Error = defaultShErrorReply
		}
		if cmd.Timeout <= 0 {
			cmd.Timeout = cfg.Timeout
		}
		p.commands[strings.ToLower(cmd.Name)] = cmd
	}

	p.Init(s, p)
	p.Register(`(\S+)(?:\s+(.+))?`, true, p.run)
	return p, nil
}

func (p *shCommand) run(ctx context.Context, msg relay.Message, match []string) error {
	cmd, ok := p.commands[strings.ToLower(match[1])]
	if !ok {
		return nil
	}

	args, err := splitArgs(match[2])
	if err != nil {
		p.Logger().Warning("Invalid command arguments", "command", cmd.Name, "error", err)
		msg.Reply(cmd.Error)
		return nil
	}
	line := cmd.Command
	for _, arg := range args {
		line += " " + shellQuote(arg)
	}

	ctx, cancel := context.WithTimeout(ctx, cmd.Timeout)
	defer cancel()
	c := exec.CommandContext(ctx, p.cfg.Shell, "-c", line)
	c.WaitDelay = time.Second
	out, err := c.CombinedOutput()
	if err != nil {
		p.Logger().Error("Could not run command", "command", cmd.Name, "error", err, "output", strings.TrimSpace(string(out)))
		msg.Reply(cmd.Error)
		return nil
	}

	text := filterOutput(cmd.Filter, string(out))
	if p.cfg.MaxOutput > 0 && len(text) > p.cfg.MaxOutput {
		text = truncate(text, p.cfg.MaxOutput) + "..."
	}
	if text != "" {
		msg.Reply(text)
	}
	return nil
}

func filterOutput(filter, out string) string {
	out = strings.TrimRight(out, "\r\n")
	switch filter {
	case shFilterMultiline:
		return strings.Join(strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n"), " ")
	case shFilterFirst:
		first, _, _ := strings.Cut(out, "\n")
		return strings.TrimSpace(first)
	}
	return out
}

// splitArgs splits s into words honouring quotes and backslash escapes.
// Nothing is expanded, and an unquoted command operator is an error.
func splitArgs(s string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(s)
	if err != nil {
		return nil, err
	}
	if parser.Position >= 0 {
		return nil, errors.New("command operators must be quoted")
	}
	return args, nil
}

// shellQuote wraps s in single quotes so the shell passes it through
// as one literal word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
