package plugins

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/pkg/agent"
)

// ConsoleConfig sets up the terminal transport.
type ConsoleConfig struct {
	Author    string `yaml:"author" jsonschema:"description=name messages from the terminal are sent as"`
	Prompt    string `yaml:"prompt"`
	History   string `yaml:"history,omitempty" jsonschema:"description=readline history file"`
	QuitOnEOF bool   `yaml:"quit_on_eof" jsonschema:"description=stop the relay when input ends"`
}

func (c *ConsoleConfig) Defaults() {
	c.Author = os.Getenv("USER")
	if c.Author == "" {
		c.Author = "console"
	}
	c.Prompt = "> "
	c.QuitOnEOF = true
}

// console reads lines from the terminal and sends them as direct messages
// on its channels. Replies and outgoing text are printed.
type console struct {
	relay.Base

	cfg ConsoleConfig
	in  io.Reader

	mu   sync.Mutex
	out  io.Writer
	rl   *readline.Instance
	stop chan struct{}
}

func newConsole(s relay.Setup, cfg ConsoleConfig) (relay.Plugin, error) {
	return newConsoleWithIO(s, cfg, os.Stdin, os.Stdout), nil
}

func newConsoleWithIO(s relay.Setup, cfg ConsoleConfig, in io.Reader, out io.Writer) *console {
	c := &console{cfg: cfg, in: in, out: out}
	c.Init(asDaemon(s), c)
	return c
}

// OnStart starts the reader goroutine. An interactive terminal gets a
// line editor; anything else is read line by line.
func (c *console) OnStart(ctx context.Context) error {
	stop := make(chan struct{})
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()

	next, err := c.lineSource(stop)
	if err != nil {
		return err
	}

	ctx = agent.Detach(ctx)
	go func() {
		for {
			line, err := next()
			if errors.Is(err, errConsoleStopped) {
				return
			}
			if err != nil {
				select {
				case <-stop:
					return
				default:
				}
				if !errors.Is(err, io.EOF) {
					c.Logger().Warning("Console input failed", "error", err)
				}
				_ = c.Queue(ctx, c.handleEOF)
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := c.Queue(ctx, func(ctx context.Context) error {
				return c.handleLine(ctx, line)
			}); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *console) lineSource(stop <-chan struct{}) (func() (string, error), error) {
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          c.cfg.Prompt,
			HistoryFile:     c.cfg.History,
			HistoryLimit:    2000,
			InterruptPrompt: "^C",
			EOFPrompt:       "exit",
			Stdin:           f,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize line editor: %w", err)
		}
		c.mu.Lock()
		c.rl = rl
		c.out = rl.Stdout()
		c.mu.Unlock()

		return func() (string, error) {
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if len(line) == 0 {
						return "", io.EOF
					}
					continue
				}
				return line, err
			}
		}, nil
	}

	feed := feedFor(c.in)
	return func() (string, error) {
		select {
		case <-stop:
			return "", errConsoleStopped
		default:
		}
		select {
		case line := <-feed.lines:
			return line, nil
		case <-feed.done:
			return "", feed.err
		case <-stop:
			return "", errConsoleStopped
		}
	}, nil
}

var errConsoleStopped = errors.New("console stopped")

// lineFeed reads one input stream on behalf of every console using it.
// A line is only taken off the feed by a running console, so a console
// that replaces another on reload picks up where the old one stopped.
type lineFeed struct {
	lines chan string
	done  chan struct{}
	err   error
}

var (
	feedsMu sync.Mutex
	feeds   = make(map[io.Reader]*lineFeed)
)

func feedFor(r io.Reader) *lineFeed {
	feedsMu.Lock()
	defer feedsMu.Unlock()
	if f, ok := feeds[r]; ok {
		return f
	}

	f := &lineFeed{lines: make(chan string), done: make(chan struct{})}
	feeds[r] = f
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			f.lines <- scanner.Text()
		}
		f.err = scanner.Err()
		if f.err == nil {
			f.err = io.EOF
		}

		feedsMu.Lock()
		delete(feeds, r)
		feedsMu.Unlock()
		close(f.done)
	}()
	return f
}

func (c *console) handleLine(ctx context.Context, line string) error {
	return c.Parent().HandleIncoming(ctx, relay.Message{
		Channels: c.Channels(),
		Author:   c.cfg.Author,
		Text:     line,
		Direct:   true,
		Reply:    c.print,
	})
}

func (c *console) handleEOF(ctx context.Context) error {
	if !c.cfg.QuitOnEOF {
		c.Logger().Verbose("Console input closed")
		return nil
	}
	c.Logger().Message("Console input closed, shutting down")
	c.Parent().Stop()
	return nil
}

func (c *console) SendOutgoing(ctx context.Context, channel, text string) error {
	c.print("[" + channel + "] " + text)
	return nil
}

func (c *console) print(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}

func (c *console) OnStop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.rl != nil {
		c.rl.Close()
		c.rl = nil
	}
}
