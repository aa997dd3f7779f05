package plugins

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/pkg/agent"
)

// BridgeConfig joins input channels to output channels.
type BridgeConfig struct {
	Inputs  []string `yaml:"inputs" jsonschema:"description=channels whose traffic is bridged"`
	Outputs []string `yaml:"outputs" jsonschema:"description=channels the bridged traffic is re-emitted on"`
}

func (c *BridgeConfig) Validate() error {
	if len(c.Inputs) == 0 || len(c.Outputs) == 0 {
		return errors.New("inputs and outputs must both be set")
	}
	for _, ch := range c.Inputs {
		if slices.Contains(c.Outputs, ch) {
			return fmt.Errorf("channel %q is both an input and an output", ch)
		}
	}
	return nil
}

// bridge links a group of input channels, which see each other's public
// traffic, to output channels where plugins such as commands listen.
// Text sent to an output is copied to every input.
type bridge struct {
	relay.Base

	inputs  []string
	outputs []string
}

func newBridge(s relay.Setup, cfg BridgeConfig) (relay.Plugin, error) {
	b := &bridge{inputs: cfg.Inputs, outputs: cfg.Outputs}
	b.Init(s, b)
	for _, ch := range slices.Concat(cfg.Inputs, cfg.Outputs) {
		b.Subscribe(ch)
	}
	return b, nil
}

func (b *bridge) HandleIncoming(ctx context.Context, msg relay.Message) error {
	var from, other []string
	for _, ch := range msg.Channels {
		if slices.Contains(b.inputs, ch) {
			from = append(from, ch)
		} else {
			other = append(other, ch)
		}
	}
	if len(from) == 0 {
		return nil
	}

	msg = msg.Normalize()
	parent := b.Parent()
	// direct usually means private, so only public traffic is shared
	if !msg.Direct {
		line := msg.Text
		if msg.Author != "" {
			line = "<" + msg.Author + "> " + msg.Text
		}
		for _, ch := range b.inputs {
			if slices.Contains(from, ch) {
				continue
			}
			if err := parent.SendOutgoing(ctx, ch, line); err != nil {
				return err
			}
		}
		// replies may come from another plugin's loop
		replyCtx := agent.Detach(ctx)
		msg.Reply = func(text string) {
			for _, ch := range b.inputs {
				if err := parent.SendOutgoing(replyCtx, ch, text); err != nil {
					b.Logger().Warning("Failed to bridge reply", "channel", ch, "error", err)
				}
			}
		}
	}

	channels := slices.Clone(b.outputs)
	for _, ch := range other {
		if !slices.Contains(channels, ch) {
			channels = append(channels, ch)
		}
	}
	return parent.HandleIncoming(ctx, msg.WithChannels(channels))
}

func (b *bridge) SendOutgoing(ctx context.Context, channel, text string) error {
	if !slices.Contains(b.outputs, channel) {
		return nil
	}
	for _, ch := range b.inputs {
		if err := b.Parent().SendOutgoing(ctx, ch, text); err != nil {
			return err
		}
	}
	return nil
}
