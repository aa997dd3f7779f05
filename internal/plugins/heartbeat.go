package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fpt/klein-relay/internal/relay"
)

// HeartbeatConfig defines periodic text sent to the plugin's channels.
type HeartbeatConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Text       string        `yaml:"text"`
	AsIncoming bool          `yaml:"as_incoming" jsonschema:"description=inject the text as a direct message, for example a scheduled command"`
}

func (c *HeartbeatConfig) Defaults() { c.Interval = time.Hour }

func (c *HeartbeatConfig) Validate() error {
	if c.Text == "" {
		return errors.New("text is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	return nil
}

// heartbeat sends its text every interval. As an incoming message it runs
// through the other plugins like a command, with replies going to the
// heartbeat's channels.
type heartbeat struct {
	relay.PollPlugin
	cfg HeartbeatConfig
}

func newHeartbeat(s relay.Setup, cfg HeartbeatConfig) (relay.Plugin, error) {
	h := &heartbeat{cfg: cfg}
	h.InitPoll(s, h, cfg.Interval)
	return h, nil
}

func (h *heartbeat) Poll(ctx context.Context) error {
	channels := h.Channels()
	h.Logger().Verbose("Heartbeat", "channels", channels)
	parent := h.Parent()

	if !h.cfg.AsIncoming {
		for _, ch := range channels {
			if err := parent.SendOutgoing(ctx, ch, h.cfg.Text); err != nil {
				return err
			}
		}
		return nil
	}

	return parent.HandleIncoming(ctx, relay.Message{
		Channels: channels,
		Author:   "heartbeat",
		Text:     h.cfg.Text,
		Direct:   true,
		Time:     time.Now(),
		Reply: func(text string) {
			for _, ch := range channels {
				if err := parent.SendOutgoing(context.Background(), ch, text); err != nil {
					h.Logger().Warning("Failed to send heartbeat reply", "channel", ch, "error", err)
				}
			}
		},
	})
}
