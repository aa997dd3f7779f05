package plugins

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/pkg/agent"
)

// RedisBridgeConfig names the Redis streams messages travel on.
type RedisBridgeConfig struct {
	URL       string        `yaml:"url"`
	InStream  string        `yaml:"in_stream" jsonschema:"description=stream read for incoming messages"`
	OutStream string        `yaml:"out_stream" jsonschema:"description=stream outgoing text and replies are added to"`
	MaxLen    int64         `yaml:"max_len" jsonschema:"description=approximate length the out stream is trimmed to"`
	Block     time.Duration `yaml:"block" jsonschema:"description=how long one XREAD waits for entries"`
	StartID   string        `yaml:"start_id" jsonschema:"description=stream ID to read after; $ reads only new entries"`
}

func (c *RedisBridgeConfig) Defaults() {
	c.URL = "redis://localhost:6379/0"
	c.InStream = "relay.in"
	c.OutStream = "relay.out"
	c.MaxLen = 1000
	c.Block = 5 * time.Second
	c.StartID = "$"
}

func (c *RedisBridgeConfig) Validate() error {
	if c.InStream == "" || c.OutStream == "" {
		return errors.New("in_stream and out_stream are required")
	}
	if c.InStream == c.OutStream {
		return errors.New("in_stream and out_stream must differ")
	}
	if c.Block <= 0 {
		return fmt.Errorf("block must be positive, got %v", c.Block)
	}
	return nil
}

// redisBridge feeds entries of one Redis stream into the relay and adds
// outgoing text and replies to another.
type redisBridge struct {
	relay.Base

	cfg RedisBridgeConfig
	rdb *redis.Client
}

func newRedisBridge(s relay.Setup, cfg RedisBridgeConfig) (relay.Plugin, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, relay.ConfigErrorf(s.Name, "url", "%v", err)
	}
	b := &redisBridge{cfg: cfg, rdb: redis.NewClient(opt)}
	b.Init(asDaemon(s), b)
	return b, nil
}

func (b *redisBridge) OnStart(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	b.Logger().Message("Redis bridge connected", "in", b.cfg.InStream, "out", b.cfg.OutStream)
	go b.listen(agent.Detach(ctx))
	return nil
}

func (b *redisBridge) OnStop(ctx context.Context) {
	if err := b.rdb.Close(); err != nil {
		b.Logger().Warning("Failed to close redis client", "error", err)
	}
}

// listen reads the in stream until ctx ends, queueing every entry on the
// plugin loop.
func (b *redisBridge) listen(ctx context.Context) {
	lastID := b.cfg.StartID
	for ctx.Err() == nil {
		streams, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.cfg.InStream, lastID},
			Count:   10,
			Block:   b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.Logger().Warning("Error reading stream", "stream", b.cfg.InStream, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				msg, err := entryToMessage(entry.Values, b.Channels())
				if err != nil {
					b.Logger().Warning("Skipping stream entry", "id", entry.ID, "error", err)
					continue
				}
				id, replyTo := entry.ID, msg.Channels[0]
				msg.Reply = func(text string) {
					b.publish(replyTo, "reply", text, id)
				}
				if err := b.Queue(ctx, func(ctx context.Context) error {
					return b.Parent().HandleIncoming(ctx, msg)
				}); err != nil {
					return
				}
			}
		}
	}
}

func (b *redisBridge) SendOutgoing(ctx context.Context, channel, text string) error {
	b.publish(channel, "outgoing", text, "")
	return nil
}

// publish adds an entry to the out stream from the plugin loop.
func (b *redisBridge) publish(channel, kind, text, replyTo string) {
	values := outgoingValues(channel, kind, text, replyTo, time.Now())
	err := b.Queue(context.Background(), func(ctx context.Context) error {
		err := b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: b.cfg.OutStream,
			MaxLen: b.cfg.MaxLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			b.Logger().Warning("Failed to publish", "stream", b.cfg.OutStream, "error", err)
		}
		return nil
	})
	if err != nil {
		b.Logger().Warning("Dropped outgoing entry", "channel", channel, "error", err)
	}
}

// entryToMessage decodes an in-stream entry. "channels" is a comma
// separated list and defaults to fallback; "text" is required.
func entryToMessage(values map[string]any, fallback []string) (relay.Message, error) {
	field := func(key string) string {
		s, _ := values[key].(string)
		return strings.TrimSpace(s)
	}

	text := field("text")
	if text == "" {
		return relay.Message{}, errors.New("missing text")
	}
	var channels []string
	for _, ch := range strings.Split(field("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		channels = fallback
	}
	if len(channels) == 0 {
		return relay.Message{}, errors.New("no channel")
	}

	msg := relay.Message{Channels: channels, Author: field("author"), Text: text, Time: time.Now()}
	if d := field("direct"); d != "" {
		direct, err := strconv.ParseBool(d)
		if err != nil {
			return relay.Message{}, fmt.Errorf("bad direct flag %q", d)
		}
		msg.Direct = direct
	}
	if ts := field("time"); ts != "" {
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			msg.Time = time.Unix(sec, 0)
		}
	}
	return msg, nil
}

func outgoingValues(channel, kind, text, replyTo string, at time.Time) map[string]any {
	values := map[string]any{
		"channel": channel,
		"kind":    kind,
		"text":    text,
		"time":    at.Unix(),
	}
	if replyTo != "" {
		values["reply_to"] = replyTo
	}
	return values
}
