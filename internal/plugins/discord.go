package plugins

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/fpt/klein-relay/internal/relay"
)

const discordMaxMessage = 2000

// DiscordConfig holds the bot token and the mapping between relay
// channels and Discord channel IDs.
type DiscordConfig struct {
	Token           string              `yaml:"token" jsonschema:"description=bot token; defaults to $DISCORD_TOKEN"`
	Channels        map[string][]string `yaml:"channels" jsonschema:"description=relay channel to Discord channel IDs"`
	DMChannel       string              `yaml:"dm_channel,omitempty" jsonschema:"description=relay channel for direct messages; empty ignores them"`
	AllowedGuildIDs []string            `yaml:"allowed_guild_ids,omitempty"`
	AllowedUserIDs  []string            `yaml:"allowed_user_ids,omitempty"`
	MentionOnly     bool                `yaml:"mention_only" jsonschema:"description=in guilds only relay messages that mention the bot"`
}

func (c *DiscordConfig) Defaults() { c.Token = os.Getenv("DISCORD_TOKEN") }

func (c *DiscordConfig) Validate() error {
	if c.Token == "" {
		return errors.New("token is required (or set DISCORD_TOKEN)")
	}
	if len(c.Channels) == 0 && c.DMChannel == "" {
		return errors.New("channels or dm_channel must be set")
	}
	return nil
}

// discordSession is the part of *discordgo.Session the transport uses.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// discord relays messages between Discord channels and relay channels.
// Messages that mention the bot, and DMs, are direct.
type discord struct {
	relay.Base

	session     discordSession
	cfg         DiscordConfig
	byDiscordID map[string][]string // Discord channel ID -> relay channels
	allowGuilds map[string]bool
	allowUsers  map[string]bool

	mu        sync.Mutex
	botUserID string
}

func newDiscord(s relay.Setup, cfg DiscordConfig) (relay.Plugin, error) {
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, relay.ConfigErrorf(s.Name, "token", "failed to create discord session: %v", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	d := newDiscordWithSession(s, cfg, dg)
	dg.AddHandler(d.handleReady)
	dg.AddHandler(d.handleMessage)
	return d, nil
}

func newDiscordWithSession(s relay.Setup, cfg DiscordConfig, session discordSession) *discord {
	d := &discord{
		session:     session,
		cfg:         cfg,
		byDiscordID: make(map[string][]string),
		allowGuilds: toSet(cfg.AllowedGuildIDs),
		allowUsers:  toSet(cfg.AllowedUserIDs),
	}
	d.Init(asDaemon(s), d)

	for _, channel := range slices.Sorted(maps.Keys(cfg.Channels)) {
		d.Subscribe(channel)
		for _, id := range cfg.Channels[channel] {
			d.byDiscordID[id] = append(d.byDiscordID[id], channel)
		}
	}
	if cfg.DMChannel != "" {
		d.Subscribe(cfg.DMChannel)
	}
	return d
}

func (d *discord) OnStart(ctx context.Context) error {
	d.Logger().Message("Connecting to Discord")
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}
	return nil
}

func (d *discord) OnStop(ctx context.Context) {
	if err := d.session.Close(); err != nil {
		d.Logger().Warning("Failed to close discord connection", "error", err)
	}
}

func (d *discord) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	d.setBotUserID(r.User.ID)
	d.Logger().Message("Discord bot connected", "user", r.User.Username)
}

func (d *discord) setBotUserID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.botUserID = id
}

func (d *discord) botID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.botUserID
}

// handleMessage runs on discordgo's goroutines; the message is handed to
// the plugin loop before it reaches the relay.
func (d *discord) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := d.toMessage(m)
	if !ok {
		return
	}
	if err := d.Queue(context.Background(), func(ctx context.Context) error {
		return d.Parent().HandleIncoming(ctx, msg)
	}); err != nil {
		d.Logger().Warning("Dropped discord message", "error", err)
	}
}

func (d *discord) toMessage(m *discordgo.MessageCreate) (relay.Message, bool) {
	if m.Author == nil || m.Author.Bot {
		return relay.Message{}, false
	}
	botID := d.botID()
	if m.Author.ID == botID {
		return relay.Message{}, false
	}
	if len(d.allowUsers) > 0 && !d.allowUsers[m.Author.ID] {
		return relay.Message{}, false
	}

	var (
		channels []string
		direct   bool
	)
	if m.GuildID == "" {
		if d.cfg.DMChannel == "" {
			return relay.Message{}, false
		}
		channels, direct = []string{d.cfg.DMChannel}, true
	} else {
		if len(d.allowGuilds) > 0 && !d.allowGuilds[m.GuildID] {
			return relay.Message{}, false
		}
		channels = d.byDiscordID[m.ChannelID]
		direct = isBotMentioned(m.Mentions, botID)
		if len(channels) == 0 || (d.cfg.MentionOnly && !direct) {
			return relay.Message{}, false
		}
	}

	text := m.Content
	if botID != "" {
		text = strings.ReplaceAll(text, "<@"+botID+">", "")
		text = strings.ReplaceAll(text, "<@!"+botID+">", "")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return relay.Message{}, false
	}

	channelID, messageID := m.ChannelID, m.ID
	return relay.Message{
		Channels: channels,
		Author:   m.Author.Username,
		Text:     text,
		Direct:   direct,
		Time:     m.Timestamp,
		Reply: func(text string) {
			d.send(channelID, messageID, text)
		},
	}, true
}

// SendOutgoing posts text to every Discord channel mapped to channel.
func (d *discord) SendOutgoing(ctx context.Context, channel, text string) error {
	for id, channels := range d.byDiscordID {
		if slices.Contains(channels, channel) {
			d.send(id, "", text)
		}
	}
	return nil
}

// send queues a post on the plugin loop. Failures are logged so a flaky
// connection never takes the transport down.
func (d *discord) send(channelID, replyTo, text string) {
	err := d.Queue(context.Background(), func(ctx context.Context) error {
		for i, chunk := range splitMessage(text, discordMaxMessage) {
			var err error
			if i == 0 && replyTo != "" {
				ref := &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
				_, err = d.session.ChannelMessageSendReply(channelID, chunk, ref)
			} else {
				_, err = d.session.ChannelMessageSend(channelID, chunk)
			}
			if err != nil {
				d.Logger().Warning("Failed to send discord message", "channel", channelID, "error", err)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		d.Logger().Warning("Dropped discord send", "channel", channelID, "error", err)
	}
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		for cutAt > 1 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > 0 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func isBotMentioned(mentions []*discordgo.User, botID string) bool {
	if botID == "" {
		return false
	}
	for _, u := range mentions {
		if u.ID == botID {
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
