// Package plugins holds the plugin types the relay ships with: chat
// transports, command plugins, pollers and passive watchers.
package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/pkg/agent"
)

// RegisterAll adds every built-in plugin type to reg.
func RegisterAll(reg *relay.Registry) {
	// transports
	relay.Register(reg, "console", "reads direct messages from the terminal", newConsole)
	relay.Register(reg, "discord", "relays Discord channels", newDiscord)
	relay.Register(reg, "webhook", "HTTP endpoint for posting and reading messages", newWebhook)
	relay.Register(reg, "redisbridge", "relays messages through Redis streams", newRedisBridge)

	// routing
	relay.Register(reg, "addressing", "turns \"name: cmd\" and \"!cmd\" into direct commands", newAddressing)
	relay.Register(reg, "bridge", "copies messages between channels", newBridge)

	// commands
	relay.Register(reg, "echo", "replies with configured text", newEcho)
	relay.Register(reg, "listplugins", "lists running plugins", newListPlugins)
	relay.Register(reg, "kill", "shuts the relay down", newKill)
	relay.Register(reg, "crash", "crashes on command", newCrash)
	relay.Register(reg, "reload", "rebuilds plugins from the config file", registerReload(reg))
	relay.Register(reg, "remind", "delivers notes when someone next speaks", newRemind)
	relay.Register(reg, "seen", "tracks when people last spoke", newSeen)
	relay.Register(reg, "snippet", "remembers quotes by key", newSnippet)
	relay.Register(reg, "shcommand", "runs configured shell commands", newShCommand)
	relay.Register(reg, "ask", "answers questions with an LLM", newAsk)

	// pollers and watchers
	relay.Register(reg, "heartbeat", "sends text on an interval", newHeartbeat)
	relay.Register(reg, "gitwatch", "announces new commits", newGitWatch)
	relay.Register(reg, "linktitle", "replies with the titles of linked pages", newLinkTitle)
}

// asDaemon makes a plugin a daemon unless its config says otherwise.
func asDaemon(s relay.Setup) relay.Setup {
	s.Options = append([]agent.Option{agent.WithDaemon(true)}, s.Options...)
	return s
}

// dataPath places a plugin data file next to the default config.
func dataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".klein", "relay", name)
	}
	return filepath.Join(home, ".klein", "relay", name)
}

var strictPolicy = bluemonday.StrictPolicy()

// plainText strips markup from s, decodes entities and collapses
// whitespace into single spaces.
func plainText(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(strictPolicy.Sanitize(s))), " ")
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
