package relay

import (
	"time"
)

// DefaultChannel receives operator notices such as plugin crashes.
const DefaultChannel = "default"

// ReplyFunc answers a message on whatever transport it arrived from.
type ReplyFunc func(text string)

// Message is an incoming chat line routed by channel intersection.
type Message struct {
	Channels []string
	Author   string // empty when the transport has no author
	Text     string
	Direct   bool // addressed to the relay itself
	Reply    ReplyFunc
	Time     time.Time
}

// Normalize fills the zero fields a transport may leave out.
func (m Message) Normalize() Message {
	if m.Reply == nil {
		m.Reply = func(string) {}
	}
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	return m
}

// WithChannels returns a copy of m addressed to channels.
func (m Message) WithChannels(channels []string) Message {
	m.Channels = channels
	return m
}

// intersect returns the members of subscribed that appear in channels,
// in subscription order.
func intersect(subscribed, channels []string) []string {
	if len(subscribed) == 0 || len(channels) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		want[c] = struct{}{}
	}
	var out []string
	for _, c := range subscribed {
		if _, ok := want[c]; ok {
			out = append(out, c)
		}
	}
	return out
}
