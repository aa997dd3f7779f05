package plugins

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fpt/klein-relay/internal/relay"
)

var ginMode sync.Once

// WebhookConfig sets up the HTTP transport.
type WebhookConfig struct {
	Listen     string `yaml:"listen"`
	Token      string `yaml:"token,omitempty" jsonschema:"description=bearer token required on every request"`
	Author     string `yaml:"author" jsonschema:"description=author used when a request names none"`
	OutboxSize int    `yaml:"outbox_size" jsonschema:"description=messages kept per channel"`
}

func (c *WebhookConfig) Defaults() {
	c.Listen = "127.0.0.1:8080"
	c.Author = "webhook"
	c.OutboxSize = 100
}

func (c *WebhookConfig) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.OutboxSize < 1 {
		return errors.New("outbox_size must be positive")
	}
	return nil
}

// OutboxEntry is one line the relay produced for a channel.
type OutboxEntry struct {
	Seq     int64     `json:"seq"`
	Channel string    `json:"channel"`
	Kind    string    `json:"kind"` // "outgoing" or "reply"
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

type postMessageRequest struct {
	Channels []string `json:"channels"`
	Author   string   `json:"author"`
	Text     string   `json:"text" binding:"required"`
	Direct   bool     `json:"direct"`
}

// webhook accepts messages over HTTP and keeps what the relay sends back
// in a bounded per-channel outbox for clients to poll.
type webhook struct {
	relay.Base

	cfg    WebhookConfig
	engine *gin.Engine

	mu     sync.Mutex
	seq    int64
	outbox map[string][]OutboxEntry
	server *http.Server
}

func newWebhook(s relay.Setup, cfg WebhookConfig) (relay.Plugin, error) {
	ginMode.Do(func() { gin.SetMode(gin.ReleaseMode) })

	w := &webhook{cfg: cfg, outbox: make(map[string][]OutboxEntry)}
	w.Init(asDaemon(s), w)
	w.engine = w.routes()
	return w, nil
}

func (w *webhook) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), w.logRequests())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	if w.cfg.Token != "" {
		v1.Use(bearerAuth(w.cfg.Token))
	}
	v1.POST("/messages", w.postMessage)
	v1.GET("/channels/:channel/messages", w.listMessages)
	return r
}

// Handler exposes the HTTP API without a listener.
func (w *webhook) Handler() http.Handler { return w.engine }

func (w *webhook) OnStart(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.cfg.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: w.engine, ReadHeaderTimeout: 10 * time.Second}

	w.mu.Lock()
	w.server = srv
	w.mu.Unlock()

	w.Logger().Message("Webhook listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.Logger().Error("Webhook server failed", "error", err)
		}
	}()
	return nil
}

func (w *webhook) OnStop(ctx context.Context) {
	w.mu.Lock()
	srv := w.server
	w.server = nil
	w.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		w.Logger().Warning("Webhook shutdown failed", "error", err)
	}
}

func (w *webhook) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	text := plainText(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"err": "empty text"})
		return
	}
	channels := req.Channels
	if len(channels) == 0 {
		channels = w.Channels()
	}
	if len(channels) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "no channel"})
		return
	}
	author := strings.TrimSpace(req.Author)
	if author == "" {
		author = w.cfg.Author
	}

	replyTo := channels[0]
	msg := relay.Message{
		Channels: channels,
		Author:   author,
		Text:     text,
		Direct:   req.Direct,
		Time:     time.Now(),
		Reply: func(text string) {
			w.record(replyTo, "reply", text)
		},
	}
	if err := w.Queue(c.Request.Context(), func(ctx context.Context) error {
		return w.Parent().HandleIncoming(ctx, msg)
	}); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "reply_channel": replyTo})
}

func (w *webhook) listMessages(c *gin.Context) {
	channel := c.Param("channel")
	var since int64
	if s := c.Query("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"err": "bad since"})
			return
		}
		since = n
	}

	w.mu.Lock()
	entries := make([]OutboxEntry, 0, len(w.outbox[channel]))
	for _, e := range w.outbox[channel] {
		if e.Seq > since {
			entries = append(entries, e)
		}
	}
	w.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"channel": channel, "messages": entries})
}

func (w *webhook) SendOutgoing(ctx context.Context, channel, text string) error {
	w.record(channel, "outgoing", text)
	return nil
}

func (w *webhook) record(channel, kind, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	box := append(w.outbox[channel], OutboxEntry{Seq: w.seq, Channel: channel, Kind: kind, Text: text, Time: time.Now()})
	if len(box) > w.cfg.OutboxSize {
		box = box[len(box)-w.cfg.OutboxSize:]
	}
	w.outbox[channel] = box
}

func (w *webhook) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		w.Logger().Verbose("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

func bearerAuth(token string) gin.HandlerFunc {
	want := []byte("Bearer " + token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"err": "unauthorized"})
			return
		}
		c.Next()
	}
}
