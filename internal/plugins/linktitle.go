package plugins

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fpt/klein-relay/internal/relay"
)

const maxTitleRunes = 200

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]]+`)

// LinkTitleConfig bounds the fetching done for each message.
type LinkTitleConfig struct {
	MaxURLs   int           `yaml:"max_urls" jsonschema:"description=links looked up per message"`
	MaxBytes  int64         `yaml:"max_bytes" jsonschema:"description=largest page body read"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheSize int           `yaml:"cache_size"`
	UserAgent string        `yaml:"user_agent"`
}

func (c *LinkTitleConfig) Defaults() {
	c.MaxURLs = 3
	c.MaxBytes = 512 * 1024
	c.Timeout = 10 * time.Second
	c.CacheSize = 128
	c.UserAgent = "Mozilla/5.0 (compatible; klein-relay link titles)"
}

func (c *LinkTitleConfig) Validate() error {
	if c.MaxURLs < 1 || c.MaxBytes < 1 || c.CacheSize < 1 {
		return fmt.Errorf("max_urls, max_bytes and cache_size must be positive")
	}
	return nil
}

// linkTitle replies with the titles of pages linked in public messages.
type linkTitle struct {
	relay.PassivePlugin

	cfg    LinkTitleConfig
	client *http.Client
	titles *lru.Cache[string, string]
}

func newLinkTitle(s relay.Setup, cfg LinkTitleConfig) (relay.Plugin, error) {
	titles, err := lru.New[string, string](cfg.CacheSize)
	if err != nil {
		return nil, relay.ConfigErrorf(s.Name, "cache_size", "%v", err)
	}
	l := &linkTitle{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		titles: titles,
	}
	l.Init(s, l)
	l.SetSkipDirect(true)
	l.RegisterPattern(urlPattern.String(), l.announce)
	return l, nil
}

func (l *linkTitle) announce(ctx context.Context, msg relay.Message, _ []string) (bool, error) {
	urls := urlPattern.FindAllString(msg.Text, l.cfg.MaxURLs)
	for _, u := range urls {
		u = strings.TrimRight(u, ".,;:!?")
		title, err := l.title(ctx, u)
		if err != nil {
			l.Logger().Verbose("No title for link", "url", u, "error", err)
			continue
		}
		if title != "" {
			msg.Reply("Title: " + title)
		}
	}
	return false, nil
}

func (l *linkTitle) title(ctx context.Context, u string) (string, error) {
	if t, ok := l.titles.Get(u); ok {
		return t, nil
	}
	t, err := l.fetchTitle(ctx, u)
	if err != nil {
		return "", err
	}
	l.titles.Add(u, t)
	return t, nil
}

func (l *linkTitle) fetchTitle(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", l.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil && mt != "text/html" && mt != "application/xhtml+xml" {
			return "", fmt.Errorf("not a web page: %s", mt)
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, l.cfg.MaxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	return shortTitle(plainText(extractTitle(doc))), nil
}

func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("head title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return t
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func shortTitle(title string) string {
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes]) + "..."
	}
	return title
}
