package repository

import (
	"context"
	"time"
)

// SeenEntry is the last line a nick was seen saying
type SeenEntry struct {
	Who     string
	Channel string
	Text    string
	At      time.Time
}

// SeenRepository abstracts last-seen persistence. Lookups are case
// insensitive on Who.
type SeenRepository interface {
	Record(ctx context.Context, entry SeenEntry) error
	Lookup(ctx context.Context, who string) (SeenEntry, bool, error)
	Close() error
}
