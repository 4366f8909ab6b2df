package notifier

import (
	"context"
	"time"

	kit "terminbot/internal/transport"
)

// Config controls the pipeline. Zero values take defaults.
type Config struct {
	Workers    int // default 2
	QueueSize  int // default 512
	RatePerSec int // default 3

	// DedupWindow suppresses repeated operator alerts with identical
	// content. 0 disables dedup.
	DedupWindow     time.Duration
	DedupMaxEntries int // cap on the in-memory dedup map, default 2000
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// DedupStore persists alert suppression windows across restarts.
// *storage.Store satisfies it; nil keeps dedup in-memory only.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At   time.Time
	Kind kit.NoticeKind
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle
// events (queued, sent, failed, dropped, deduped).
type NotificationEvent struct {
	Kind      kit.NoticeKind `json:"kind"`
	ChatID    int64          `json:"chat_id"`
	Key       string         `json:"key,omitempty"`
	At        time.Time      `json:"at"`
	Error     string         `json:"error,omitempty"`
	Permanent bool           `json:"permanent,omitempty"`
}
