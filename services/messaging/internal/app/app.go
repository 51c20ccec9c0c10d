package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flownote/pkg/feed"
	"flownote/pkg/notify"
	"flownote/pkg/queue"
	"flownote/pkg/storage"
	"flownote/pkg/store"
)

const (
	defaultMaxAttachments        = 10
	defaultMaxAttachmentBytes    = 20 << 20
	defaultMaxContentRunes       = 5000
	defaultPresignExpiry         = 24 * time.Hour
	defaultProjectionConcurrency = 8
	defaultMessageLimit          = 200
	maxMessageLimit              = 1000
)

// CleanupQueue accepts blob cleanup jobs for blobs a failed send left behind.
type CleanupQueue interface {
	Enqueue(ctx context.Context, kind string, payload any) (queue.Job, error)
}

// Config holds runtime configuration for the messaging application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Objects     storage.ObjectStore
	Feed        feed.Feed
	Cleanup     CleanupQueue
	Notifier    notify.Publisher
	Logger      *slog.Logger

	MaxAttachments        int
	MaxAttachmentBytes    int64
	MaxContentRunes       int
	PresignExpiry         time.Duration
	ProjectionConcurrency int

	// Clock overrides time.Now; tests pin it.
	Clock func() time.Time
}

// Viewer is the authenticated caller.
type Viewer struct {
	ID       string
	Name     string
	SchoolID string
}

// App implements conversations, message sends, read state and the live
// conversation list.
type App struct {
	store    store.Store
	objects  storage.ObjectStore
	feed     feed.Feed
	cleanup  CleanupQueue
	notifier notify.Publisher
	logger   *slog.Logger
	clock    func() time.Time

	maxAttachments        int
	maxAttachmentBytes    int64
	maxContentRunes       int
	presignExpiry         time.Duration
	projectionConcurrency int
}

// New constructs the application with database-backed storage.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("change feed required")
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &App{
		store:                 dataStore,
		objects:               cfg.Objects,
		feed:                  cfg.Feed,
		cleanup:               cfg.Cleanup,
		notifier:              notifier,
		logger:                logger.With("component", "messaging"),
		clock:                 clock,
		maxAttachments:        intOr(cfg.MaxAttachments, defaultMaxAttachments),
		maxAttachmentBytes:    int64Or(cfg.MaxAttachmentBytes, defaultMaxAttachmentBytes),
		maxContentRunes:       intOr(cfg.MaxContentRunes, defaultMaxContentRunes),
		presignExpiry:         durationOr(cfg.PresignExpiry, defaultPresignExpiry),
		projectionConcurrency: intOr(cfg.ProjectionConcurrency, defaultProjectionConcurrency),
	}, nil
}

func (a *App) now() time.Time {
	return a.clock().UTC()
}

// publish fans one change out to topics. Feed failures only delay live
// views, so they are logged and swallowed.
func (a *App) publish(ctx context.Context, kind, conversationID, messageID, actorID string, topics ...string) {
	at := a.now()
	for _, topic := range topics {
		err := a.feed.Publish(ctx, feed.Change{
			Topic:          topic,
			Kind:           kind,
			ConversationID: conversationID,
			MessageID:      messageID,
			ActorID:        actorID,
			At:             at,
		})
		if err != nil {
			a.logger.Warn("feed_publish_failed", "topic", topic, "kind", kind, "err", err)
		}
	}
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func int64Or(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}

func durationOr(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
