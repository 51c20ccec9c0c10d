package app

import (
	"fmt"
	"log/slog"
	"time"

	"flownote/internal/usertoken"
	"flownote/pkg/domain"
	"flownote/pkg/feed"
	"flownote/pkg/notify"
	"flownote/pkg/storage"
	"flownote/pkg/store"
)

const (
	defaultMaxPrintBytes = 10 << 20
	defaultPresignExpiry = time.Hour
)

// Config holds runtime configuration for the school application.
type Config struct {
	DatabaseURL   string
	Store         store.Store
	Objects       storage.ObjectStore
	Tokens        *usertoken.Manager
	Feed          feed.Feed
	Notifier      notify.Publisher
	Logger        *slog.Logger
	MaxPrintBytes int64
	PresignExpiry time.Duration
	Clock         func() time.Time
}

// Viewer is the authenticated caller as carried by the access token.
type Viewer struct {
	ID       string
	Role     domain.UserRole
	SchoolID string
}

// App implements accounts, the school directory, prints and calendar events.
type App struct {
	store         store.Store
	objects       storage.ObjectStore
	tokens        *usertoken.Manager
	feed          feed.Feed
	notifier      notify.Publisher
	logger        *slog.Logger
	maxPrintBytes int64
	presignExpiry time.Duration
	clock         func() time.Time
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
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token manager required")
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
	maxPrint := cfg.MaxPrintBytes
	if maxPrint <= 0 {
		maxPrint = defaultMaxPrintBytes
	}
	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = defaultPresignExpiry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &App{
		store:         dataStore,
		objects:       cfg.Objects,
		tokens:        cfg.Tokens,
		feed:          cfg.Feed,
		notifier:      notifier,
		logger:        logger.With("component", "school"),
		maxPrintBytes: maxPrint,
		presignExpiry: expiry,
		clock:         clock,
	}, nil
}

func (a *App) now() time.Time {
	return a.clock().UTC()
}

// canManage reports whether viewer may edit or delete something owned by ownerID.
func canManage(viewer Viewer, ownerID string) bool {
	return viewer.Role == domain.RoleAdmin || viewer.ID == ownerID
}
