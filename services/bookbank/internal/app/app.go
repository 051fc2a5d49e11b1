package app

import (
	"errors"
	"time"

	"bookbank/internal/metrics"
	"bookbank/pkg/storage"
	"bookbank/pkg/store"
)

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	// Objects stores uploaded thumbnails. Nil disables uploads.
	Objects storage.ObjectStore
	Metrics *metrics.Metrics
	// StrictTransitions rejects actions that are not legal from the
	// request's current status.
	StrictTransitions bool
	ThumbnailURLTTL   time.Duration
	Now               func() time.Time
}

// App implements catalog, loan workflow, chat and account operations.
type App struct {
	store    store.Store
	sessions store.SessionStore
	objects  storage.ObjectStore
	metrics  *metrics.Metrics
	strict   bool
	urlTTL   time.Duration
	now      func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := cfg.ThumbnailURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &App{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		objects:  cfg.Objects,
		metrics:  cfg.Metrics,
		strict:   cfg.StrictTransitions,
		urlTTL:   ttl,
		now:      now,
	}, nil
}
