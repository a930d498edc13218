package store

import "log/slog"

// NewStore creates a store for the configured DSN, auto-detecting the
// backend. With no DSN it falls back to the in-memory store.
func NewStore(opts ...Option) (Store, error) {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.DSN == "" {
		slog.Info("store.NewStore no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(o.DSN) {
	case "postgres":
		return NewPostgresStore(o.DSN)
	default:
		return NewSQLiteStore(o.DSN)
	}
}
