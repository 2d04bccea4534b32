package history

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
// With redact set, message content is passed through PII redaction first.
func NewStore(ctx context.Context, databaseURL string, redact bool, logger zerolog.Logger) (Store, error) {
	var store Store
	if strings.TrimSpace(databaseURL) == "" {
		store = NewInMemoryStore()
	} else {
		pg, err := NewPostgresStore(ctx, databaseURL, logger)
		if err != nil {
			return nil, err
		}
		store = pg
	}
	if redact {
		store = NewRedactingStore(store)
	}
	return store, nil
}
