package history

import (
	"context"

	"github.com/talkai-app/talkai/internal/policy"
)

// RedactingStore masks PII in message content before it reaches the wrapped store.
type RedactingStore struct {
	Store
}

func NewRedactingStore(inner Store) *RedactingStore {
	return &RedactingStore{Store: inner}
}

func (s *RedactingStore) SaveMessage(ctx context.Context, record MessageRecord) error {
	redacted, kinds := policy.RedactPII(record.Content)
	if len(kinds) > 0 {
		record.Content = redacted
		record.PIIRedacted = true
	}
	return s.Store.SaveMessage(ctx, record)
}
