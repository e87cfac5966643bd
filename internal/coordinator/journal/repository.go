package journal

import "context"

// Repository persists journal entries. Callers treat a nil Repository as
// "journaling disabled".
type Repository interface {
	// Append adds a row; the journal is never updated in place.
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, orderID string) ([]*Entry, error)
}
