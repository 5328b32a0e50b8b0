package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
)

var (
	// ErrDeadLetterNotFound is returned when an archived dead letter doesn't exist
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// DeadLetterRepository archives dead-lettered messages for operators
type DeadLetterRepository interface {
	// Save stores a dead letter, replacing any previous record for the same message
	Save(ctx context.Context, dl *domain.DeadLetter) error

	// Get retrieves a dead letter by message id
	Get(ctx context.Context, messageID string) (*domain.DeadLetter, error)

	// List returns dead letters, newest first
	List(ctx context.Context, filter ListFilter) ([]*domain.DeadLetter, error)

	// Count returns the number of archived dead letters
	Count(ctx context.Context) (int, error)

	// DeleteOlderThan removes dead letters archived before cutoff and returns how many
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ListFilter narrows a dead letter listing
type ListFilter struct {
	Category domain.FailureCategory // empty = any
	Limit    int                    // 0 = no limit
}

// Matches reports whether dl passes the category filter
func (f ListFilter) Matches(dl *domain.DeadLetter) bool {
	return f.Category == "" || dl.Category == f.Category
}
