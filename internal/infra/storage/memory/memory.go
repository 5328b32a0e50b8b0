package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/infra/storage"
)

// DeadLetterRepo keeps archived dead letters in process memory.
type DeadLetterRepo struct {
	mu      sync.RWMutex
	letters map[string]*domain.DeadLetter
}

func NewDeadLetterRepo() *DeadLetterRepo {
	return &DeadLetterRepo{
		letters: make(map[string]*domain.DeadLetter),
	}
}

func (r *DeadLetterRepo) Save(ctx context.Context, dl *domain.DeadLetter) error {
	if dl == nil || dl.MessageID == "" {
		return fmt.Errorf("dead letter without message id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.letters[dl.MessageID] = clone(dl)
	return nil
}

func (r *DeadLetterRepo) Get(ctx context.Context, messageID string) (*domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dl, ok := r.letters[messageID]
	if !ok {
		return nil, storage.ErrDeadLetterNotFound
	}
	return clone(dl), nil
}

func (r *DeadLetterRepo) List(ctx context.Context, filter storage.ListFilter) ([]*domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.DeadLetter, 0, len(r.letters))
	for _, dl := range r.letters {
		if filter.Matches(dl) {
			out = append(out, clone(dl))
		}
	}

	slices.SortFunc(out, func(a, b *domain.DeadLetter) int {
		if c := b.DeadLetteredAt.Compare(a.DeadLetteredAt); c != 0 {
			return c
		}
		return strings.Compare(a.MessageID, b.MessageID)
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.letters), nil
}

func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for id, dl := range r.letters {
		if dl.DeadLetteredAt.Before(cutoff) {
			delete(r.letters, id)
			deleted++
		}
	}
	return deleted, nil
}

func clone(dl *domain.DeadLetter) *domain.DeadLetter {
	c := *dl
	c.Payload = slices.Clone(dl.Payload)
	c.FailureCounts = maps.Clone(dl.FailureCounts)
	return &c
}

var _ storage.DeadLetterRepository = (*DeadLetterRepo)(nil)
