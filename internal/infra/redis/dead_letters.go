package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/infra/storage"
)

// DeadLetterRepo implements storage.DeadLetterRepository using Redis.
//
// Records are JSON values; a sorted set scored by dead-letter time indexes them.
type DeadLetterRepo struct {
	client *Client
	ttl    time.Duration
}

// NewDeadLetterRepo creates a new Redis-backed dead letter repository.
func NewDeadLetterRepo(client *Client, ttl time.Duration) *DeadLetterRepo {
	return &DeadLetterRepo{client: client, ttl: ttl}
}

// Save stores the record and indexes it.
func (r *DeadLetterRepo) Save(ctx context.Context, dl *domain.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	rdb := r.client.rdb
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.client.letterKey(dl.MessageID), data, r.ttl)
		pipe.ZAdd(ctx, r.client.indexKey(), redis.Z{
			Score:  float64(dl.DeadLetteredAt.UnixMilli()),
			Member: dl.MessageID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// Get retrieves a dead letter by message id.
func (r *DeadLetterRepo) Get(ctx context.Context, messageID string) (*domain.DeadLetter, error) {
	data, err := r.client.rdb.Get(ctx, r.client.letterKey(messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	var dl domain.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &dl, nil
}

// List returns dead letters, newest first.
func (r *DeadLetterRepo) List(ctx context.Context, filter storage.ListFilter) ([]*domain.DeadLetter, error) {
	ids, err := r.client.rdb.ZRevRange(ctx, r.client.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange failed: %w", err)
	}
	ids, err = r.liveIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	letters := make([]*domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		dl, err := r.Get(ctx, id)
		if errors.Is(err, storage.ErrDeadLetterNotFound) {
			// Expired since liveIDs; dropped from the index next time
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.Matches(dl) {
			continue
		}
		letters = append(letters, dl)
		if filter.Limit > 0 && len(letters) >= filter.Limit {
			break
		}
	}
	return letters, nil
}

// Count returns the number of dead letters whose record has not expired.
func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	ids, err := r.client.rdb.ZRange(ctx, r.client.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("zrange failed: %w", err)
	}
	ids, err = r.liveIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// liveIDs filters ids down to those whose record still exists and removes
// the rest from the index. Order is preserved.
func (r *DeadLetterRepo) liveIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return ids, nil
	}

	exists := make([]*redis.IntCmd, len(ids))
	_, err := r.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, r.client.letterKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("exists failed: %w", err)
	}

	live := make([]string, 0, len(ids))
	var expired []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
		} else {
			expired = append(expired, id)
		}
	}

	if len(expired) > 0 {
		if err := r.client.rdb.ZRem(ctx, r.client.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to drop expired index entries: %w", err)
		}
	}
	return live, nil
}

// DeleteOlderThan removes dead letters archived before cutoff.
func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	ids, err := r.client.rdb.ZRangeByScore(ctx, r.client.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: upper,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore failed: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = r.client.letterKey(id)
		members[i] = id
	}

	_, err = r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.client.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune dead letters: %w", err)
	}
	return len(ids), nil
}

var _ storage.DeadLetterRepository = (*DeadLetterRepo)(nil)
