package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/infra/storage"
)

// DeadLetterRepo implements storage.DeadLetterRepository using PostgreSQL.
type DeadLetterRepo struct {
	db *DB
}

// NewDeadLetterRepo creates a new PostgreSQL dead letter repository.
func NewDeadLetterRepo(db *DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

type deadLetterRow struct {
	MessageID      string         `db:"message_id"`
	Payload        sql.NullString `db:"payload"`
	Attempts       int            `db:"attempts"`
	FailureCounts  string         `db:"failure_counts"`
	Categories     pq.StringArray `db:"categories"`
	Category       string         `db:"category"`
	Reason         string         `db:"reason"`
	LastError      string         `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	DeadLetteredAt time.Time      `db:"dead_lettered_at"`
}

const deadLetterColumns = `message_id, payload, attempts, failure_counts, categories,
	category, reason, last_error, created_at, dead_lettered_at`

func toRow(dl *domain.DeadLetter) (*deadLetterRow, error) {
	counts, err := json.Marshal(dl.FailureCounts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal failure counts: %w", err)
	}
	if dl.FailureCounts == nil {
		counts = []byte("{}")
	}

	// JSON travels as text so both drivers bind it to jsonb.
	var payload sql.NullString
	if len(dl.Payload) > 0 {
		payload = sql.NullString{String: string(dl.Payload), Valid: true}
	}

	return &deadLetterRow{
		MessageID:      dl.MessageID,
		Payload:        payload,
		Attempts:       dl.Attempts,
		FailureCounts:  string(counts),
		Categories:     pq.StringArray(dl.Categories()),
		Category:       string(dl.Category),
		Reason:         dl.Reason,
		LastError:      dl.LastError,
		CreatedAt:      dl.CreatedAt,
		DeadLetteredAt: dl.DeadLetteredAt,
	}, nil
}

func (row *deadLetterRow) toDomain() (*domain.DeadLetter, error) {
	dl := &domain.DeadLetter{
		MessageID:      row.MessageID,
		Attempts:       row.Attempts,
		Category:       domain.FailureCategory(row.Category),
		Reason:         row.Reason,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		DeadLetteredAt: row.DeadLetteredAt,
	}
	if row.Payload.Valid {
		dl.Payload = json.RawMessage(row.Payload.String)
	}
	if row.FailureCounts != "" {
		if err := json.Unmarshal([]byte(row.FailureCounts), &dl.FailureCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failure counts: %w", err)
		}
	}
	return dl, nil
}

// Save upserts a dead letter.
func (r *DeadLetterRepo) Save(ctx context.Context, dl *domain.DeadLetter) error {
	row, err := toRow(dl)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO dead_letters (` + deadLetterColumns + `)
		VALUES (:message_id, :payload, :attempts, :failure_counts, :categories,
			:category, :reason, :last_error, :created_at, :dead_lettered_at)
		ON CONFLICT (message_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			attempts = EXCLUDED.attempts,
			failure_counts = EXCLUDED.failure_counts,
			categories = EXCLUDED.categories,
			category = EXCLUDED.category,
			reason = EXCLUDED.reason,
			last_error = EXCLUDED.last_error,
			dead_lettered_at = EXCLUDED.dead_lettered_at
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

// Get returns a dead letter by message id.
func (r *DeadLetterRepo) Get(ctx context.Context, messageID string) (*domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE message_id = $1`

	var row deadLetterRow
	err := r.db.GetContext(ctx, &row, query, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return row.toDomain()
}

// List returns dead letters, newest first.
func (r *DeadLetterRepo) List(ctx context.Context, filter storage.ListFilter) ([]*domain.DeadLetter, error) {
	query := `
		SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE ($1::text = '' OR category = $1)
		ORDER BY dead_lettered_at DESC, message_id ASC
		LIMIT $2
	`
	limit := sql.NullInt64{Int64: int64(filter.Limit), Valid: filter.Limit > 0}

	var rows []deadLetterRow
	if err := r.db.SelectContext(ctx, &rows, query, string(filter.Category), limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	out := make([]*domain.DeadLetter, 0, len(rows))
	for i := range rows {
		dl, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, nil
}

// Count returns the number of archived dead letters.
func (r *DeadLetterRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM dead_letters`); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes dead letters archived before cutoff.
func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE dead_lettered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

var _ storage.DeadLetterRepository = (*DeadLetterRepo)(nil)
