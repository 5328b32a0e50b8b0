package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/retryq/internal/core/domain"
	"github.com/vietddude/retryq/internal/infra/storage"
)

func TestToRow_RoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	dl := &domain.DeadLetter{
		MessageID: "m1",
		Payload:   []byte(`{"a":1}`),
		Attempts:  3,
		FailureCounts: map[domain.FailureCategory]int{
			domain.FailureTimeout: 2,
			domain.FailureNetwork: 1,
		},
		Category:       domain.FailureTimeout,
		Reason:         "retries_exhausted",
		CreatedAt:      at,
		DeadLetteredAt: at.Add(time.Minute),
	}

	row, err := toRow(dl)
	if err != nil {
		t.Fatalf("toRow: %v", err)
	}
	if got := []string(row.Categories); len(got) != 2 || got[0] != "network" || got[1] != "timeout" {
		t.Errorf("Categories = %v, want [network timeout]", got)
	}

	back, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if back.FailureCounts[domain.FailureTimeout] != 2 || back.Category != domain.FailureTimeout {
		t.Errorf("round trip lost data: %+v", back)
	}
}

func TestToRow_EmptyPayloadIsNull(t *testing.T) {
	row, err := toRow(&domain.DeadLetter{MessageID: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if row.Payload.Valid {
		t.Errorf("Payload = %q, want NULL", row.Payload.String)
	}
	if row.FailureCounts != "{}" {
		t.Errorf("FailureCounts = %q, want {}", row.FailureCounts)
	}
}

// Requires a reachable PostgreSQL in RETRYQ_TEST_DATABASE_URL.
func TestDeadLetterRepo_Live(t *testing.T) {
	url := os.Getenv("RETRYQ_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RETRYQ_TEST_DATABASE_URL not set")
	}

	for _, driver := range []string{"pgx", "postgres"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			db, err := NewDB(ctx, Config{URL: url, Driver: driver})
			if err != nil {
				t.Fatalf("NewDB: %v", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				t.Fatalf("Migrate: %v", err)
			}

			repo := NewDeadLetterRepo(db)
			id := uuid.NewString()
			at := time.Now().UTC().Truncate(time.Millisecond)

			err = repo.Save(ctx, &domain.DeadLetter{
				MessageID:      id,
				Payload:        []byte(`"hello"`),
				Attempts:       1,
				FailureCounts:  map[domain.FailureCategory]int{domain.FailureBusiness: 1},
				Category:       domain.FailureBusiness,
				Reason:         "retries_exhausted",
				CreatedAt:      at,
				DeadLetteredAt: at,
			})
			if err != nil {
				t.Fatalf("Save: %v", err)
			}

			got, err := repo.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Category != domain.FailureBusiness || got.Attempts != 1 {
				t.Errorf("Get = %+v", got)
			}

			list, err := repo.List(ctx, storage.ListFilter{Category: domain.FailureBusiness, Limit: 5})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(list) == 0 {
				t.Error("List returned nothing")
			}

			n, err := repo.DeleteOlderThan(ctx, at.Add(time.Second))
			if err != nil || n < 1 {
				t.Errorf("DeleteOlderThan = %d, %v", n, err)
			}
			if _, err := repo.Get(ctx, id); !errors.Is(err, storage.ErrDeadLetterNotFound) {
				t.Errorf("Get after prune: err = %v", err)
			}
		})
	}
}
