package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vietddude/retryq/internal/infra/storage"
	"github.com/vietddude/retryq/internal/metrics"
)

// Pruner deletes archived dead letters older than the retention period.
type Pruner struct {
	retention time.Duration
	repos     map[string]storage.DeadLetterRepository
	now       func() time.Time
	log       *slog.Logger
}

// NewPruner creates a Pruner over the named repositories.
func NewPruner(retention time.Duration, repos map[string]storage.DeadLetterRepository, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		retention: retention,
		repos:     repos,
		now:       time.Now,
		log:       logger.With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 || len(p.repos) == 0 {
		return // Retention disabled
	}

	// 10% of retention, between 1 minute and 1 hour
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes expired entries from every repository once.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	return p.PruneBefore(ctx, p.now().Add(-p.retention))
}

// PruneBefore deletes entries dead-lettered before cutoff.
func (p *Pruner) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	names := make([]string, 0, len(p.repos))
	for name := range p.repos {
		names = append(names, name)
	}
	slices.Sort(names)

	total := 0
	var errs []error
	for _, name := range names {
		n, err := p.repos[name].DeleteOlderThan(ctx, cutoff)
		if err != nil {
			p.log.Error("Failed to prune dead letters", "sink", name, "error", err)
			errs = append(errs, fmt.Errorf("prune %s: %w", name, err))
			continue
		}
		if n > 0 {
			metrics.ArchivePruned.WithLabelValues(name).Add(float64(n))
			p.log.Info("Pruned dead letters", "sink", name, "count", n, "cutoff", cutoff)
		}
		total += n
	}
	return total, errors.Join(errs...)
}
