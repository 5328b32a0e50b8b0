package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/vietddude/retryq/internal/core/domain"
)

// MemoryChecker reports resources available while the Go heap stays under a
// limit. Readings are cached for refresh to keep ReadMemStats off the hot path.
type MemoryChecker struct {
	limit   uint64
	refresh time.Duration
	now     func() time.Time
	read    func() uint64

	mu       sync.Mutex
	lastRead time.Time
	lastHeap uint64
}

// NewMemoryChecker creates a checker with a heap limit in bytes.
func NewMemoryChecker(limit uint64) *MemoryChecker {
	return &MemoryChecker{
		limit:   limit,
		refresh: time.Second,
		now:     time.Now,
		read: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
	}
}

// Available implements ResourceChecker.
func (c *MemoryChecker) Available(ctx context.Context, msg *domain.Message) bool {
	if c.limit == 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.lastRead.IsZero() || now.Sub(c.lastRead) >= c.refresh {
		c.lastHeap = c.read()
		c.lastRead = now
	}
	return c.lastHeap < c.limit
}
