package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/logger"
)

// Decision is the outcome of a rate-limit check for a single request.
type Decision struct {
	Allowed    bool          // whether the request may proceed
	Remaining  int           // requests left in the current window (0 when rejected)
	RetryAfter time.Duration // time until the window resets, for the Retry-After header
}

// Limiter gates requests per client identifier. Implementations must be safe
// for concurrent use; two simultaneous requests from the same client must not
// both pass a check that should have rejected the second.
type Limiter interface {
	Allow(clientID string) Decision
	Close() error
}

// clientWindow tracks one client's fixed window. The mutex serializes the
// read-modify-write so concurrent requests from the same client are counted
// exactly once each.
type clientWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// MemoryLimiter is a fixed-window per-client limiter backed by an in-process
// concurrent map. Entries are created lazily on a client's first request and
// swept periodically once their window has long expired, so the map stays
// bounded by real client cardinality.
type MemoryLimiter struct {
	windows  *xsync.MapOf[string, *clientWindow]
	window   time.Duration
	limit    int
	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryLimiter creates a MemoryLimiter allowing limit requests per client
// per window and starts its background sweep of expired entries.
func NewMemoryLimiter(window time.Duration, limit int) *MemoryLimiter {
	ml := &MemoryLimiter{
		windows: xsync.NewMapOf[string, *clientWindow](),
		window:  window,
		limit:   limit,
		stop:    make(chan struct{}),
	}
	go ml.sweep()
	return ml
}

// Allow checks and updates the client's window. A fresh or expired window is
// replaced with {count: 1}; a full window rejects without mutating state.
func (ml *MemoryLimiter) Allow(clientID string) Decision {
	w, _ := ml.windows.LoadOrStore(clientID, &clientWindow{})

	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()

	if w.resetAt.IsZero() || now.After(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(ml.window)
		return Decision{Allowed: true, Remaining: ml.limit - 1, RetryAfter: ml.window}
	}

	if w.count >= ml.limit {
		return Decision{Allowed: false, Remaining: 0, RetryAfter: w.resetAt.Sub(now)}
	}

	w.count++
	return Decision{Allowed: true, Remaining: ml.limit - w.count, RetryAfter: w.resetAt.Sub(now)}
}

// Close stops the background sweep. The limiter remains usable afterwards,
// it just stops evicting stale entries.
func (ml *MemoryLimiter) Close() error {
	ml.stopOnce.Do(func() { close(ml.stop) })
	return nil
}

// sweep drops windows that expired more than one full window ago. Entries in
// their grace period are kept so an active client keeps its own window struct.
func (ml *MemoryLimiter) sweep() {
	ticker := time.NewTicker(ml.window)
	defer ticker.Stop()

	for {
		select {
		case <-ml.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-ml.window)
			removed := 0
			ml.windows.Range(func(clientID string, w *clientWindow) bool {
				w.mu.Lock()
				stale := !w.resetAt.IsZero() && w.resetAt.Before(cutoff)
				w.mu.Unlock()
				if stale {
					ml.windows.Delete(clientID)
					removed++
				}
				return true
			})
			if removed > 0 {
				logger.Debug("{ratelimit - sweep} Evicted %d expired client windows", removed)
			}
		}
	}
}
