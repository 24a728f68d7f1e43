package ratelimit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"streamgate/work/logger"
)

// StoreLimiter implements the same fixed-window semantics as MemoryLimiter on
// top of SQLite, so multiple proxy instances pointed at the same database file
// share one rate-limit view. Windows live in a single table keyed by client
// identifier; expired rows are cleaned up by a background loop.
type StoreLimiter struct {
	db       *sql.DB
	window   time.Duration
	limit    int
	stopOnce sync.Once
	stop     chan struct{}
}

// NewStoreLimiter opens (creating if needed) the SQLite database at path and
// prepares the rate-limit schema.
func NewStoreLimiter(path string, window time.Duration, limit int) (*StoreLimiter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rate-limit store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rate-limit store: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_windows (
			client_id TEXT PRIMARY KEY,
			count     INTEGER NOT NULL,
			reset_at  INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create rate_windows table: %w", err)
	}

	sl := &StoreLimiter{
		db:     db,
		window: window,
		limit:  limit,
		stop:   make(chan struct{}),
	}
	go sl.cleanupLoop()

	logger.Info("{ratelimit - NewStoreLimiter} Shared rate-limit store opened: %s", path)
	return sl, nil
}

// Allow runs the window check inside a transaction so the read-modify-write
// is atomic across instances sharing the database.
func (sl *StoreLimiter) Allow(clientID string) Decision {
	now := time.Now()

	tx, err := sl.db.Begin()
	if err != nil {
		// fail open: a broken limiter store must not take down streaming
		logger.Error("{ratelimit - Allow} Store transaction failed, allowing request: %v", err)
		return Decision{Allowed: true, Remaining: sl.limit - 1, RetryAfter: sl.window}
	}
	defer tx.Rollback()

	var count int
	var resetAt int64
	err = tx.QueryRow(
		`SELECT count, reset_at FROM rate_windows WHERE client_id = ?`, clientID,
	).Scan(&count, &resetAt)

	switch {
	case err == sql.ErrNoRows, err == nil && now.UnixMilli() > resetAt:
		newReset := now.Add(sl.window).UnixMilli()
		_, err = tx.Exec(`
			INSERT INTO rate_windows (client_id, count, reset_at) VALUES (?, 1, ?)
			ON CONFLICT(client_id) DO UPDATE SET count = 1, reset_at = excluded.reset_at
		`, clientID, newReset)
		if err == nil {
			err = tx.Commit()
		}
		if err != nil {
			logger.Error("{ratelimit - Allow} Store write failed, allowing request: %v", err)
		}
		return Decision{Allowed: true, Remaining: sl.limit - 1, RetryAfter: sl.window}

	case err != nil:
		logger.Error("{ratelimit - Allow} Store read failed, allowing request: %v", err)
		return Decision{Allowed: true, Remaining: sl.limit - 1, RetryAfter: sl.window}
	}

	retryAfter := time.UnixMilli(resetAt).Sub(now)

	if count >= sl.limit {
		// rejection never mutates the stored window
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	_, err = tx.Exec(
		`UPDATE rate_windows SET count = count + 1 WHERE client_id = ?`, clientID,
	)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		logger.Error("{ratelimit - Allow} Store increment failed, allowing request: %v", err)
	}

	return Decision{Allowed: true, Remaining: sl.limit - count - 1, RetryAfter: retryAfter}
}

// Close stops the cleanup loop and closes the database.
func (sl *StoreLimiter) Close() error {
	sl.stopOnce.Do(func() { close(sl.stop) })
	return sl.db.Close()
}

// CleanupExpired removes windows that expired more than one full window ago
// and returns the number of rows removed.
func (sl *StoreLimiter) CleanupExpired() (int64, error) {
	cutoff := time.Now().Add(-sl.window).UnixMilli()
	res, err := sl.db.Exec(`DELETE FROM rate_windows WHERE reset_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired rate windows: %w", err)
	}
	return res.RowsAffected()
}

// cleanupLoop periodically evicts expired windows so the table stays bounded.
func (sl *StoreLimiter) cleanupLoop() {
	ticker := time.NewTicker(sl.window)
	defer ticker.Stop()

	for {
		select {
		case <-sl.stop:
			return
		case <-ticker.C:
			removed, err := sl.CleanupExpired()
			if err != nil {
				logger.Warn("{ratelimit - cleanupLoop} Cleanup failed: %v", err)
				continue
			}
			if removed > 0 {
				logger.Debug("{ratelimit - cleanupLoop} Removed %d expired windows", removed)
			}
		}
	}
}
