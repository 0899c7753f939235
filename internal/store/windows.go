// ABOUTME: Fixed-window rate counters stored in SQLite
// ABOUTME: Increment, compare and rollover happen in a single UPSERT statement

package store

import (
	"context"
	"fmt"
	"time"
)

// incrementWindowQuery keeps one row per subject. A request from a newer
// window resets the count to 1; a request from the current or an older
// window counts against the stored window, so a lagging clock can never
// under-count.
const incrementWindowQuery = `
	INSERT INTO rate_windows (subject, window_start, count)
	VALUES (?, ?, 1)
	ON CONFLICT(subject) DO UPDATE SET
		count = CASE
			WHEN rate_windows.window_start < excluded.window_start THEN 1
			ELSE rate_windows.count + 1
		END,
		window_start = MAX(rate_windows.window_start, excluded.window_start)
	RETURNING count
`

// IncrementWindow atomically counts one hit for subject in the window starting
// at windowStart and returns the count after the increment.
func (s *SQLiteStore) IncrementWindow(ctx context.Context, subject string, windowStart time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, incrementWindowQuery, subject, windowStart.UnixMilli()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("incrementing rate window: %w", err)
	}
	return count, nil
}
