// ABOUTME: SQLite implementation for per-request usage records
// ABOUTME: Stores proxy telemetry and aggregates it per organization and server

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome values of a usage record
const (
	OutcomeSuccess = "success"
)

// UsageRecord is the telemetry of one proxied call.
type UsageRecord struct {
	ID         string
	OrgID      string
	KeyID      string // key id or service account id
	ServerID   string
	Tool       string
	Latency    time.Duration
	Outcome    string // "success" or an error code
	StatusCode int
	BytesIn    int64
	BytesOut   int64
	RequestID  string
	CreatedAt  time.Time
}

// UsageFilter specifies filtering options for usage queries.
type UsageFilter struct {
	OrgID    string
	ServerID *string
	Since    *time.Time
	Until    *time.Time
}

// ServerUsage aggregates usage of one MCP server.
type ServerUsage struct {
	ServerID     string  `json:"server_id"`
	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// UsageStats aggregates usage for an organization.
type UsageStats struct {
	Requests     int64         `json:"requests"`
	Successes    int64         `json:"successes"`
	Errors       int64         `json:"errors"`
	AvgLatencyMs float64       `json:"avg_latency_ms"`
	BytesIn      int64         `json:"bytes_in"`
	BytesOut     int64         `json:"bytes_out"`
	ByServer     []ServerUsage `json:"by_server"`
}

// UsageStore persists usage records.
type UsageStore interface {
	SaveUsageBatch(ctx context.Context, records []UsageRecord) error
	GetUsageStats(ctx context.Context, f UsageFilter) (*UsageStats, error)
}

// SaveUsageBatch stores usage records in one transaction.
func (s *SQLiteStore) SaveUsageBatch(ctx context.Context, records []UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT OR IGNORE INTO usage_records (
			id, org_id, key_id, server_id, tool, latency_ms, outcome,
			status_code, bytes_in, bytes_out, request_id, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i := range records {
		r := &records[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		_, err := tx.ExecContext(ctx, query,
			r.ID, r.OrgID, r.KeyID, r.ServerID, r.Tool, r.Latency.Milliseconds(), r.Outcome,
			r.StatusCode, r.BytesIn, r.BytesOut, r.RequestID, formatTime(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing usage batch: %w", err)
	}
	s.logger.Debug("saved usage batch", "count", len(records))
	return nil
}

// buildUsageWhere builds the WHERE clause shared by the usage aggregates.
func buildUsageWhere(f UsageFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(" WHERE org_id = ?")
	args := []any{f.OrgID}

	if f.ServerID != nil {
		b.WriteString(" AND server_id = ?")
		args = append(args, *f.ServerID)
	}
	if f.Since != nil {
		b.WriteString(" AND created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	if f.Until != nil {
		b.WriteString(" AND created_at <= ?")
		args = append(args, formatTime(*f.Until))
	}
	return b.String(), args
}

// GetUsageStats returns aggregated usage for an organization.
func (s *SQLiteStore) GetUsageStats(ctx context.Context, f UsageFilter) (*UsageStats, error) {
	where, args := buildUsageWhere(f)

	var stats UsageStats
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(SUM(bytes_in), 0),
			COALESCE(SUM(bytes_out), 0)
		FROM usage_records` + where

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Requests, &stats.Successes, &stats.AvgLatencyMs, &stats.BytesIn, &stats.BytesOut,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage stats: %w", err)
	}
	stats.Errors = stats.Requests - stats.Successes

	byServer := `
		SELECT
			server_id,
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 0 ELSE 1 END), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM usage_records` + where + `
		GROUP BY server_id
		ORDER BY server_id`

	rows, err := s.db.QueryContext(ctx, byServer, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage by server: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats.ByServer = []ServerUsage{}
	for rows.Next() {
		var su ServerUsage
		if err := rows.Scan(&su.ServerID, &su.Requests, &su.Errors, &su.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scanning usage by server: %w", err)
		}
		stats.ByServer = append(stats.ByServer, su)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage by server: %w", err)
	}
	return &stats, nil
}
