// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides organization persistence, schema creation and shared query helpers

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	sealer Sealer
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. A nil sealer stores credentials unsealed.
func NewSQLiteStore(path string, sealer Sealer) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if sealer == nil {
		sealer = plainSealer{}
	}

	s := &SQLiteStore{
		db:     db,
		sealer: sealer,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS organizations (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			plan           TEXT NOT NULL,
			status         TEXT NOT NULL,
			signing_secret TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			CHECK (status IN ('active', 'suspended', 'deleted'))
		);

		CREATE TABLE IF NOT EXISTS mcp_servers (
			org_id      TEXT NOT NULL REFERENCES organizations(id),
			id          TEXT NOT NULL,
			name        TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			transport   TEXT NOT NULL DEFAULT 'http',
			auth_type   TEXT NOT NULL DEFAULT 'none',
			auth_sealed TEXT NOT NULL DEFAULT '',
			tools_json  TEXT NOT NULL DEFAULT '[]',
			status      TEXT NOT NULL DEFAULT 'active',
			timeout_ms  INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			PRIMARY KEY (org_id, id),
			CHECK (auth_type IN ('none', 'bearer', 'header', 'basic')),
			CHECK (status IN ('active', 'inactive'))
		);

		CREATE INDEX IF NOT EXISTS idx_mcp_servers_status ON mcp_servers(status);

		CREATE TABLE IF NOT EXISTS api_keys (
			id             TEXT PRIMARY KEY,
			org_id         TEXT NOT NULL REFERENCES organizations(id),
			name           TEXT NOT NULL,
			key_prefix     TEXT NOT NULL,
			key_hash       TEXT NOT NULL UNIQUE,
			role           TEXT NOT NULL,
			scope_mode     TEXT NOT NULL,
			rate_limit_rps INTEGER NOT NULL DEFAULT 0,
			expires_at     TEXT,
			revoked        INTEGER NOT NULL DEFAULT 0,
			revoked_at     TEXT,
			last_used_at   TEXT,
			created_by     TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,

			CHECK (role IN ('owner', 'admin', 'member')),
			CHECK (scope_mode IN ('all', 'selected', 'none'))
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_org ON api_keys(org_id);

		-- The composite foreign key makes a cross-organization scope entry
		-- impossible to write, and deleting a server drops it from every scope.
		CREATE TABLE IF NOT EXISTS api_key_mcps (
			key_id TEXT NOT NULL REFERENCES api_keys(id) ON DELETE CASCADE,
			org_id TEXT NOT NULL,
			mcp_id TEXT NOT NULL,

			PRIMARY KEY (key_id, mcp_id),
			FOREIGN KEY (org_id, mcp_id) REFERENCES mcp_servers(org_id, id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_api_key_mcps_server ON api_key_mcps(org_id, mcp_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			actor_type  TEXT NOT NULL,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			category    TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_org_ts ON audit_log(org_id, ts);

		CREATE TABLE IF NOT EXISTS usage_records (
			id          TEXT PRIMARY KEY,
			org_id      TEXT NOT NULL,
			key_id      TEXT NOT NULL,
			server_id   TEXT NOT NULL,
			tool        TEXT NOT NULL,
			latency_ms  INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			bytes_in    INTEGER NOT NULL,
			bytes_out   INTEGER NOT NULL,
			request_id  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_org_created ON usage_records(org_id, created_at);

		CREATE TABLE IF NOT EXISTS rate_windows (
			subject      TEXT PRIMARY KEY,
			window_start INTEGER NOT NULL,
			count        INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// CreateOrganization inserts a new organization, generating ID and timestamps if unset.
func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = "org_" + uuid.New().String()
	}
	if org.Status == "" {
		org.Status = OrgStatusActive
	}
	now := time.Now().UTC()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = org.CreatedAt

	sealed, err := s.sealer.Seal(org.SigningSecret)
	if err != nil {
		return fmt.Errorf("sealing signing secret: %w", err)
	}

	query := `
		INSERT INTO organizations (id, name, plan, status, signing_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		org.ID,
		org.Name,
		org.Plan,
		org.Status,
		sealed,
		formatTime(org.CreatedAt),
		formatTime(org.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting organization: %w", err)
	}

	s.logger.Debug("created organization", "id", org.ID, "plan", org.Plan)
	return nil
}

// GetOrganization retrieves an organization by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	query := `
		SELECT id, name, plan, status, signing_secret, created_at, updated_at
		FROM organizations
		WHERE id = ?
	`

	var org Organization
	var status, sealed, createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.Name, &org.Plan, &status, &sealed, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}

	org.Status = OrgStatus(status)
	if org.SigningSecret, err = s.sealer.Open(sealed); err != nil {
		return nil, fmt.Errorf("opening signing secret: %w", err)
	}
	if org.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if org.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &org, nil
}

// UpdateOrganizationStatus changes an organization's lifecycle state.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateOrganizationStatus(ctx context.Context, id string, status OrgStatus) error {
	query := `UPDATE organizations SET status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating organization status: %w", err)
	}
	return requireAffected(result)
}

// requireAffected maps zero affected rows to ErrNotFound.
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation checks if the error is a UNIQUE or PRIMARY KEY violation
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// isForeignKeyViolation checks if the error is a FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullTime formats an optional time for a nullable column.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseNullTime parses an optional timestamp column.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
