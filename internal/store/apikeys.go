// ABOUTME: API key persistence with organization-scoped reads and writes
// ABOUTME: Scope rows are written in the same transaction as the key itself

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const apiKeyColumns = `
	id, org_id, name, key_prefix, key_hash, role, scope_mode, rate_limit_rps,
	expires_at, revoked, revoked_at, last_used_at, created_by, created_at
`

// CreateAPIKey inserts a key and its scope entries atomically.
// Returns ErrInvalidScope if any scoped MCP id does not belong to the key's organization.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = "key_" + uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		key.ID,
		key.OrgID,
		key.Name,
		key.Prefix,
		key.Hash,
		key.Role,
		key.ScopeMode,
		key.RateLimitRPS,
		nullTime(key.ExpiresAt),
		key.CreatedBy,
		formatTime(key.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	if key.ScopeMode == ScopeSelected {
		for _, mcpID := range key.MCPIDs {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO api_key_mcps (key_id, org_id, mcp_id) VALUES (?, ?, ?)`,
				key.ID, key.OrgID, mcpID,
			)
			if err != nil {
				if isForeignKeyViolation(err) {
					return fmt.Errorf("%w: %s", ErrInvalidScope, mcpID)
				}
				return fmt.Errorf("inserting api key scope: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		if isForeignKeyViolation(err) {
			return ErrInvalidScope
		}
		return fmt.Errorf("committing api key: %w", err)
	}

	s.logger.Debug("created api key", "id", key.ID, "org_id", key.OrgID, "scope", key.ScopeMode)
	return nil
}

// GetAPIKey retrieves a key within an organization.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, orgID, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE org_id = ? AND id = ?`, orgID, id)
	return s.loadAPIKey(ctx, row)
}

// GetAPIKeyByHash retrieves a key by its credential hash. The hash is derived
// from the presented secret, so the lookup cannot be aimed at another
// organization's keys.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return s.loadAPIKey(ctx, row)
}

// ListAPIKeys returns all keys of an organization, newest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context, orgID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE org_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}

	for _, k := range keys {
		if err := s.loadKeyScope(ctx, k); err != nil {
			return nil, err
		}
	}
	if keys == nil {
		keys = []*APIKey{}
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked. Revocation is terminal.
// Returns ErrNotFound if the key is not in the organization, ErrAlreadyRevoked if already revoked.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = 1, revoked_at = ? WHERE org_id = ? AND id = ? AND revoked = 0`,
		formatTime(time.Now()), orgID, id,
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if err := requireAffected(result); err == nil {
		return nil
	}

	if _, err := s.GetAPIKey(ctx, orgID, id); err != nil {
		return err
	}
	return ErrAlreadyRevoked
}

// TouchAPIKey records the last time a key was used.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) loadAPIKey(ctx context.Context, row *sql.Row) (*APIKey, error) {
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadKeyScope(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// loadKeyScope fills MCPIDs for selected-scope keys.
func (s *SQLiteStore) loadKeyScope(ctx context.Context, k *APIKey) error {
	if k.ScopeMode != ScopeSelected {
		return nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT mcp_id FROM api_key_mcps WHERE key_id = ? AND org_id = ? ORDER BY mcp_id`, k.ID, k.OrgID)
	if err != nil {
		return fmt.Errorf("querying api key scope: %w", err)
	}
	defer func() { _ = rows.Close() }()

	k.MCPIDs = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scanning api key scope: %w", err)
		}
		k.MCPIDs = append(k.MCPIDs, id)
	}
	return rows.Err()
}

func scanAPIKey(scanner interface{ Scan(dest ...any) error }) (*APIKey, error) {
	var k APIKey
	var role, mode, createdAt string
	var revoked int
	var expiresAt, revokedAt, lastUsedAt sql.NullString

	err := scanner.Scan(
		&k.ID, &k.OrgID, &k.Name, &k.Prefix, &k.Hash, &role, &mode, &k.RateLimitRPS,
		&expiresAt, &revoked, &revokedAt, &lastUsedAt, &k.CreatedBy, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}

	k.Role = Role(role)
	k.ScopeMode = ScopeMode(mode)
	k.Revoked = revoked != 0
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if k.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if k.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, err
	}
	if k.LastUsedAt, err = parseNullTime(lastUsedAt); err != nil {
		return nil, err
	}
	return &k, nil
}
