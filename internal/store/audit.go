// ABOUTME: Audit log entity and store methods for security and administrative events
// ABOUTME: Entries are append-only and always belong to exactly one organization

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditAuthFailure     AuditAction = "auth_failure"
	AuditCreateAPIKey    AuditAction = "create_api_key"
	AuditRevokeAPIKey    AuditAction = "revoke_api_key"
	AuditCreateServer    AuditAction = "create_mcp_server"
	AuditUpdateServer    AuditAction = "update_mcp_server"
	AuditDeleteServer    AuditAction = "delete_mcp_server"
	AuditHealthChange    AuditAction = "health_transition"
	AuditProxyFailure    AuditAction = "proxy_failure"
	AuditAccessDenied    AuditAction = "access_denied"
	AuditRateLimited     AuditAction = "rate_limited"
	AuditCreateOrg       AuditAction = "create_organization"
	AuditMintServiceAuth AuditAction = "mint_service_token"
)

// AuditCategory separates security records from informational ones.
type AuditCategory string

const (
	CategorySecurity AuditCategory = "security"
	CategoryAdmin    AuditCategory = "admin"
	CategoryHealth   AuditCategory = "health"
	CategoryProxy    AuditCategory = "proxy"
)

// Actor types
const (
	ActorAPIKey         = "api_key"
	ActorServiceAccount = "service_account"
	ActorSystem         = "system"
	ActorAnonymous      = "anonymous"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	OrgID      string         // owning organization
	ActorType  string         // api_key, service_account, system, anonymous
	ActorID    string         // key id, service account id, or key prefix for failed lookups
	Action     AuditAction    // what happened
	Category   AuditCategory  // security, admin, health, proxy
	TargetType string         // "mcp_server", "api_key", "organization"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context, never credentials
}

// AuditFilter specifies filtering options for listing audit entries.
// OrgID is mandatory; there is no cross-organization listing.
type AuditFilter struct {
	OrgID    string
	Since    *time.Time
	Until    *time.Time
	ActorID  *string
	Action   *AuditAction
	Category *AuditCategory
	TargetID *string
	Limit    int // default 100, max 1000
}

// AuditStore persists audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	AppendAuditBatch(ctx context.Context, entries []AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// prepareAuditEntry fills ID and Timestamp when unset.
func prepareAuditEntry(e *AuditEntry) (*string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Detail == nil {
		return nil, nil
	}
	data, err := json.Marshal(e.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit detail: %w", err)
	}
	str := string(data)
	return &str, nil
}

const insertAuditQuery = `
	INSERT INTO audit_log (audit_id, org_id, actor_type, actor_id, action, category, target_type, target_id, ts, detail_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, e *AuditEntry) error {
	detailJSON, err := prepareAuditEntry(e)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, insertAuditQuery,
		e.ID,
		e.OrgID,
		e.ActorType,
		e.ActorID,
		e.Action,
		e.Category,
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		// A retried batch may contain entries that already landed.
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if err := insertAudit(ctx, s.db, e); err != nil {
		return err
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"org_id", e.OrgID,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// AppendAuditBatch appends entries in one transaction. Entries whose ID is
// already stored are skipped, so a retried batch never duplicates records.
func (s *SQLiteStore) AppendAuditBatch(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range entries {
		if err := insertAudit(ctx, tx, &entries[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing audit batch: %w", err)
	}
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var action, category, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.OrgID,
		&e.ActorType,
		&e.ActorID,
		&action,
		&category,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(action)
	e.Category = AuditCategory(category)
	var err error
	if e.Timestamp, err = parseTime(tsStr); err != nil {
		return e, err
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, org_id, actor_type, actor_id, action, category, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE org_id = ?
	  AND (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR category = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns an organization's audit entries matching the filter.
// Results are returned newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, until, action, category *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}
	if f.Until != nil {
		v := formatTime(*f.Until)
		until = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		action = &v
	}
	if f.Category != nil {
		v := string(*f.Category)
		category = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		f.OrgID,
		since, since,
		until, until,
		f.ActorID, f.ActorID,
		action, action,
		category, category,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
