// ABOUTME: MCP server persistence scoped by organization
// ABOUTME: Downstream credentials are sealed before they reach the database

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const serverColumns = `
	org_id, id, name, endpoint, transport, auth_type, auth_sealed, tools_json,
	status, timeout_ms, created_at, updated_at
`

// CreateMCPServer registers a server, generating its ID if unset.
// Returns ErrConflict if the ID is already used within the organization.
func (s *SQLiteStore) CreateMCPServer(ctx context.Context, srv *MCPServer) error {
	if srv.ID == "" {
		srv.ID = "mcp_" + uuid.New().String()
	}
	if srv.Status == "" {
		srv.Status = ServerActive
	}
	if srv.Transport == "" {
		srv.Transport = TransportHTTP
	}
	if srv.Auth.Type == "" {
		srv.Auth.Type = AuthNone
	}
	now := time.Now().UTC()
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = now
	}
	srv.UpdatedAt = srv.CreatedAt

	authSealed, toolsJSON, err := s.encodeServer(srv)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO mcp_servers (` + serverColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		srv.OrgID, srv.ID, srv.Name, srv.Endpoint, srv.Transport,
		srv.Auth.Type, authSealed, toolsJSON, srv.Status, srv.Timeout.Milliseconds(),
		formatTime(srv.CreatedAt), formatTime(srv.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting mcp server: %w", err)
	}

	s.logger.Debug("created mcp server", "id", srv.ID, "org_id", srv.OrgID)
	return nil
}

// GetMCPServer retrieves a server within an organization.
// Returns ErrNotFound if it is absent from that organization.
func (s *SQLiteStore) GetMCPServer(ctx context.Context, orgID, id string) (*MCPServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE org_id = ? AND id = ?`, orgID, id)
	srv, err := s.scanServer(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return srv, err
}

// ListMCPServers returns one page of an organization's servers ordered by ID,
// along with the organization's total server count.
func (s *SQLiteStore) ListMCPServers(ctx context.Context, orgID string, limit, offset int) ([]*MCPServer, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mcp_servers WHERE org_id = ?`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting mcp servers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE org_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		orgID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("querying mcp servers: %w", err)
	}
	servers, err := s.collectServers(rows)
	if err != nil {
		return nil, 0, err
	}
	return servers, total, nil
}

// ListActiveMCPServers returns active servers across all organizations.
// Only the health monitor uses it, to schedule probes at startup.
func (s *SQLiteStore) ListActiveMCPServers(ctx context.Context) ([]*MCPServer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM mcp_servers WHERE status = ? ORDER BY org_id, id`, ServerActive)
	if err != nil {
		return nil, fmt.Errorf("querying active mcp servers: %w", err)
	}
	return s.collectServers(rows)
}

// UpdateMCPServer overwrites the mutable fields of a server within its organization.
func (s *SQLiteStore) UpdateMCPServer(ctx context.Context, srv *MCPServer) error {
	srv.UpdatedAt = time.Now().UTC()
	authSealed, toolsJSON, err := s.encodeServer(srv)
	if err != nil {
		return err
	}

	query := `
		UPDATE mcp_servers
		SET name = ?, endpoint = ?, transport = ?, auth_type = ?, auth_sealed = ?,
		    tools_json = ?, status = ?, timeout_ms = ?, updated_at = ?
		WHERE org_id = ? AND id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		srv.Name, srv.Endpoint, srv.Transport, srv.Auth.Type, authSealed,
		toolsJSON, srv.Status, srv.Timeout.Milliseconds(), formatTime(srv.UpdatedAt),
		srv.OrgID, srv.ID,
	)
	if err != nil {
		return fmt.Errorf("updating mcp server: %w", err)
	}
	return requireAffected(result)
}

// DeleteMCPServer removes a server; scope entries referencing it cascade away.
func (s *SQLiteStore) DeleteMCPServer(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM mcp_servers WHERE org_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return fmt.Errorf("deleting mcp server: %w", err)
	}
	return requireAffected(result)
}

func (s *SQLiteStore) encodeServer(srv *MCPServer) (authSealed, toolsJSON string, err error) {
	authJSON, err := json.Marshal(srv.Auth)
	if err != nil {
		return "", "", fmt.Errorf("marshaling server auth: %w", err)
	}
	if authSealed, err = s.sealer.Seal(string(authJSON)); err != nil {
		return "", "", fmt.Errorf("sealing server auth: %w", err)
	}

	tools := srv.Tools
	if tools == nil {
		tools = []string{}
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return "", "", fmt.Errorf("marshaling tools: %w", err)
	}
	return authSealed, string(data), nil
}

func (s *SQLiteStore) collectServers(rows *sql.Rows) ([]*MCPServer, error) {
	defer func() { _ = rows.Close() }()

	servers := []*MCPServer{}
	for rows.Next() {
		srv, err := s.scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mcp servers: %w", err)
	}
	return servers, nil
}

func (s *SQLiteStore) scanServer(scanner interface{ Scan(dest ...any) error }) (*MCPServer, error) {
	var srv MCPServer
	var authType, authSealed, toolsJSON, status, createdAt, updatedAt string
	var timeoutMs int64

	err := scanner.Scan(
		&srv.OrgID, &srv.ID, &srv.Name, &srv.Endpoint, &srv.Transport,
		&authType, &authSealed, &toolsJSON, &status, &timeoutMs, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mcp server: %w", err)
	}

	srv.Status = ServerStatus(status)
	srv.Timeout = time.Duration(timeoutMs) * time.Millisecond

	authJSON, err := s.sealer.Open(authSealed)
	if err != nil {
		return nil, fmt.Errorf("opening server auth: %w", err)
	}
	if authJSON != "" {
		if err := json.Unmarshal([]byte(authJSON), &srv.Auth); err != nil {
			return nil, fmt.Errorf("unmarshaling server auth: %w", err)
		}
	}
	if srv.Auth.Type == "" {
		srv.Auth.Type = AuthType(authType)
	}
	if err := json.Unmarshal([]byte(toolsJSON), &srv.Tools); err != nil {
		return nil, fmt.Errorf("unmarshaling tools: %w", err)
	}
	if srv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if srv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &srv, nil
}
