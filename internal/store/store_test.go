// ABOUTME: Tests for organization, MCP server and API key persistence
// ABOUTME: Covers CRUD, organization isolation and scope integrity

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func createTestOrg(t *testing.T, s *SQLiteStore, id string) *Organization {
	t.Helper()
	org := &Organization{ID: id, Name: id, Plan: "free", SigningSecret: "secret-" + id}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return org
}

func createTestServer(t *testing.T, s *SQLiteStore, orgID, id string) *MCPServer {
	t.Helper()
	srv := &MCPServer{
		ID:       id,
		OrgID:    orgID,
		Name:     "server " + id,
		Endpoint: "https://" + id + ".example.com/mcp",
		Auth:     ServerAuth{Type: AuthBearer, Token: "downstream-token"},
		Tools:    []string{"get_weather"},
	}
	require.NoError(t, s.CreateMCPServer(context.Background(), srv))
	return srv
}

func TestStore_Organization(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	org := createTestOrg(t, s, "org_a")
	assert.Equal(t, OrgStatusActive, org.Status)

	got, err := s.GetOrganization(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, "free", got.Plan)
	assert.Equal(t, "secret-org_a", got.SigningSecret)

	require.NoError(t, s.UpdateOrganizationStatus(ctx, "org_a", OrgStatusSuspended))
	got, err = s.GetOrganization(ctx, "org_a")
	require.NoError(t, err)
	assert.Equal(t, OrgStatusSuspended, got.Status)

	_, err = s.GetOrganization(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateOrganizationStatus(ctx, "missing", OrgStatusDeleted), ErrNotFound)
	assert.ErrorIs(t, s.CreateOrganization(ctx, &Organization{ID: "org_a", Name: "dup", Plan: "free"}), ErrConflict)
}

func TestStore_MCPServerCRUD(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, s, "org_a")

	srv := createTestServer(t, s, "org_a", "mcp_123")
	assert.Equal(t, ServerActive, srv.Status)
	assert.Equal(t, "http", srv.Transport)

	got, err := s.GetMCPServer(ctx, "org_a", "mcp_123")
	require.NoError(t, err)
	assert.Equal(t, srv.Endpoint, got.Endpoint)
	assert.Equal(t, ServerAuth{Type: AuthBearer, Token: "downstream-token"}, got.Auth)
	assert.Equal(t, []string{"get_weather"}, got.Tools)

	got.Name = "renamed"
	got.Timeout = 5 * time.Second
	got.Status = ServerInactive
	require.NoError(t, s.UpdateMCPServer(ctx, got))

	updated, err := s.GetMCPServer(ctx, "org_a", "mcp_123")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 5*time.Second, updated.Timeout)
	assert.Equal(t, ServerInactive, updated.Status)

	assert.ErrorIs(t, s.CreateMCPServer(ctx, &MCPServer{ID: "mcp_123", OrgID: "org_a", Name: "x", Endpoint: "https://x"}), ErrConflict)

	require.NoError(t, s.DeleteMCPServer(ctx, "org_a", "mcp_123"))
	_, err = s.GetMCPServer(ctx, "org_a", "mcp_123")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteMCPServer(ctx, "org_a", "mcp_123"), ErrNotFound)
}

func TestStore_MCPServerUnknownOrg(t *testing.T) {
	s := setupTestStore(t)
	err := s.CreateMCPServer(context.Background(), &MCPServer{OrgID: "ghost", Name: "x", Endpoint: "https://x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListMCPServersPaginated(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, s, "org_a")
	createTestOrg(t, s, "org_b")

	for _, id := range []string{"mcp_1", "mcp_2", "mcp_3"} {
		createTestServer(t, s, "org_a", id)
	}
	createTestServer(t, s, "org_b", "mcp_other")

	page, total, err := s.ListMCPServers(ctx, "org_a", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, "mcp_1", page[0].ID)

	page, _, err = s.ListMCPServers(ctx, "org_a", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mcp_3", page[0].ID)

	active, err := s.ListActiveMCPServers(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 4)
}

func TestStore_OrganizationIsolation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, s, "org_a")
	createTestOrg(t, s, "org_b")
	createTestServer(t, s, "org_a", "mcp_123")

	// Same id in another organization is a different server.
	_, err := s.GetMCPServer(ctx, "org_b", "mcp_123")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteMCPServer(ctx, "org_b", "mcp_123"), ErrNotFound)
	assert.ErrorIs(t, s.UpdateMCPServer(ctx, &MCPServer{OrgID: "org_b", ID: "mcp_123", Name: "hijack", Endpoint: "https://evil"}), ErrNotFound)

	servers, total, err := s.ListMCPServers(ctx, "org_b", 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, servers)
}

func TestStore_APIKeyLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, s, "org_a")
	createTestServer(t, s, "org_a", "mcp_123")

	expires := time.Now().Add(time.Hour).UTC()
	key := &APIKey{
		OrgID:     "org_a",
		Name:      "k1",
		Prefix:    "mcpgw_v1_abc",
		Hash:      "hash-1",
		Role:      RoleMember,
		ScopeMode: ScopeSelected,
		MCPIDs:    []string{"mcp_123"},
		ExpiresAt: &expires,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.NotEmpty(t, key.ID)

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)
	assert.Equal(t, []string{"mcp_123"}, got.MCPIDs)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, expires, *got.ExpiresAt, time.Millisecond)
	assert.False(t, got.Revoked)

	now := time.Now()
	require.NoError(t, s.TouchAPIKey(ctx, key.ID, now))
	got, err = s.GetAPIKey(ctx, "org_a", key.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, "org_a", key.ID))
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, "org_a", key.ID), ErrAlreadyRevoked)

	got, err = s.GetAPIKey(ctx, "org_a", key.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.NotNil(t, got.RevokedAt)

	keys, err := s.ListAPIKeys(ctx, "org_a")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestStore_APIKeyScopeRejectsForeignServer(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, s, "org_a")
	createTestOrg(t, s, "org_b")
	createTestServer(t, s, "org_b", "mcp_456")

	key := &APIKey{
		OrgID:     "org_a",
		Name:      "sneaky",
		Prefix:    "p",
		Hash:      "hash-2",
		Role:      RoleMember,
		ScopeMode: ScopeSelected,
		MCPIDs:    []string{"mcp_456"},
	}
	err := s.CreateAPIKey(ctx, key)
	assert.ErrorIs(t, err, ErrInvalidScope)

	// The failed transaction must not leave a key behind.
	_, err = s.GetAPIKeyByHash(ctx, "hash-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteServerCascadesScope(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, s, "org_a")
	createTestServer(t, s, "org_a", "mcp_1")
	createTestServer(t, s, "org_a", "mcp_2")

	key := &APIKey{OrgID: "org_a", Name: "k", Prefix: "p", Hash: "h", Role: RoleMember,
		ScopeMode: ScopeSelected, MCPIDs: []string{"mcp_1", "mcp_2"}}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	require.NoError(t, s.DeleteMCPServer(ctx, "org_a", "mcp_1"))

	got, err := s.GetAPIKey(ctx, "org_a", key.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mcp_2"}, got.MCPIDs)
}

func TestStore_APIKeyOtherOrgInvisible(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, s, "org_a")
	createTestOrg(t, s, "org_b")

	key := &APIKey{OrgID: "org_a", Name: "k", Prefix: "p", Hash: "h", Role: RoleAdmin, ScopeMode: ScopeAll}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	_, err := s.GetAPIKey(ctx, "org_b", key.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, "org_b", key.ID), ErrNotFound)

	keys, err := s.ListAPIKeys(ctx, "org_b")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

type reverseSealer struct{}

func (reverseSealer) Seal(s string) (string, error) { return "sealed:" + s, nil }
func (reverseSealer) Open(s string) (string, error) { return s[len("sealed:"):], nil }

func TestStore_SealsCredentials(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sealed.db"), reverseSealer{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	createTestOrg(t, s, "org_a")
	createTestServer(t, s, "org_a", "mcp_1")

	var raw string
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT auth_sealed FROM mcp_servers WHERE id = 'mcp_1'`).Scan(&raw))
	assert.Contains(t, raw, "sealed:")

	got, err := s.GetMCPServer(ctx, "org_a", "mcp_1")
	require.NoError(t, err)
	assert.Equal(t, "downstream-token", got.Auth.Token)
}

func TestMCPServer_HasTool(t *testing.T) {
	open := &MCPServer{}
	assert.True(t, open.HasTool("anything"))

	declared := &MCPServer{Tools: []string{"a", "b"}}
	assert.True(t, declared.HasTool("b"))
	assert.False(t, declared.HasTool("c"))
}
