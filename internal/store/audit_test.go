// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers Append, batch append idempotence and organization-scoped listing

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		OrgID:      "org_a",
		ActorType:  ActorAPIKey,
		ActorID:    "key_1",
		Action:     AuditCreateServer,
		Category:   CategoryAdmin,
		TargetType: "mcp_server",
		TargetID:   "mcp_123",
		Detail:     map[string]any{"endpoint": "https://weather.example.com"},
	}

	require.NoError(t, store.AppendAuditLog(ctx, entry))

	// Should have generated ID and timestamp
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditStore_ListNewestFirstAndScoped(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, action := range []AuditAction{AuditCreateAPIKey, AuditRevokeAPIKey, AuditProxyFailure} {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			OrgID:      "org_a",
			ActorType:  ActorAPIKey,
			ActorID:    "key_1",
			Action:     action,
			Category:   CategorySecurity,
			TargetType: "api_key",
			TargetID:   fmt.Sprintf("target-%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Millisecond),
		}))
	}
	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		OrgID: "org_b", ActorType: ActorSystem, ActorID: "health", Action: AuditHealthChange,
		Category: CategoryHealth, TargetType: "mcp_server", TargetID: "x",
	}))

	entries, err := store.ListAuditLog(ctx, AuditFilter{OrgID: "org_a"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditProxyFailure, entries[0].Action)

	other, err := store.ListAuditLog(ctx, AuditFilter{OrgID: "org_b"})
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, CategoryHealth, other[0].Category)
}

func TestAuditStore_ListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			OrgID:      "org_a",
			ActorType:  ActorAPIKey,
			ActorID:    fmt.Sprintf("key_%d", i),
			Action:     AuditProxyFailure,
			Category:   CategoryProxy,
			TargetType: "mcp_server",
			TargetID:   "mcp_123",
			Timestamp:  base.Add(time.Duration(i) * 10 * time.Minute),
		}))
	}

	since := base.Add(15 * time.Minute)
	entries, err := store.ListAuditLog(ctx, AuditFilter{OrgID: "org_a", Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	actor := "key_1"
	entries, err = store.ListAuditLog(ctx, AuditFilter{OrgID: "org_a", ActorID: &actor})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "key_1", entries[0].ActorID)

	cat := CategorySecurity
	entries, err = store.ListAuditLog(ctx, AuditFilter{OrgID: "org_a", Category: &cat})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = store.ListAuditLog(ctx, AuditFilter{OrgID: "org_a", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAuditStore_BatchRetryDoesNotDuplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	batch := []AuditEntry{
		{OrgID: "org_a", ActorType: ActorSystem, ActorID: "s", Action: AuditHealthChange, Category: CategoryHealth, TargetType: "mcp_server", TargetID: "a"},
		{OrgID: "org_a", ActorType: ActorSystem, ActorID: "s", Action: AuditHealthChange, Category: CategoryHealth, TargetType: "mcp_server", TargetID: "b"},
	}
	require.NoError(t, store.AppendAuditBatch(ctx, batch))
	// IDs were assigned in place, so a replay hits the same rows.
	require.NoError(t, store.AppendAuditBatch(ctx, batch))

	entries, err := store.ListAuditLog(ctx, AuditFilter{OrgID: "org_a"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
	assert.Equal(t, 7, normalizeAuditLimit(7))
}
