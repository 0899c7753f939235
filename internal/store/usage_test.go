// ABOUTME: Tests for usage record persistence and aggregation
// ABOUTME: Verifies per-organization totals and per-server breakdowns

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageStore_SaveAndAggregate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	records := []UsageRecord{
		{OrgID: "org_a", KeyID: "k1", ServerID: "mcp_1", Tool: "t", Latency: 100 * time.Millisecond, Outcome: OutcomeSuccess, StatusCode: 200, BytesIn: 10, BytesOut: 20},
		{OrgID: "org_a", KeyID: "k1", ServerID: "mcp_1", Tool: "t", Latency: 300 * time.Millisecond, Outcome: "mcp_timeout", StatusCode: 504, BytesIn: 10},
		{OrgID: "org_a", KeyID: "k2", ServerID: "mcp_2", Tool: "u", Latency: 200 * time.Millisecond, Outcome: OutcomeSuccess, StatusCode: 200, BytesIn: 5, BytesOut: 50},
		{OrgID: "org_b", KeyID: "k9", ServerID: "mcp_9", Tool: "t", Latency: time.Second, Outcome: OutcomeSuccess, StatusCode: 200},
	}
	require.NoError(t, store.SaveUsageBatch(ctx, records))

	stats, err := store.GetUsageStats(ctx, UsageFilter{OrgID: "org_a"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, int64(2), stats.Successes)
	assert.Equal(t, int64(1), stats.Errors)
	assert.InDelta(t, 200.0, stats.AvgLatencyMs, 0.01)
	assert.Equal(t, int64(25), stats.BytesIn)
	assert.Equal(t, int64(70), stats.BytesOut)

	require.Len(t, stats.ByServer, 2)
	assert.Equal(t, "mcp_1", stats.ByServer[0].ServerID)
	assert.Equal(t, int64(2), stats.ByServer[0].Requests)
	assert.Equal(t, int64(1), stats.ByServer[0].Errors)

	server := "mcp_2"
	stats, err = store.GetUsageStats(ctx, UsageFilter{OrgID: "org_a", ServerID: &server})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Requests)
}

func TestUsageStore_EmptyOrg(t *testing.T) {
	store := setupTestStore(t)

	stats, err := store.GetUsageStats(context.Background(), UsageFilter{OrgID: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, stats.Requests)
	assert.Empty(t, stats.ByServer)
}

func TestUsageStore_TimeRange(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, store.SaveUsageBatch(ctx, []UsageRecord{
		{OrgID: "org_a", ServerID: "mcp_1", Outcome: OutcomeSuccess, CreatedAt: old},
		{OrgID: "org_a", ServerID: "mcp_1", Outcome: OutcomeSuccess},
	}))

	since := time.Now().Add(-time.Hour)
	stats, err := store.GetUsageStats(ctx, UsageFilter{OrgID: "org_a", Since: &since})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Requests)
}
