// ABOUTME: Tests for the batch sink, audit log and usage collector
// ABOUTME: Uses gated fake writers to drive overflow, retry and shutdown paths

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a Writer that stores batches and can be gated or made to fail.
type recorder struct {
	mu      sync.Mutex
	batches [][]int
	calls   int
	failFor int // fail this many calls before succeeding

	gate    chan struct{} // when set, each call waits for it to close
	started chan struct{}
	once    sync.Once
}

func (r *recorder) write(ctx context.Context, batch []int) error {
	if r.started != nil {
		r.once.Do(func() { close(r.started) })
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFor {
		return errors.New("database is locked")
	}
	r.batches = append(r.batches, append([]int(nil), batch...))
	return nil
}

func (r *recorder) written() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []int
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func (r *recorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func closeSink[T any](t *testing.T, s *Sink[T]) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
}

func TestSink_FlushOnBatchSize(t *testing.T) {
	rec := &recorder{}
	s := New[int](rec.write, Options{Name: "test", BatchSize: 3, FlushInterval: time.Hour})
	defer closeSink(t, s)

	s.Submit(1)
	s.Submit(2)
	s.Submit(3)

	require.Eventually(t, func() bool { return rec.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.written())
}

func TestSink_FlushOnInterval(t *testing.T) {
	rec := &recorder{}
	s := New[int](rec.write, Options{Name: "test", BatchSize: 100, FlushInterval: 10 * time.Millisecond})
	defer closeSink(t, s)

	s.Submit(7)

	require.Eventually(t, func() bool { return len(rec.written()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSink_CloseDrains(t *testing.T) {
	rec := &recorder{}
	s := New[int](rec.write, Options{Name: "test", BatchSize: 2, FlushInterval: time.Hour})

	for i := range 5 {
		s.Submit(i)
	}
	closeSink(t, s)

	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, rec.written())
}

func TestSink_DropPolicyCountsDrops(t *testing.T) {
	m := metrics.New()
	rec := &recorder{gate: make(chan struct{}), started: make(chan struct{})}
	s := New[int](rec.write, Options{
		Name:          "usage",
		BufferSize:    2,
		BatchSize:     1,
		FlushInterval: time.Hour,
		Policy:        PolicyDrop,
		Metrics:       m,
	})

	s.Submit(0)
	<-rec.started // loop is now stuck writing record 0

	s.Submit(1)
	s.Submit(2) // buffer full
	s.Submit(3)
	s.Submit(4)
	s.Submit(5)

	close(rec.gate)
	closeSink(t, s)

	assert.ElementsMatch(t, []int{0, 1, 2}, rec.written())
	assert.Contains(t, scrape(t, m), `mcp_gateway_sink_dropped_total{sink="usage"} 3`)
}

func TestSink_BlockPolicyParksOverflow(t *testing.T) {
	rec := &recorder{gate: make(chan struct{}), started: make(chan struct{})}
	s := New[int](rec.write, Options{
		Name:          "audit",
		BufferSize:    2,
		BatchSize:     1,
		FlushInterval: time.Hour,
		BlockTimeout:  time.Millisecond,
		Policy:        PolicyBlock,
	})

	s.Submit(0)
	<-rec.started

	start := time.Now()
	for i := 1; i <= 5; i++ {
		s.Submit(i)
	}
	assert.Less(t, time.Since(start), time.Second, "producers wait only a bounded time")

	close(rec.gate)
	closeSink(t, s)

	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, rec.written())
}

func TestSink_FailedBatchKeptUntilWritten(t *testing.T) {
	m := metrics.New()
	rec := &recorder{failFor: 3}
	s := New[int](rec.write, Options{
		Name:          "audit",
		BatchSize:     2,
		MaxRetries:    2,
		FlushInterval: 10 * time.Millisecond,
		Policy:        PolicyBlock,
		Metrics:       m,
	})
	defer closeSink(t, s)

	s.Submit(1)
	s.Submit(2)

	require.Eventually(t, func() bool { return len(rec.written()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.written(), "records are written exactly once")
	assert.Contains(t, scrape(t, m), `mcp_gateway_sink_flush_failures_total{sink="audit"} 1`)
}

func TestSink_DropPolicyDiscardsFailedBatch(t *testing.T) {
	m := metrics.New()
	rec := &recorder{failFor: 1 << 30}
	s := New[int](rec.write, Options{
		Name:          "usage",
		BatchSize:     10,
		MaxRetries:    1,
		FlushInterval: time.Hour,
		Policy:        PolicyDrop,
		Metrics:       m,
	})

	s.Submit(1)
	s.Submit(2)
	closeSink(t, s)

	assert.Empty(t, rec.written())
	out := scrape(t, m)
	assert.Contains(t, out, `mcp_gateway_sink_dropped_total{sink="usage"} 2`)
	assert.Contains(t, out, `mcp_gateway_sink_flush_failures_total{sink="usage"} 1`)
}

func TestSink_CloseHonorsContext(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	defer close(rec.gate)
	s := New[int](rec.write, Options{Name: "test", FlushInterval: time.Hour, Policy: PolicyBlock})

	s.Submit(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, rec.written())
}

func TestSink_SubmitAfterClose(t *testing.T) {
	t.Run("block policy writes synchronously", func(t *testing.T) {
		rec := &recorder{}
		s := New[int](rec.write, Options{Name: "test", Policy: PolicyBlock})
		closeSink(t, s)

		s.Submit(9)
		assert.Equal(t, []int{9}, rec.written())
	})

	t.Run("drop policy drops", func(t *testing.T) {
		rec := &recorder{}
		s := New[int](rec.write, Options{Name: "test", Policy: PolicyDrop})
		closeSink(t, s)

		s.Submit(9)
		assert.Empty(t, rec.written())
	})
}

func TestSink_UnwrittenRecordsSpillToLogAtShutdown(t *testing.T) {
	type entry struct {
		ID     string `json:"id"`
		Action string `json:"action"`
	}
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	failing := func(context.Context, []entry) error { return errors.New("disk I/O error") }

	s := New[entry](failing, Options{
		Name:          "audit",
		MaxRetries:    1,
		FlushInterval: time.Hour,
		Policy:        PolicyBlock,
		Logger:        logger,
	})
	s.Submit(entry{ID: "a1", Action: "create_key"})
	s.Submit(entry{ID: "a2", Action: "revoke_key"})
	closeSink(t, s)

	var spilled []entry
	for _, line := range bytes.Split(bytes.TrimSpace(logs.Bytes()), []byte("\n")) {
		var rec struct {
			Msg    string `json:"msg"`
			Reason string `json:"reason"`
			Record *entry `json:"record"`
		}
		require.NoError(t, json.Unmarshal(line, &rec))
		if rec.Msg == "unwritten record" {
			assert.Equal(t, "shutdown", rec.Reason)
			require.NotNil(t, rec.Record)
			spilled = append(spilled, *rec.Record)
		}
	}
	assert.Equal(t, []entry{{"a1", "create_key"}, {"a2", "revoke_key"}}, spilled)
}

func TestSink_SubmitAfterCloseSpillsOnFailure(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	rec := &recorder{failFor: 1}
	s := New[int](rec.write, Options{Name: "audit", Policy: PolicyBlock, Logger: logger})
	closeSink(t, s)

	s.Submit(42)
	assert.Empty(t, rec.written())
	assert.Contains(t, logs.String(), `"record":42`)
	assert.Contains(t, logs.String(), `"reason":"submitted after close"`)
}

func TestSink_CloseIdempotent(t *testing.T) {
	rec := &recorder{}
	s := New[int](rec.write, Options{Name: "test"})
	closeSink(t, s)
	closeSink(t, s)
}

func TestSink_ConcurrentSubmit(t *testing.T) {
	rec := &recorder{}
	s := New[int](rec.write, Options{Name: "test", BufferSize: 4096, BatchSize: 16, Policy: PolicyBlock})

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				s.Submit(g*100 + i)
			}
		}()
	}
	wg.Wait()
	closeSink(t, s)

	assert.Len(t, rec.written(), 800)
}

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAuditLog_PersistsEntries(t *testing.T) {
	st := newSQLiteStore(t)
	audit := NewAuditLog(st, Options{FlushInterval: time.Hour})

	for _, target := range []string{"mcp_a", "mcp_b", "mcp_c"} {
		audit.Record(store.AuditEntry{
			OrgID:      "org_1",
			ActorType:  store.ActorAPIKey,
			ActorID:    "key_1",
			Action:     store.AuditProxyFailure,
			Category:   store.CategoryProxy,
			TargetType: "mcp_server",
			TargetID:   target,
			Detail:     map[string]any{"code": "mcp_unreachable"},
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, audit.Close(ctx))

	entries, err := st.ListAuditLog(context.Background(), store.AuditFilter{OrgID: "org_1"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
		assert.Equal(t, "mcp_unreachable", e.Detail["code"])
	}
}

func TestUsageCollector_PersistsRecords(t *testing.T) {
	st := newSQLiteStore(t)
	usage := NewUsageCollector(st, Options{FlushInterval: time.Hour})

	usage.Record(store.UsageRecord{
		OrgID: "org_1", KeyID: "key_1", ServerID: "weather", Tool: "forecast",
		Latency: 40 * time.Millisecond, Outcome: store.OutcomeSuccess, StatusCode: 200,
		BytesIn: 10, BytesOut: 100,
	})
	usage.Record(store.UsageRecord{
		OrgID: "org_1", KeyID: "key_1", ServerID: "weather", Tool: "forecast",
		Latency: 60 * time.Millisecond, Outcome: "mcp_timeout", StatusCode: 504,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, usage.Close(ctx))

	stats, err := st.GetUsageStats(context.Background(), store.UsageFilter{OrgID: "org_1"})
	require.NoError(t, err)
	if stats.Requests != 2 {
		t.Errorf("Requests = %d, want 2", stats.Requests)
	}
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(100), stats.BytesOut)
	require.Len(t, stats.ByServer, 1)
	assert.Equal(t, "weather", stats.ByServer[0].ServerID)
}
