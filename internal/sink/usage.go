// ABOUTME: Asynchronous usage collector backed by the batch sink
// ABOUTME: Sheds records under pressure but counts every one it sheds

package sink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/store"
)

// UsageCollector records per-call usage.
type UsageCollector struct {
	sink *Sink[store.UsageRecord]
}

// NewUsageCollector creates a collector writing to st with PolicyDrop.
func NewUsageCollector(st store.UsageStore, opts Options) *UsageCollector {
	if opts.Name == "" {
		opts.Name = "usage"
	}
	opts.Policy = PolicyDrop
	return &UsageCollector{sink: New[store.UsageRecord](st.SaveUsageBatch, opts)}
}

// Record enqueues a usage record.
func (u *UsageCollector) Record(r store.UsageRecord) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	u.sink.Submit(r)
}

// Close flushes pending records.
func (u *UsageCollector) Close(ctx context.Context) error {
	return u.sink.Close(ctx)
}
