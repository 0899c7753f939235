// ABOUTME: Asynchronous audit log writer backed by the batch sink
// ABOUTME: Assigns IDs at submit time so retried batches stay idempotent

package sink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/store"
)

// AuditLog records audit entries without blocking callers on storage.
type AuditLog struct {
	sink *Sink[store.AuditEntry]
}

// NewAuditLog creates an audit log writing to st. The policy is always
// PolicyBlock regardless of opts.
func NewAuditLog(st store.AuditStore, opts Options) *AuditLog {
	if opts.Name == "" {
		opts.Name = "audit"
	}
	opts.Policy = PolicyBlock
	return &AuditLog{sink: New[store.AuditEntry](st.AppendAuditBatch, opts)}
}

// Record enqueues an entry. The ID is fixed here, before any write attempt,
// so the store can skip entries a failed batch already persisted.
func (a *AuditLog) Record(e store.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	a.sink.Submit(e)
}

// Close flushes pending entries.
func (a *AuditLog) Close(ctx context.Context) error {
	return a.sink.Close(ctx)
}
