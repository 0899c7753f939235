// ABOUTME: Health monitor running one probe goroutine per tracked MCP server
// ABOUTME: Publishes snapshots lock-free and reports transitions to audit and alerts

package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/store"
)

// Transition describes a change of a server's state.
type Transition struct {
	OrgID    string
	ServerID string
	From     State
	To       State
	Error    string
	At       time.Time
}

// ServerLister loads the servers to track at startup.
type ServerLister interface {
	ListActiveMCPServers(ctx context.Context) ([]*store.MCPServer, error)
}

// Config configures a Monitor.
type Config struct {
	Prober     Prober
	Interval   time.Duration
	Timeout    time.Duration
	Thresholds Thresholds
	Audit      auth.AuditRecorder
	Metrics    *metrics.Metrics
	// OnTransition is an optional alert hook. It runs on the probe goroutine.
	OnTransition func(Transition)
	Logger       *slog.Logger
}

type serverKey struct {
	orgID string
	id    string
}

// probe is one server's probe loop and its published state.
type probe struct {
	srv    atomic.Pointer[store.MCPServer]
	snap   atomic.Pointer[Snapshot]
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor tracks server health.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex // serializes Track, Untrack and Close
	probes sync.Map   // serverKey -> *probe
	ctx    context.Context
	stop   context.CancelFunc
	closed bool
}

// NewMonitor creates a monitor. Probing starts when servers are tracked.
func NewMonitor(cfg Config) *Monitor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Thresholds.Failure < 1 {
		cfg.Thresholds.Failure = 3
	}
	if cfg.Thresholds.Recovery < 1 {
		cfg.Thresholds.Recovery = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Monitor{
		cfg:    cfg,
		logger: logger.With("component", "health"),
		now:    time.Now,
		ctx:    ctx,
		stop:   stop,
	}
}

// Run tracks every active server, then blocks until ctx is done and stops
// all probes.
func (m *Monitor) Run(ctx context.Context, servers ServerLister) error {
	list, err := servers.ListActiveMCPServers(ctx)
	if err != nil {
		return fmt.Errorf("loading servers to monitor: %w", err)
	}
	for _, srv := range list {
		m.Track(srv)
	}
	m.logger.Info("health monitor started", "servers", len(list), "interval", m.cfg.Interval)

	<-ctx.Done()
	m.Close()
	return nil
}

// Track starts probing srv, or updates the server probed if already tracked.
// Inactive servers are untracked.
func (m *Monitor) Track(srv *store.MCPServer) {
	if srv.Status != store.ServerActive {
		m.Untrack(srv.OrgID, srv.ID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	key := serverKey{orgID: srv.OrgID, id: srv.ID}
	if v, ok := m.probes.Load(key); ok {
		v.(*probe).srv.Store(srv)
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	p := &probe{cancel: cancel, done: make(chan struct{})}
	p.srv.Store(srv)
	p.snap.Store(unknownSnapshot)
	m.probes.Store(key, p)

	go m.run(ctx, p)
}

// Untrack stops probing a server and waits for its goroutine to exit.
func (m *Monitor) Untrack(orgID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.probes.LoadAndDelete(serverKey{orgID: orgID, id: id})
	if !ok {
		return
	}
	p := v.(*probe)
	p.cancel()
	<-p.done
}

// ServerSaved lets the monitor observe registry changes.
func (m *Monitor) ServerSaved(srv *store.MCPServer) { m.Track(srv) }

// ServerRemoved lets the monitor observe registry changes.
func (m *Monitor) ServerRemoved(srv *store.MCPServer) { m.Untrack(srv.OrgID, srv.ID) }

// Status returns the latest snapshot of a server. Untracked servers are unknown.
func (m *Monitor) Status(orgID, id string) *Snapshot {
	if m == nil {
		return unknownSnapshot
	}
	v, ok := m.probes.Load(serverKey{orgID: orgID, id: id})
	if !ok {
		return unknownSnapshot
	}
	return v.(*probe).snap.Load()
}

// Tracked returns the number of servers being probed.
func (m *Monitor) Tracked() int {
	n := 0
	m.probes.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops every probe and waits for them to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.stop()

	m.probes.Range(func(k, v any) bool {
		<-v.(*probe).done
		m.probes.Delete(k)
		return true
	})
}

func (m *Monitor) run(ctx context.Context, p *probe) {
	defer close(p.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx, p)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, p)
		}
	}
}

// check runs one probe and publishes the result.
func (m *Monitor) check(ctx context.Context, p *probe) {
	srv := p.srv.Load()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	start := m.now()
	err := m.cfg.Prober.Probe(probeCtx, srv)
	latency := m.now().Sub(start)
	cancel()

	if ctx.Err() != nil {
		// Untracked or shutting down mid-probe; the result says nothing about the server.
		return
	}

	prev := p.snap.Load()
	snap := next(prev, err, latency, m.now(), m.cfg.Thresholds)
	p.snap.Store(snap)

	if snap.State != prev.State {
		m.transition(srv, Transition{
			OrgID:    srv.OrgID,
			ServerID: srv.ID,
			From:     prev.State,
			To:       snap.State,
			Error:    snap.LastError,
			At:       snap.LastChecked,
		})
	} else if err != nil {
		m.logger.Debug("probe failed", "org_id", srv.OrgID, "mcp_id", srv.ID, "failures", snap.ConsecutiveFailures, "error", err)
	}
}

func (m *Monitor) transition(srv *store.MCPServer, t Transition) {
	level := slog.LevelInfo
	if t.To == StateUnhealthy {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "mcp server health changed",
		"org_id", t.OrgID,
		"mcp_id", t.ServerID,
		"from", t.From,
		"to", t.To,
		"error", t.Error,
	)
	m.cfg.Metrics.IncHealthTransition(string(t.To))

	if m.cfg.Audit != nil {
		detail := map[string]any{"from": string(t.From), "to": string(t.To)}
		if t.Error != "" {
			detail["error"] = t.Error
		}
		m.cfg.Audit.Record(store.AuditEntry{
			OrgID:      t.OrgID,
			ActorType:  store.ActorSystem,
			ActorID:    "health-monitor",
			Action:     store.AuditHealthChange,
			Category:   store.CategoryHealth,
			TargetType: "mcp_server",
			TargetID:   srv.ID,
			Timestamp:  t.At,
			Detail:     detail,
		})
	}
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(t)
	}
}
