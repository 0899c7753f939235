// ABOUTME: Per-tenant HTTP connection pools keyed by organization and endpoint origin
// ABOUTME: Bounded checkout with fresh-client fallback; evicts idle, removed and moved origins

package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/store"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// MaxConcurrent bounds in-flight calls sharing one pooled transport.
	MaxConcurrent int
	// MaxIdleConnsPerHost is passed to each pooled transport.
	MaxIdleConnsPerHost int
	// IdleTimeout evicts pools unused for this long.
	IdleTimeout time.Duration
	// CheckoutTimeout bounds the wait for a pooled slot before falling back
	// to a fresh, non-pooled client.
	CheckoutTimeout time.Duration
	// DialContext overrides the dialer, mainly for tests.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type poolKey struct {
	orgID  string
	origin string
}

type serverKey struct {
	orgID string
	id    string
}

type poolEntry struct {
	transport *http.Transport
	client    *http.Client
	slots     chan struct{}
	lastUsed  time.Time // guarded by Pool.mu
}

// Pool hands out HTTP clients for downstream calls.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[poolKey]*poolEntry
	// origins maps each known server to the origin it was last seen with.
	origins map[serverKey]string

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewPool creates a pool and starts its idle janitor. Call Close to stop it.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 64
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 16
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.CheckoutTimeout <= 0 {
		cfg.CheckoutTimeout = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:     cfg,
		logger:  logger.With("component", "pool"),
		now:     time.Now,
		entries: make(map[poolKey]*poolEntry),
		origins: make(map[serverKey]string),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.janitor()
	return p
}

// Lease is a checked-out client. Release must be called once the response
// body has been fully consumed or closed.
type Lease struct {
	Client *http.Client
	Pooled bool

	release func()
	once    sync.Once
}

// Release returns the lease to its pool.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Checkout returns a client for srv. If every pooled slot stays busy past the
// checkout timeout, a fresh client without keep-alives is returned instead.
func (p *Pool) Checkout(ctx context.Context, srv *store.MCPServer) (*Lease, error) {
	origin, err := Origin(srv.Endpoint)
	if err != nil {
		return nil, err
	}
	e := p.entry(srv, poolKey{orgID: srv.OrgID, origin: origin})

	select {
	case e.slots <- struct{}{}:
		p.cfg.Metrics.IncPoolCheckout("pooled")
		return p.pooledLease(e), nil
	default:
	}

	timer := time.NewTimer(p.cfg.CheckoutTimeout)
	defer timer.Stop()
	select {
	case e.slots <- struct{}{}:
		p.cfg.Metrics.IncPoolCheckout("pooled")
		return p.pooledLease(e), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	p.cfg.Metrics.IncPoolCheckout("fresh")
	p.logger.Debug("pool saturated, using fresh client", "org_id", srv.OrgID, "origin", origin)
	t := p.newTransport()
	t.DisableKeepAlives = true
	return &Lease{
		Client:  &http.Client{Transport: t},
		release: t.CloseIdleConnections,
	}, nil
}

func (p *Pool) pooledLease(e *poolEntry) *Lease {
	return &Lease{
		Client: e.client,
		Pooled: true,
		release: func() {
			p.mu.Lock()
			e.lastUsed = p.now()
			p.mu.Unlock()
			<-e.slots
		},
	}
}

func (p *Pool) entry(srv *store.MCPServer, key poolKey) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.origins[serverKey{orgID: srv.OrgID, id: srv.ID}] = key.origin

	e, ok := p.entries[key]
	if !ok {
		t := p.newTransport()
		e = &poolEntry{
			transport: t,
			client:    &http.Client{Transport: t},
			slots:     make(chan struct{}, p.cfg.MaxConcurrent),
		}
		p.entries[key] = e
		p.cfg.Metrics.SetPoolEntries(len(p.entries))
		p.logger.Debug("created pool", "org_id", key.orgID, "origin", key.origin)
	}
	e.lastUsed = p.now()
	return e
}

func (p *Pool) newTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConnsPerHost = p.cfg.MaxIdleConnsPerHost
	t.IdleConnTimeout = p.cfg.IdleTimeout
	if p.cfg.DialContext != nil {
		t.DialContext = p.cfg.DialContext
	}
	return t
}

// Evict drops the pool for an organization's origin. In-flight calls keep
// their client; idle connections are closed.
func (p *Pool) Evict(orgID, origin string) {
	key := poolKey{orgID: orgID, origin: origin}
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
		p.cfg.Metrics.SetPoolEntries(len(p.entries))
	}
	p.mu.Unlock()

	if ok {
		e.transport.CloseIdleConnections()
		p.logger.Debug("evicted pool", "org_id", orgID, "origin", origin)
	}
}

// ServerSaved implements registry.Observer. Pools are created lazily; when a
// server moves to a new origin, the pool of its old origin is evicted unless
// another server of the organization still uses it.
func (p *Pool) ServerSaved(srv *store.MCPServer) {
	origin, err := Origin(srv.Endpoint)
	if err != nil {
		return
	}
	p.mu.Lock()
	sk := serverKey{orgID: srv.OrgID, id: srv.ID}
	prev, known := p.origins[sk]
	p.origins[sk] = origin
	stale := known && prev != origin && !p.originInUseLocked(srv.OrgID, prev)
	p.mu.Unlock()

	if stale {
		p.Evict(srv.OrgID, prev)
	}
}

// ServerRemoved implements registry.Observer.
func (p *Pool) ServerRemoved(srv *store.MCPServer) {
	p.mu.Lock()
	sk := serverKey{orgID: srv.OrgID, id: srv.ID}
	origin, known := p.origins[sk]
	delete(p.origins, sk)
	if !known {
		var err error
		if origin, err = Origin(srv.Endpoint); err != nil {
			p.mu.Unlock()
			return
		}
	}
	inUse := p.originInUseLocked(srv.OrgID, origin)
	p.mu.Unlock()

	if !inUse {
		p.Evict(srv.OrgID, origin)
	}
}

// originInUseLocked reports whether any known server of the organization
// still points at origin. p.mu must be held.
func (p *Pool) originInUseLocked(orgID, origin string) bool {
	for sk, o := range p.origins {
		if sk.orgID == orgID && o == origin {
			return true
		}
	}
	return false
}

// Len returns the number of live pools.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// InUse returns the number of checked-out pooled slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		n += len(e.slots)
	}
	return n
}

// Close stops the janitor and closes idle connections of every pool.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done

		p.mu.Lock()
		defer p.mu.Unlock()
		for key, e := range p.entries {
			e.transport.CloseIdleConnections()
			delete(p.entries, key)
		}
		clear(p.origins)
		p.cfg.Metrics.SetPoolEntries(0)
	})
}

func (p *Pool) janitor() {
	defer close(p.done)

	interval := max(p.cfg.IdleTimeout/2, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts pools that are idle and have no checked-out slots.
func (p *Pool) sweep() {
	cutoff := p.now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var idle []*poolEntry
	for key, e := range p.entries {
		if len(e.slots) == 0 && e.lastUsed.Before(cutoff) {
			idle = append(idle, e)
			delete(p.entries, key)
		}
	}
	n := len(p.entries)
	p.mu.Unlock()

	for _, e := range idle {
		e.transport.CloseIdleConnections()
	}
	if len(idle) > 0 {
		p.cfg.Metrics.SetPoolEntries(n)
		p.logger.Debug("swept idle pools", "count", len(idle))
	}
}

// Origin returns the scheme and host of an endpoint URL.
func Origin(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no origin", endpoint)
	}
	return u.Scheme + "://" + u.Host, nil
}
