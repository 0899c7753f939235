// ABOUTME: Forwards authorized tool calls to MCP servers with one end-to-end deadline
// ABOUTME: Applies the unhealthy policy, retries unreachable servers once and records usage

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/health"
	"github.com/2389/mcp-gateway/internal/mcp"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/store"
)

// Unhealthy server policies.
const (
	PolicyAdvisory = "advisory"
	PolicyStrict   = "strict"
)

// HealthHeader flags responses from servers the monitor considers unhealthy.
const HealthHeader = "X-MCP-Health"

// HealthReader reads the monitor's latest snapshot for a server.
type HealthReader interface {
	Status(orgID, id string) *health.Snapshot
}

// UsageRecorder receives one record per forwarded call.
type UsageRecorder interface {
	Record(r store.UsageRecord)
}

// Config configures a Router.
type Config struct {
	Pool            *Pool
	Health          HealthReader
	Usage           UsageRecorder
	Audit           auth.AuditRecorder
	Metrics         *metrics.Metrics
	DefaultTimeout  time.Duration
	MaxTimeout      time.Duration
	// PartialTimeout bounds each server's share of a tool listing.
	PartialTimeout  time.Duration
	UnhealthyPolicy string
	DisableRetry    bool
	Logger          *slog.Logger
}

// Request is a tool call addressed to a resolved server.
type Request struct {
	Tool      string
	Arguments json.RawMessage
	// Timeout overrides the server and default timeouts; it is capped by
	// the configured maximum. Zero means unset.
	Timeout   time.Duration
	RequestID string
	BytesIn   int64
}

// Router forwards tool calls downstream.
type Router struct {
	pool            *Pool
	health          HealthReader
	usage           UsageRecorder
	audit           auth.AuditRecorder
	metrics         *metrics.Metrics
	defaultTimeout  time.Duration
	maxTimeout      time.Duration
	partialTimeout  time.Duration
	unhealthyPolicy string
	retry           bool
	handlers        map[string]ResponseHandler
	logger          *slog.Logger
	now             func() time.Time
}

// NewRouter creates a Router.
func NewRouter(cfg Config) *Router {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.PartialTimeout <= 0 {
		cfg.PartialTimeout = 5 * time.Second
	}
	if cfg.UnhealthyPolicy == "" {
		cfg.UnhealthyPolicy = PolicyAdvisory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pool:            cfg.Pool,
		health:          cfg.Health,
		usage:           cfg.Usage,
		audit:           cfg.Audit,
		metrics:         cfg.Metrics,
		defaultTimeout:  cfg.DefaultTimeout,
		maxTimeout:      cfg.MaxTimeout,
		partialTimeout:  cfg.PartialTimeout,
		unhealthyPolicy: cfg.UnhealthyPolicy,
		retry:           !cfg.DisableRetry,
		handlers:        defaultHandlers(),
		logger:          logger.With("component", "router"),
		now:             time.Now,
	}
}

// Handle registers a handler for a downstream response media type,
// replacing any existing one.
func (r *Router) Handle(mediaType string, h ResponseHandler) {
	r.handlers[mediaType] = h
}

// Timeout returns the deadline applied to a call: the request's own timeout,
// else the server's, else the default, never above the maximum.
func (r *Router) Timeout(srv *store.MCPServer, requested time.Duration) time.Duration {
	d := r.defaultTimeout
	switch {
	case requested > 0:
		d = requested
	case srv.Timeout > 0:
		d = srv.Timeout
	}
	return min(d, r.maxTimeout)
}

// Invoke forwards req to srv on behalf of p. Streaming responses are written
// to w as they arrive; buffered results are returned for the caller to render.
// The returned Result may be non-nil alongside an error; if Result.Streamed
// is set the caller must not write anything further.
func (r *Router) Invoke(ctx context.Context, p *auth.Principal, srv *store.MCPServer, req Request, w http.ResponseWriter) (*Result, error) {
	start := r.now()
	c := &Call{
		ID:        uuid.New().String(),
		Server:    srv,
		Tool:      req.Tool,
		RequestID: req.RequestID,
		Writer:    w,
	}

	res, status, err := r.invoke(ctx, c, req)
	latency := r.now().Sub(start)
	if res == nil {
		res = &Result{Meta: c.Meta}
	}
	res.Meta.LatencyMs = latency.Milliseconds()

	r.finish(p, c, req, res, status, latency, err)
	return res, err
}

func (r *Router) invoke(ctx context.Context, c *Call, req Request) (*Result, int, error) {
	srv := c.Server
	if !srv.HasTool(req.Tool) {
		return nil, 0, apierror.NotFound("tool not declared by MCP server").
			WithDetails(map[string]any{"tool": req.Tool})
	}

	if snap := r.healthOf(srv); snap.State == health.StateUnhealthy {
		if r.unhealthyPolicy == PolicyStrict {
			return nil, 0, apierror.New(apierror.KindMCPUnreachable, "MCP server is unhealthy").
				WithDetails(map[string]any{"health": string(health.StateUnhealthy)})
		}
		c.Meta.Health = string(health.StateUnhealthy)
		c.Writer.Header().Set(HealthHeader, string(health.StateUnhealthy))
	}

	body, err := mcp.NewToolCall(c.ID, req.Tool, req.Arguments)
	if err != nil {
		if errors.Is(err, mcp.ErrInvalidArguments) {
			return nil, 0, apierror.Validation("arguments must be a JSON object").
				WithDetails(map[string]any{"field": "arguments"})
		}
		return nil, 0, apierror.Internal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout(srv, req.Timeout))
	defer cancel()

	lease, err := r.pool.Checkout(ctx, srv)
	if err != nil {
		if ctx.Err() != nil {
			ae, _ := classify(ctx, err)
			return nil, 0, ae
		}
		return nil, 0, apierror.Internal(err)
	}
	defer lease.Release()

	resp, err := r.send(ctx, c, lease, body)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, statusError(resp)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	handler, ok := r.handlers[mediaType]
	if !ok {
		return nil, resp.StatusCode, apierror.New(apierror.KindMCPError, "MCP server returned an unsupported content type").
			WithDetails(map[string]any{"content_type": mediaType})
	}

	res, err := handler(ctx, c, resp)
	if err != nil {
		var ae *apierror.Error
		if !errors.As(err, &ae) {
			ae, _ = classify(ctx, err)
		}
		if res != nil && res.Streamed && ae.Kind != apierror.KindMCPError && !errors.Is(ae, errCallerGone) {
			writeStreamError(c.Writer, ae)
		}
		return res, resp.StatusCode, ae
	}
	return res, resp.StatusCode, nil
}

// send performs the downstream request, retrying once when the server could
// not be reached at all.
func (r *Router) send(ctx context.Context, c *Call, lease *Lease, body []byte) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		httpReq, err := mcp.NewRequest(ctx, c.Server, body, c.RequestID)
		if err != nil {
			return nil, apierror.Internal(err)
		}
		resp, err := lease.Client.Do(httpReq)
		if err == nil {
			return resp, nil
		}

		ae, retryable := classify(ctx, err)
		if !retryable || !r.retry || attempt > 1 {
			return nil, ae
		}
		r.metrics.IncRetry()
		r.logger.Warn("MCP server unreachable, retrying",
			"request_id", c.RequestID,
			"org_id", c.Server.OrgID,
			"mcp_id", c.Server.ID,
			"error", err,
		)
	}
}

func (r *Router) healthOf(srv *store.MCPServer) *health.Snapshot {
	if r.health == nil {
		return &health.Snapshot{State: health.StateUnknown}
	}
	if snap := r.health.Status(srv.OrgID, srv.ID); snap != nil {
		return snap
	}
	return &health.Snapshot{State: health.StateUnknown}
}

// finish emits the usage record, metrics, log line and, for failures, the
// audit entry of one call.
func (r *Router) finish(p *auth.Principal, c *Call, req Request, res *Result, downstreamStatus int, latency time.Duration, err error) {
	outcome := store.OutcomeSuccess
	status := http.StatusOK
	if err != nil {
		outcome = outcomeOf(err)
		status = apierror.KindOf(err).HTTPStatus()
		if outcome == OutcomeCancelled {
			status = 499
		}
	}

	if r.usage != nil {
		r.usage.Record(store.UsageRecord{
			OrgID:      c.Server.OrgID,
			KeyID:      p.ActorID(),
			ServerID:   c.Server.ID,
			Tool:       req.Tool,
			Latency:    latency,
			Outcome:    outcome,
			StatusCode: status,
			BytesIn:    req.BytesIn,
			BytesOut:   res.BytesOut,
			RequestID:  req.RequestID,
		})
	}
	r.metrics.ObserveCall(outcome, latency)

	logger := r.logger.With(
		"request_id", req.RequestID,
		"org_id", c.Server.OrgID,
		"actor_id", p.ActorID(),
		"mcp_id", c.Server.ID,
		"tool", req.Tool,
		"latency_ms", latency.Milliseconds(),
	)
	if err == nil {
		logger.Debug("tool call forwarded", "streamed", res.Streamed)
		return
	}
	logger.Warn("tool call failed", "outcome", outcome, "error", err)

	if r.audit != nil {
		detail := map[string]any{
			"code":       apierror.KindOf(err).Code(),
			"tool":       req.Tool,
			"request_id": req.RequestID,
		}
		if downstreamStatus != 0 {
			detail["downstream_status"] = downstreamStatus
		}
		if outcome == OutcomeCancelled {
			detail["code"] = OutcomeCancelled
		}
		r.audit.Record(store.AuditEntry{
			OrgID:      c.Server.OrgID,
			ActorType:  p.ActorType(),
			ActorID:    p.ActorID(),
			Action:     store.AuditProxyFailure,
			Category:   store.CategoryProxy,
			TargetType: "mcp_server",
			TargetID:   c.Server.ID,
			Detail:     detail,
		})
	}
}
