// ABOUTME: Rate and quota checks for authenticated principals
// ABOUTME: Evaluates key rate, organization rate and monthly quota in order

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/metrics"
)

// unbounded is the ceiling used for zero limits and self-hosted mode.
const unbounded = math.MaxInt64

// Decision is the outcome of a check.
type Decision struct {
	Allowed    bool
	Kind       apierror.Kind // KindRateLimited or KindQuotaExceeded when denied
	RetryAfter int           // whole seconds until the denying window ends, at least 1
	Limit      int64
	Count      int64
}

// Err converts a denial into its API error, or returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Kind == apierror.KindQuotaExceeded {
		return apierror.QuotaExceeded(d.RetryAfter)
	}
	return apierror.RateLimited(d.RetryAfter)
}

// Options configure a Limiter.
type Options struct {
	Plans       map[string]config.PlanLimits
	DefaultPlan string
	SelfHosted  bool
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Limiter checks principals against their plan's ceilings.
type Limiter struct {
	counters    CounterStore
	plans       map[string]config.PlanLimits
	defaultPlan string
	selfHosted  bool
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Limiter over counters.
func New(counters CounterStore, opts Options) *Limiter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		counters:    counters,
		plans:       opts.Plans,
		defaultPlan: opts.DefaultPlan,
		selfHosted:  opts.SelfHosted,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "ratelimit"),
		now:         time.Now,
	}
}

// window is one fixed window to count against.
type window struct {
	subject string
	start   time.Time
	end     time.Time
	limit   int64
	kind    apierror.Kind
}

// Check counts one request for p and decides whether it may proceed. Windows
// are evaluated in order and evaluation stops at the first denial, so a
// request refused by a per-second ceiling does not consume monthly quota.
// The returned error is non-nil only when the counter store fails.
func (l *Limiter) Check(ctx context.Context, p *auth.Principal) (Decision, error) {
	now := l.now().UTC()

	for _, w := range l.windows(p, now) {
		count, err := l.counters.Increment(ctx, w.subject, w.start, w.end)
		if err != nil {
			return Decision{}, fmt.Errorf("counting %s: %w", w.subject, err)
		}
		if count > w.limit {
			d := Decision{
				Kind:       w.kind,
				RetryAfter: retryAfter(w.end.Sub(now)),
				Limit:      w.limit,
				Count:      count,
			}
			l.metrics.IncRateLimited(w.kind.Code())
			l.logger.Debug("request denied",
				"org_id", p.OrgID,
				"subject", w.subject,
				"kind", w.kind.Code(),
				"limit", w.limit,
				"retry_after", d.RetryAfter,
			)
			return d, nil
		}
	}
	return Decision{Allowed: true}, nil
}

// windows lists the windows that apply to p at now.
func (l *Limiter) windows(p *auth.Principal, now time.Time) []window {
	limits := l.planLimits(p.Plan)
	second := now.Truncate(time.Second)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var ws []window
	if p.RateLimitRPS > 0 && p.KeyID != "" {
		ws = append(ws, window{
			subject: "key:" + p.KeyID + ":rps",
			start:   second,
			end:     second.Add(time.Second),
			limit:   l.ceiling(p.RateLimitRPS),
			kind:    apierror.KindRateLimited,
		})
	}
	ws = append(ws,
		window{
			subject: "org:" + p.OrgID + ":rps",
			start:   second,
			end:     second.Add(time.Second),
			limit:   l.ceiling(limits.RequestsPerSecond),
			kind:    apierror.KindRateLimited,
		},
		window{
			subject: "org:" + p.OrgID + ":month",
			start:   month,
			end:     month.AddDate(0, 1, 0),
			limit:   l.ceiling(limits.MonthlyRequests),
			kind:    apierror.KindQuotaExceeded,
		},
	)
	return ws
}

func (l *Limiter) planLimits(plan string) config.PlanLimits {
	if limits, ok := l.plans[plan]; ok {
		return limits
	}
	return l.plans[l.defaultPlan]
}

func (l *Limiter) ceiling(limit int64) int64 {
	if l.selfHosted || limit <= 0 {
		return unbounded
	}
	return limit
}

// retryAfter rounds the remaining window time up to whole seconds, minimum one.
func retryAfter(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
