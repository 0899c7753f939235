// ABOUTME: AuthGate resolving API keys and service-account JWTs to principals
// ABOUTME: Coalesces concurrent lookups and records failures to the audit log

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/mcp-gateway/internal/apierror"
	"github.com/2389/mcp-gateway/internal/dedupe"
	"github.com/2389/mcp-gateway/internal/metrics"
	"github.com/2389/mcp-gateway/internal/store"
)

// Authentication errors. They surface to callers as unauthorized.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrUnknownKey        = errors.New("unknown api key")
	ErrRevokedKey        = errors.New("api key revoked")
	ErrExpiredKey        = errors.New("api key expired")
	ErrOrgInactive       = errors.New("organization is not active")
)

// CredentialKind distinguishes API keys from JWTs.
type CredentialKind int

const (
	CredentialAPIKey CredentialKind = iota + 1
	CredentialJWT
)

// Credential is a raw credential extracted from a request.
type Credential struct {
	Kind  CredentialKind
	Value string
}

// AuditRecorder receives security events.
type AuditRecorder interface {
	Record(e store.AuditEntry)
}

// GateConfig configures a Gate.
type GateConfig struct {
	Keys          store.APIKeyStore
	Orgs          store.OrgStore
	Hasher        *KeyHasher
	Tokens        *ServiceTokenVerifier // nil disables the JWT path
	Audit         AuditRecorder
	Metrics       *metrics.Metrics
	TouchDebounce time.Duration
	Logger        *slog.Logger
}

// Gate authenticates credentials.
type Gate struct {
	keys    store.APIKeyStore
	orgs    store.OrgStore
	hasher  *KeyHasher
	tokens  *ServiceTokenVerifier
	audit   AuditRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
	lookups singleflight.Group

	// touched debounces last-used writes per key.
	touched *dedupe.Cache
	touches sync.WaitGroup
}

// NewGate creates a Gate.
func NewGate(cfg GateConfig) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.TouchDebounce
	if debounce <= 0 {
		debounce = time.Minute
	}
	return &Gate{
		keys:    cfg.Keys,
		orgs:    cfg.Orgs,
		hasher:  cfg.Hasher,
		tokens:  cfg.Tokens,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "auth"),
		now:     time.Now,
		touched: dedupe.New(debounce, 100_000),
	}
}

// Authenticate resolves a credential to a principal.
// All failures are *apierror.Error of kind unauthorized wrapping a sentinel above.
func (g *Gate) Authenticate(ctx context.Context, cred Credential) (*Principal, error) {
	switch cred.Kind {
	case CredentialAPIKey:
		return g.authenticateKey(ctx, cred.Value)
	case CredentialJWT:
		return g.authenticateToken(ctx, cred.Value)
	default:
		return nil, apierror.Wrap(apierror.KindUnauthorized, "missing credential", ErrMissingCredential)
	}
}

func (g *Gate) authenticateKey(ctx context.Context, token string) (*Principal, error) {
	hash, err := g.hasher.Hash(token)
	if err != nil {
		g.recordFailure("", store.ActorAnonymous, SafePrefix(token), "", "malformed")
		return nil, apierror.Wrap(apierror.KindUnauthorized, "invalid api key", err)
	}

	key, err := g.lookupKey(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		g.recordFailure("", store.ActorAnonymous, SafePrefix(token), "", "unknown_key")
		return nil, apierror.Wrap(apierror.KindUnauthorized, "invalid api key", ErrUnknownKey)
	}
	if err != nil {
		return nil, apierror.Internal(err)
	}
	if !Equal(key.Hash, hash) {
		g.recordFailure("", store.ActorAnonymous, SafePrefix(token), "", "hash_mismatch")
		return nil, apierror.Wrap(apierror.KindUnauthorized, "invalid api key", ErrUnknownKey)
	}

	if key.Revoked {
		g.recordFailure(key.OrgID, store.ActorAPIKey, key.ID, key.ID, "revoked")
		return nil, apierror.Wrap(apierror.KindUnauthorized, "api key revoked", ErrRevokedKey)
	}
	if key.ExpiresAt != nil && !g.now().Before(*key.ExpiresAt) {
		g.recordFailure(key.OrgID, store.ActorAPIKey, key.ID, key.ID, "expired")
		return nil, apierror.Wrap(apierror.KindUnauthorized, "api key expired", ErrExpiredKey)
	}

	org, err := g.activeOrg(ctx, key.OrgID)
	if err != nil {
		if apierror.KindOf(err) == apierror.KindUnauthorized {
			g.recordFailure(key.OrgID, store.ActorAPIKey, key.ID, key.ID, "org_inactive")
		}
		return nil, err
	}

	g.touch(key.ID)

	return &Principal{
		OrgID:        key.OrgID,
		Plan:         org.Plan,
		KeyID:        key.ID,
		Method:       MethodAPIKey,
		Role:         key.Role,
		Scope:        Scope{Mode: key.ScopeMode, MCPIDs: key.MCPIDs},
		RateLimitRPS: key.RateLimitRPS,
	}, nil
}

func (g *Gate) authenticateToken(ctx context.Context, token string) (*Principal, error) {
	if g.tokens == nil {
		return nil, apierror.Wrap(apierror.KindUnauthorized, "service tokens are not enabled", ErrInvalidToken)
	}

	claims, org, err := g.tokens.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrExpiredToken) && !errors.Is(err, ErrMissingClaim) {
			return nil, apierror.Internal(err)
		}
		g.recordFailure("", store.ActorAnonymous, "jwt", "", "invalid_token")
		return nil, apierror.Wrap(apierror.KindUnauthorized, "invalid service token", err)
	}
	if org.Status != store.OrgStatusActive {
		g.recordFailure(org.ID, store.ActorServiceAccount, claims.Subject, claims.Subject, "org_inactive")
		return nil, apierror.Wrap(apierror.KindUnauthorized, "organization is not active", ErrOrgInactive)
	}

	role := store.Role(claims.Role)
	if !role.Valid() {
		role = store.RoleMember
	}

	return &Principal{
		OrgID:            org.ID,
		Plan:             org.Plan,
		ServiceAccountID: claims.Subject,
		Method:           MethodServiceAccount,
		Role:             role,
		Scope:            claims.MCPs.Scope(),
	}, nil
}

// lookupKey coalesces concurrent lookups of the same hash into one store query.
func (g *Gate) lookupKey(ctx context.Context, hash string) (*store.APIKey, error) {
	v, err, _ := g.lookups.Do("key:"+hash, func() (any, error) {
		return g.keys.GetAPIKeyByHash(context.WithoutCancel(ctx), hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.APIKey), nil
}

// activeOrg loads an organization and requires it to be active.
func (g *Gate) activeOrg(ctx context.Context, orgID string) (*store.Organization, error) {
	v, err, _ := g.lookups.Do("org:"+orgID, func() (any, error) {
		return g.orgs.GetOrganization(context.WithoutCancel(ctx), orgID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierror.Wrap(apierror.KindUnauthorized, "organization is not active", ErrOrgInactive)
	}
	if err != nil {
		return nil, apierror.Internal(fmt.Errorf("loading organization: %w", err))
	}
	org := v.(*store.Organization)
	if org.Status != store.OrgStatusActive {
		return nil, apierror.Wrap(apierror.KindUnauthorized, "organization is not active", ErrOrgInactive)
	}
	return org, nil
}

// touch schedules a last-used update unless one ran recently for this key.
func (g *Gate) touch(keyID string) {
	if g.touched.CheckAndMark(keyID) {
		return
	}
	at := g.now()
	g.touches.Add(1)
	go func() {
		defer g.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.keys.TouchAPIKey(ctx, keyID, at); err != nil {
			g.logger.Warn("failed to update api key last used", "key_id", keyID, "error", err)
		}
	}()
}

func (g *Gate) recordFailure(orgID, actorType, actorID, keyID, reason string) {
	g.logger.Info("authentication failed", "org_id", orgID, "actor", actorID, "reason", reason)
	g.metrics.IncAuthFailure()
	if g.audit == nil {
		return
	}
	g.audit.Record(store.AuditEntry{
		OrgID:      orgID,
		ActorType:  actorType,
		ActorID:    actorID,
		Action:     store.AuditAuthFailure,
		Category:   store.CategorySecurity,
		TargetType: "api_key",
		TargetID:   keyID,
		Detail:     map[string]any{"reason": reason},
	})
}

// Close waits for pending last-used updates and stops the debounce cache.
func (g *Gate) Close() {
	g.touches.Wait()
	g.touched.Close()
}
