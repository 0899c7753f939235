// ABOUTME: Service-account JWT verification and issuance
// ABOUTME: Tokens are HS256 signed with the owning organization's signing secret

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/mcp-gateway/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// MCPClaim is the "mcps" claim: a list of MCP ids, or "*" for all.
type MCPClaim []string

// UnmarshalJSON accepts either a string or an array of strings.
func (m *MCPClaim) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*m = nil
		} else {
			*m = MCPClaim{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("mcps claim must be a string or list of strings: %w", err)
	}
	*m = list
	return nil
}

// Scope converts the claim into a permission scope.
func (m MCPClaim) Scope() Scope {
	if len(m) == 0 {
		return Scope{Mode: store.ScopeNone}
	}
	for _, id := range m {
		if id == "*" {
			return Scope{Mode: store.ScopeAll}
		}
	}
	return Scope{Mode: store.ScopeSelected, MCPIDs: append([]string(nil), m...)}
}

// ServiceClaims are the claims of a service-account token.
type ServiceClaims struct {
	OrgID string   `json:"org"`
	MCPs  MCPClaim `json:"mcps"`
	Role  string   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ServiceTokenVerifier verifies service-account JWTs against per-organization secrets.
type ServiceTokenVerifier struct {
	orgs     store.OrgStore
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewServiceTokenVerifier creates a verifier. issuer and audience are required.
func NewServiceTokenVerifier(orgs store.OrgStore, issuer, audience string, leeway time.Duration) *ServiceTokenVerifier {
	return &ServiceTokenVerifier{
		orgs:     orgs,
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
		now:      time.Now,
	}
}

func (v *ServiceTokenVerifier) parser() *jwt.Parser {
	return jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithLeeway(v.leeway),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
}

// Verify validates the token and returns its claims and the organization it belongs to.
func (v *ServiceTokenVerifier) Verify(ctx context.Context, tokenString string) (*ServiceClaims, *store.Organization, error) {
	p := v.parser()

	// The organization id selects the verification key, so it is read before
	// the signature is checked and trusted only after.
	var unverified ServiceClaims
	if _, _, err := p.ParseUnverified(tokenString, &unverified); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if unverified.OrgID == "" {
		return nil, nil, fmt.Errorf("%w: org", ErrMissingClaim)
	}

	org, err := v.orgs.GetOrganization(ctx, unverified.OrgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown organization", ErrInvalidToken)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading organization: %w", err)
	}
	if org.SigningSecret == "" {
		return nil, nil, fmt.Errorf("%w: organization has no signing secret", ErrInvalidToken)
	}

	var claims ServiceClaims
	token, err := p.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(org.SigningSecret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, nil, ErrExpiredToken
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.IssuedAt == nil {
		return nil, nil, fmt.Errorf("%w: iat", ErrMissingClaim)
	}
	return &claims, org, nil
}

// ServiceTokenRequest describes a token to mint.
type ServiceTokenRequest struct {
	OrgID            string
	ServiceAccountID string
	MCPs             []string
	Role             store.Role
	TTL              time.Duration
}

// IssueServiceToken signs a service-account token with the organization's secret.
func IssueServiceToken(secret, issuer, audience string, req ServiceTokenRequest) (string, error) {
	if secret == "" {
		return "", errors.New("signing secret is empty")
	}
	now := time.Now()
	claims := ServiceClaims{
		OrgID: req.OrgID,
		MCPs:  MCPClaim(req.MCPs),
		Role:  string(req.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.ServiceAccountID,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(req.TTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
