// ABOUTME: Tests for service-account JWT issuance and verification
// ABOUTME: Covers audience, issuer, expiry, clock skew and the mcps claim forms

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/store"
)

const (
	testIssuer   = "mcp-gateway"
	testAudience = "mcp-gateway-api"
)

// createTestStore creates a real SQLite store in a temp directory.
func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestOrg(t *testing.T, s *store.SQLiteStore, id string) *store.Organization {
	t.Helper()
	org := &store.Organization{
		ID:            id,
		Name:          id,
		Plan:          "pro",
		SigningSecret: "signing-secret-for-" + id + "-0123456789",
	}
	require.NoError(t, s.CreateOrganization(context.Background(), org))
	return org
}

func TestMCPClaim_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Scope
		wantErr bool
	}{
		{"wildcard string", `"*"`, Scope{Mode: store.ScopeAll}, false},
		{"wildcard in list", `["mcp_a","*"]`, Scope{Mode: store.ScopeAll}, false},
		{"single id", `"mcp_a"`, Scope{Mode: store.ScopeSelected, MCPIDs: []string{"mcp_a"}}, false},
		{"list", `["mcp_a","mcp_b"]`, Scope{Mode: store.ScopeSelected, MCPIDs: []string{"mcp_a", "mcp_b"}}, false},
		{"null", `null`, Scope{Mode: store.ScopeNone}, false},
		{"empty string", `""`, Scope{Mode: store.ScopeNone}, false},
		{"empty list", `[]`, Scope{Mode: store.ScopeNone}, false},
		{"number", `5`, Scope{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MCPClaim
			err := json.Unmarshal([]byte(tt.input), &m)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Scope())
		})
	}
}

func TestServiceToken_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	org := createTestOrg(t, s, "org_a")

	token, err := IssueServiceToken(org.SigningSecret, testIssuer, testAudience, ServiceTokenRequest{
		OrgID:            org.ID,
		ServiceAccountID: "billing-worker",
		MCPs:             []string{"mcp_1", "mcp_2"},
		Role:             store.RoleMember,
		TTL:              time.Hour,
	})
	require.NoError(t, err)

	v := NewServiceTokenVerifier(s, testIssuer, testAudience, time.Minute)
	claims, gotOrg, err := v.Verify(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, "org_a", gotOrg.ID)
	assert.Equal(t, "billing-worker", claims.Subject)
	assert.Equal(t, Scope{Mode: store.ScopeSelected, MCPIDs: []string{"mcp_1", "mcp_2"}}, claims.MCPs.Scope())
	assert.Equal(t, "member", claims.Role)
}

func TestServiceToken_Rejections(t *testing.T) {
	s := createTestStore(t)
	org := createTestOrg(t, s, "org_a")
	ctx := context.Background()

	issue := func(t *testing.T, secret, iss, aud string, req ServiceTokenRequest) string {
		t.Helper()
		if req.OrgID == "" {
			req.OrgID = org.ID
		}
		if req.TTL == 0 {
			req.TTL = time.Hour
		}
		token, err := IssueServiceToken(secret, iss, aud, req)
		require.NoError(t, err)
		return token
	}
	base := ServiceTokenRequest{ServiceAccountID: "svc", MCPs: []string{"*"}}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong signature", issue(t, "some-other-secret", testIssuer, testAudience, base), ErrInvalidToken},
		{"wrong audience", issue(t, org.SigningSecret, testIssuer, "someone-else", base), ErrInvalidToken},
		{"wrong issuer", issue(t, org.SigningSecret, "evil", testAudience, base), ErrInvalidToken},
		{"unknown org", issue(t, org.SigningSecret, testIssuer, testAudience, ServiceTokenRequest{OrgID: "org_missing", ServiceAccountID: "svc"}), ErrInvalidToken},
		{"expired", issue(t, org.SigningSecret, testIssuer, testAudience, ServiceTokenRequest{ServiceAccountID: "svc", TTL: -time.Hour}), ErrExpiredToken},
		{"missing subject", issue(t, org.SigningSecret, testIssuer, testAudience, ServiceTokenRequest{MCPs: []string{"*"}}), ErrMissingClaim},
	}

	v := NewServiceTokenVerifier(s, testIssuer, testAudience, time.Minute)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := v.Verify(ctx, tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestServiceToken_RejectsOtherAlgorithms(t *testing.T) {
	s := createTestStore(t)
	org := createTestOrg(t, s, "org_a")

	claims := ServiceClaims{
		OrgID: org.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(org.SigningSecret))
	require.NoError(t, err)

	v := NewServiceTokenVerifier(s, testIssuer, testAudience, time.Minute)
	_, _, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestServiceToken_ClockSkew(t *testing.T) {
	s := createTestStore(t)
	org := createTestOrg(t, s, "org_a")

	token, err := IssueServiceToken(org.SigningSecret, testIssuer, testAudience, ServiceTokenRequest{
		OrgID:            org.ID,
		ServiceAccountID: "svc",
		TTL:              time.Hour,
	})
	require.NoError(t, err)

	v := NewServiceTokenVerifier(s, testIssuer, testAudience, time.Minute)

	// Verifier clock 30s behind the issuer: iat is in the future but inside the leeway.
	v.now = func() time.Time { return time.Now().Add(-30 * time.Second) }
	_, _, err = v.Verify(context.Background(), token)
	assert.NoError(t, err)

	// Five minutes behind is beyond the leeway.
	v.now = func() time.Time { return time.Now().Add(-5 * time.Minute) }
	_, _, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Just past expiry but within the leeway still verifies.
	v.now = func() time.Time { return time.Now().Add(time.Hour + 30*time.Second) }
	_, _, err = v.Verify(context.Background(), token)
	assert.NoError(t, err)
}

func TestIssueServiceToken_EmptySecret(t *testing.T) {
	_, err := IssueServiceToken("", testIssuer, testAudience, ServiceTokenRequest{OrgID: "org", ServiceAccountID: "svc", TTL: time.Hour})
	assert.Error(t, err)
}
