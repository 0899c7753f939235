// ABOUTME: Registry data model and storage interfaces for the gateway
// ABOUTME: Defines organizations, API keys, MCP servers and their sentinel errors

package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("already exists")
	ErrInvalidScope   = errors.New("scope references an MCP server outside the organization")
	ErrAlreadyRevoked = errors.New("api key already revoked")
)

// OrgStatus is the lifecycle state of an organization.
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusDeleted   OrgStatus = "deleted"
)

// Organization is the tenant isolation boundary.
type Organization struct {
	ID     string
	Name   string
	Plan   string
	Status OrgStatus
	// SigningSecret verifies service-account JWTs. Sealed at rest.
	SigningSecret string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Role is the administrative role carried by a credential.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// ScopeMode selects how an API key's MCP scope is interpreted.
type ScopeMode string

const (
	ScopeAll      ScopeMode = "all"      // every MCP of the org, present and future
	ScopeSelected ScopeMode = "selected" // exactly the listed MCP ids
	ScopeNone     ScopeMode = "none"     // no MCP access
)

// Valid reports whether m is a known scope mode.
func (m ScopeMode) Valid() bool {
	switch m {
	case ScopeAll, ScopeSelected, ScopeNone:
		return true
	}
	return false
}

// APIKey is a hashed bearer credential. Only Revoked, RevokedAt and LastUsedAt
// change after creation.
type APIKey struct {
	ID           string
	OrgID        string
	Name         string
	Prefix       string // first characters of the token, for display and audit
	Hash         string // hex HMAC-SHA256 of the token payload
	Role         Role
	ScopeMode    ScopeMode
	MCPIDs       []string // only for ScopeSelected
	RateLimitRPS int64    // optional per-key ceiling, 0 = org ceiling only
	ExpiresAt    *time.Time
	Revoked      bool
	RevokedAt    *time.Time
	LastUsedAt   *time.Time
	CreatedBy    string
	CreatedAt    time.Time
}

// AuthType is the kind of credential the gateway presents downstream.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthHeader AuthType = "header"
	AuthBasic  AuthType = "basic"
)

// ServerAuth is the downstream credential configuration of an MCP server.
// The whole struct is sealed at rest.
type ServerAuth struct {
	Type     AuthType `json:"type"`
	Token    string   `json:"token,omitempty"`
	Header   string   `json:"header,omitempty"`
	Key      string   `json:"key,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// ServerStatus is the administrative status of an MCP server.
type ServerStatus string

const (
	ServerActive   ServerStatus = "active"
	ServerInactive ServerStatus = "inactive"
)

// Downstream transports. Both POST JSON-RPC over HTTP; sse asks the server
// to stream its response as text/event-stream.
const (
	TransportHTTP = "http"
	TransportSSE  = "sse"
)

// MCPServer is a registered downstream target. IDs are unique per organization.
type MCPServer struct {
	ID        string
	OrgID     string
	Name      string
	Endpoint  string
	Transport string
	Auth      ServerAuth
	Tools     []string
	Status    ServerStatus
	Timeout   time.Duration // per-server default deadline, 0 = gateway default
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTool reports whether tool is declared. Servers without a declared list accept any tool.
func (m *MCPServer) HasTool(tool string) bool {
	if len(m.Tools) == 0 {
		return true
	}
	for _, t := range m.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// OrgStore manages organizations.
type OrgStore interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	UpdateOrganizationStatus(ctx context.Context, id string, status OrgStatus) error
}

// APIKeyStore manages API keys. Every method except GetAPIKeyByHash and
// TouchAPIKey is scoped by organization.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKey(ctx context.Context, orgID, id string) (*APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, orgID string) ([]*APIKey, error)
	RevokeAPIKey(ctx context.Context, orgID, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

// MCPServerStore manages registered MCP servers, scoped by organization.
type MCPServerStore interface {
	CreateMCPServer(ctx context.Context, srv *MCPServer) error
	GetMCPServer(ctx context.Context, orgID, id string) (*MCPServer, error)
	ListMCPServers(ctx context.Context, orgID string, limit, offset int) ([]*MCPServer, int, error)
	UpdateMCPServer(ctx context.Context, srv *MCPServer) error
	DeleteMCPServer(ctx context.Context, orgID, id string) error
	ListActiveMCPServers(ctx context.Context) ([]*MCPServer, error)
}

// Store combines the registry interfaces with the audit, usage and counter sinks.
type Store interface {
	OrgStore
	APIKeyStore
	MCPServerStore
	AuditStore
	UsageStore
	Ping(ctx context.Context) error
	Close() error
}

// Sealer protects credentials at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// plainSealer stores values unchanged.
type plainSealer struct{}

func (plainSealer) Seal(s string) (string, error) { return s, nil }
func (plainSealer) Open(s string) (string, error) { return s, nil }
