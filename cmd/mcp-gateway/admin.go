// ABOUTME: Operator commands that work directly on the gateway database
// ABOUTME: bootstrap creates an organization with an owner key; mint-token signs service tokens

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/mcp-gateway/internal/auth"
	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/registry"
	"github.com/2389/mcp-gateway/internal/secrets"
	"github.com/2389/mcp-gateway/internal/store"
)

// cliActor is recorded as the actor of changes made from the command line.
const cliActor = "mcp-gateway-cli"

// parseFlags parses "--name value" and "--name=value" pairs. Every flag
// takes a value; names not in allowed are rejected.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

// splitList splits a comma separated flag, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// storeAudit appends audit entries synchronously. The CLI exits right after
// its change, so there is no sink to flush.
type storeAudit struct {
	ctx    context.Context
	store  store.AuditStore
	logger *slog.Logger
}

func (a *storeAudit) Record(e store.AuditEntry) {
	if err := a.store.AppendAuditLog(a.ctx, &e); err != nil {
		a.logger.Warn("failed to write audit entry", "action", e.Action, "error", err)
	}
}

// openStore opens the configured database with credential sealing.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MCP_GATEWAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	box, err := secrets.NewBox([]byte(cfg.Auth.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("initializing credential sealing: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath, box)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return s, nil
}

// runBootstrap creates an organization and issues its first owner key.
//
//	mcp-gateway bootstrap --org "Acme" [--id org_acme] [--plan pro]
func runBootstrap(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "org", "id", "plan")
	if err != nil {
		return err
	}
	name := flags["org"]
	if name == "" {
		return fmt.Errorf("--org flag is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("organization name exceeds maximum length of 128 characters")
	}
	orgID := flags["id"]
	if orgID == "" {
		orgID = "org_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config (run mcp-gateway init first): %w", err)
	}

	plan := flags["plan"]
	if plan == "" {
		plan = cfg.RateLimit.DefaultPlan
	}
	if _, ok := cfg.RateLimit.Plans[plan]; !ok {
		return fmt.Errorf("unknown plan %q", plan)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := &storeAudit{ctx: ctx, store: s, logger: setupLogger(cfg.Logging)}

	signingSecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating signing secret: %w", err)
	}

	org := &store.Organization{
		ID:            orgID,
		Name:          name,
		Plan:          plan,
		SigningSecret: signingSecret,
	}
	if err := s.CreateOrganization(ctx, org); err != nil {
		return fmt.Errorf("creating organization: %w", err)
	}
	audit.Record(store.AuditEntry{
		OrgID:      orgID,
		ActorType:  store.ActorSystem,
		ActorID:    cliActor,
		Action:     store.AuditCreateOrg,
		Category:   store.CategoryAdmin,
		TargetType: "organization",
		TargetID:   orgID,
		Detail:     map[string]any{"name": name, "plan": plan},
	})

	hasher, err := auth.NewKeyHasher([]byte(cfg.Auth.APIKeySecret))
	if err != nil {
		return fmt.Errorf("initializing key hasher: %w", err)
	}
	reg := registry.New(registry.Config{Store: s, Hasher: hasher, Audit: audit, Logger: logger})

	operator := &auth.Principal{
		OrgID:            orgID,
		ServiceAccountID: cliActor,
		Method:           auth.MethodServiceAccount,
		Role:             store.RoleOwner,
	}
	issued, err := reg.CreateKey(ctx, operator, registry.KeyInput{Name: "owner", Role: store.RoleOwner})
	if err != nil {
		return fmt.Errorf("issuing owner key: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Organization")
	cyan.Println("  ------------")
	fmt.Printf("  ID:             %s\n", orgID)
	fmt.Printf("  Name:           %s\n", name)
	fmt.Printf("  Plan:           %s\n", plan)
	fmt.Printf("  Signing secret: %s\n", signingSecret)
	fmt.Println()
	cyan.Println("  Owner API key")
	cyan.Println("  -------------")
	fmt.Printf("  ID:             %s\n", issued.Key.ID)
	fmt.Printf("  Key:            %s\n", issued.Token)
	fmt.Println()
	yellow.Println("  The key and signing secret are shown once. Store them now.")
	fmt.Println()

	return nil
}

// runMintToken signs a service-account token with an organization's secret.
//
//	mcp-gateway mint-token --org org_acme --sub ci-bot [--mcps a,b|*] [--role member] [--ttl 24h]
func runMintToken(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "org", "sub", "mcps", "role", "ttl")
	if err != nil {
		return err
	}
	orgID, sub := flags["org"], flags["sub"]
	if orgID == "" || sub == "" {
		return fmt.Errorf("--org and --sub flags are required")
	}

	ttl := 24 * time.Hour
	if raw := flags["ttl"]; raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", raw)
		}
	}
	role := store.Role(flags["role"])
	if role != "" && !role.Valid() {
		return fmt.Errorf("invalid --role %q", role)
	}
	mcps := splitList(flags["mcps"])

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("loading organization %s: %w", orgID, err)
	}
	if org.Status != store.OrgStatusActive {
		return fmt.Errorf("organization %s is %s", orgID, org.Status)
	}

	token, err := auth.IssueServiceToken(org.SigningSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience, auth.ServiceTokenRequest{
		OrgID:            orgID,
		ServiceAccountID: sub,
		MCPs:             mcps,
		Role:             role,
		TTL:              ttl,
	})
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	audit := &storeAudit{ctx: ctx, store: s, logger: setupLogger(cfg.Logging)}
	audit.Record(store.AuditEntry{
		OrgID:      orgID,
		ActorType:  store.ActorSystem,
		ActorID:    cliActor,
		Action:     store.AuditMintServiceAuth,
		Category:   store.CategorySecurity,
		TargetType: "service_account",
		TargetID:   sub,
		Detail: map[string]any{
			"mcps":       mcps,
			"role":       string(role),
			"expires_at": time.Now().Add(ttl).UTC().Format(time.RFC3339),
		},
	})

	// Only the token goes to stdout so it can be captured by scripts.
	fmt.Println(token)
	return nil
}
