// ABOUTME: Entry point for the mcp-gateway server and its operator commands
// ABOUTME: Serves the gateway, writes config, bootstraps organizations and mints tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/mcp-gateway/internal/config"
	"github.com/2389/mcp-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                  _
  _ __ ___   ___ _ __         __ _  __ _| |_ _____      ____ _ _   _
 | '_ ' _ \ / __| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | | | (__| |_) |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_| |_| |_|\___| .__/       \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                |_|          |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: MCP_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/mcp-gateway/gateway.yaml > ~/.config/mcp-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-gateway", "gateway.yaml")
}

// getDataPath returns the path to the mcp-gateway data directory.
// Priority: XDG_DATA_HOME/mcp-gateway > ~/.local/share/mcp-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcp-gateway")
}

func usage() {
	fmt.Println("Usage: mcp-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                                   Start the gateway server")
	fmt.Println("  init                                    Create a new config file interactively")
	fmt.Println("  bootstrap --org NAME [--plan PLAN]      Create an organization and its owner key")
	fmt.Println("  mint-token --org ID --sub NAME [--mcps a,b] [--role R] [--ttl 1h]")
	fmt.Println("                                          Sign a service-account token")
	fmt.Println("  health                                  Check gateway liveness")
	fmt.Println("  ready                                   Check gateway readiness")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Secrets may live in a .env next to the binary; a missing file is fine.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "mint-token":
		err = runMintToken(ctx, os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Rate limit: %s\n", cfg.RateLimit.Backend)
	if cfg.Health.Disabled {
		yellow.Print("    ▶ ")
		fmt.Println("Health:     disabled")
	} else {
		green.Print("    ▶ ")
		fmt.Printf("Health:     every %s\n", cfg.Health.Interval)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting mcp-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runProbe requests a health endpoint of a running gateway.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// randomSecret returns n random bytes, base64 encoded.
func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mcp-gateway configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Rate Limiting ---")
	backend := prompt(reader, "Counter backend (memory/sqlite/redis)", "sqlite")
	var redisAddr string
	if backend == "redis" {
		redisAddr = prompt(reader, "Redis address", "localhost:6379")
	}
	selfHosted := yes(prompt(reader, "Self-hosted (no monthly quotas)?", "yes"))

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "mcp-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	apiKeySecret, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating api key secret: %w", err)
	}
	encryptionKey, err := randomSecret(32)
	if err != nil {
		return fmt.Errorf("generating encryption key: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# mcp-gateway configuration\n")
	cfg.WriteString("# Generated by mcp-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString("  # Changing either secret invalidates every issued key or sealed credential.\n")
	cfg.WriteString(fmt.Sprintf("  api_key_secret: %q\n", apiKeySecret))
	cfg.WriteString(fmt.Sprintf("  encryption_key: %q\n", encryptionKey))
	cfg.WriteString("  jwt_issuer: \"mcp-gateway\"\n")
	cfg.WriteString("  jwt_audience: \"mcp-gateway\"\n\n")

	cfg.WriteString("rate_limit:\n")
	cfg.WriteString(fmt.Sprintf("  backend: %q\n", backend))
	if redisAddr != "" {
		cfg.WriteString(fmt.Sprintf("  redis_addr: %q\n", redisAddr))
	}
	cfg.WriteString(fmt.Sprintf("  self_hosted: %t\n\n", selfHosted))

	cfg.WriteString("health:\n")
	cfg.WriteString("  interval: \"30s\"\n")
	cfg.WriteString("  timeout: \"5s\"\n")
	cfg.WriteString("  failure_threshold: 3\n")
	cfg.WriteString("  recovery_threshold: 1\n\n")

	cfg.WriteString("proxy:\n")
	cfg.WriteString("  unhealthy_policy: \"advisory\"\n")
	cfg.WriteString("  default_timeout: \"30s\"\n")
	cfg.WriteString("  max_timeout: \"5m\"\n\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		if tsAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", tsAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", tsEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds secrets.
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  mcp-gateway bootstrap --org \"Your Org\"")
	fmt.Println("  mcp-gateway serve")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
