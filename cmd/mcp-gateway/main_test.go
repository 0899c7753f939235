// ABOUTME: Tests for command-line parsing and logger setup
// ABOUTME: Exercises flag forms, config path resolution and the color handler

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-gateway/internal/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]string
		wantErr string
	}{
		{"separate value", []string{"--org", "Acme"}, map[string]string{"org": "Acme"}, ""},
		{"inline value", []string{"--org=Acme Corp", "--plan=pro"}, map[string]string{"org": "Acme Corp", "plan": "pro"}, ""},
		{"empty", nil, map[string]string{}, ""},
		{"missing value", []string{"--org"}, nil, "--org requires a value"},
		{"unknown flag", []string{"--name", "x"}, nil, "unknown flag: --name"},
		{"positional", []string{"Acme"}, nil, "unexpected argument: Acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args, "org", "plan")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"*"}, splitList("*"))
}

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("MCP_GATEWAY_CONFIG", "/etc/mcp/gateway.yaml")
		assert.Equal(t, "/etc/mcp/gateway.yaml", getConfigPath())
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv("MCP_GATEWAY_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, filepath.Join("/tmp/xdg", "mcp-gateway", "gateway.yaml"), getConfigPath())
	})
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/data")
	assert.Equal(t, filepath.Join("/tmp/data", "mcp-gateway"), getDataPath())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestColorHandler(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "info"})

	logger.Debug("hidden")
	logger.With("component", "proxy").WithGroup("call").Info("forwarded", "mcp_id", "mcp_123")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF forwarded")
	assert.Contains(t, out, "component=proxy")
	assert.Contains(t, out, "call.mcp_id=mcp_123")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LoggingConfig{Level: "debug", Format: "json"})
	logger.Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
