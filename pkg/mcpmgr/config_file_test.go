package mcpmgr

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigJSON(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
	"mcpServers": {
		"fetch": {"command": "uvx", "args": ["mcp-server-fetch"]},
		"files": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-filesystem", "/tmp"], "env": {"DEBUG": "1"}}
	}
}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "files"}, cfg.Names())
	assert.Equal(t, "uvx mcp-server-fetch", cfg.MCPServers["fetch"].Summary())
	assert.Equal(t, map[string]string{"DEBUG": "1"}, cfg.MCPServers["files"].Env)
}

func TestParseConfigYAML(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
mcpServers:
  time:
    command: uvx
    args: [mcp-server-time, --local-timezone=UTC]
  memory:
    command: npx
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"memory", "time"}, cfg.Names())
	assert.Equal(t, []string{"mcp-server-time", "--local-timezone=UTC"}, cfg.MCPServers["time"].Args)
	assert.Equal(t, "npx", cfg.MCPServers["memory"].Summary())
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "missing command",
			input:   `{"mcpServers": {"broken": {"args": ["x"]}}}`,
			wantErr: "mcpServers.broken.command: Command is required",
		},
		{
			name:    "empty command",
			input:   "mcpServers:\n  blank:\n    command: \"\"\n",
			wantErr: "mcpServers.blank.command: Command is required",
		},
		{
			name:    "missing servers",
			input:   `{"servers": {}}`,
			wantErr: "mcpServers: Required",
		},
		{
			name:    "empty document",
			input:   "",
			wantErr: "mcpServers: Required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.input))
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
			var cfgErr *ConfigError
			assert.True(t, errors.As(err, &cfgErr))
		})
	}
}

func TestParseConfigReportsEveryInvalidServer(t *testing.T) {
	_, err := ParseConfig([]byte(`{"mcpServers": {"b": {}, "a": {"command": ""}, "ok": {"command": "run"}}}`))
	require.Error(t, err)
	assert.Equal(t, "mcpServers.a.command: Command is required\nmcpServers.b.command: Command is required", err.Error())
}

func TestParseConfigRejectsMalformedInput(t *testing.T) {
	_, err := ParseConfig([]byte(`{"mcpServers": `))
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Message, "invalid JSON")

	_, err = ParseConfig([]byte("mcpServers:\n  srv:\n    args: not-a-list\n    command: x\n"))
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Message, "cannot unmarshal")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mcpServers": {"echo": {"command": "echo-server"}}}`), 0o600))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, cfg.Names())

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestServerConfigEnvironAppendsOverrides(t *testing.T) {
	cfg := ServerConfig{Command: "x", Env: map[string]string{"B_KEY": "2", "A_KEY": "1"}}
	env := cfg.Environ()
	require.GreaterOrEqual(t, len(env), 2)
	assert.Equal(t, []string{"A_KEY=1", "B_KEY=2"}, env[len(env)-2:])
}
