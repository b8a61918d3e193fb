package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, "evaljs.yaml", `
engine: wasm
timeout: 5s
kv:
  enabled: true
  max_entries: 10
serve:
  addr: 127.0.0.1:9000
wasm:
  memory_limit: 64MB
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, EngineWasm, cfg.Engine)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.True(t, cfg.KV.Enabled)
	assert.Equal(t, 10, cfg.KV.MaxEntries)
	assert.Equal(t, 256, cfg.KV.MaxKeySize, "unset fields keep their defaults")
	assert.Equal(t, "127.0.0.1:9000", cfg.Serve.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Serve.SessionTTL)

	pages, err := cfg.Wasm.MemoryLimitPages()
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), pages)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("EVALJS_TEST_ENGINE", "wasm")
	t.Setenv("EVALJS_TEST_ADDR", ":7070")
	path := writeFile(t, "evaljs.yaml", "engine: ${EVALJS_TEST_ENGINE}\nserve:\n  addr: \"$EVALJS_TEST_ADDR\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EngineWasm, cfg.Engine)
	assert.Equal(t, ":7070", cfg.Serve.Addr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config: load")

	path := writeFile(t, "bad.yaml", "engine: [native\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "config: parse")
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")), "missing .env is not an error")

	t.Setenv("EVALJS_DOTENV_VALUE", "")
	os.Unsetenv("EVALJS_DOTENV_VALUE")
	path := writeFile(t, ".env", "EVALJS_DOTENV_VALUE=from-dotenv\n")
	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-dotenv", os.Getenv("EVALJS_DOTENV_VALUE"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown engine", func(c *Config) { c.Engine = "v8" }, `unknown engine "v8"`},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, "timeout must not be negative"},
		{"negative kv", func(c *Config) { c.KV.MaxEntries = -1 }, "kv limits"},
		{"negative ttl", func(c *Config) { c.Serve.SessionTTL = -time.Second }, "session_ttl"},
		{"bad memory", func(c *Config) { c.Wasm.MemoryLimit = "3mb" }, `unknown memory_limit "3mb"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}
