// Package config loads the evaljs command configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Engine names accepted in the engine field.
const (
	EngineNative = "native"
	EngineWasm   = "wasm"
)

// Config is the top-level evaljs configuration.
type Config struct {
	Engine   string        `yaml:"engine"`
	LogLevel string        `yaml:"log_level"`
	Timeout  time.Duration `yaml:"timeout"`
	KV       KVConfig      `yaml:"kv"`
	Serve    ServeConfig   `yaml:"serve"`
	Wasm     WasmConfig    `yaml:"wasm"`
}

// KVConfig controls the per-session key-value store.
type KVConfig struct {
	Enabled      bool `yaml:"enabled"`
	MaxKeySize   int  `yaml:"max_key_size"`   // 0 = unlimited.
	MaxValueSize int  `yaml:"max_value_size"` // 0 = unlimited.
	MaxEntries   int  `yaml:"max_entries"`    // 0 = unlimited.
}

// ServeConfig holds HTTP server settings.
type ServeConfig struct {
	Addr       string        `yaml:"addr"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// WasmConfig holds settings for the QuickJS backend.
type WasmConfig struct {
	DiskCache   bool   `yaml:"disk_cache"`
	CacheDir    string `yaml:"cache_dir"`
	MemoryLimit string `yaml:"memory_limit"` // e.g. "64mb", empty = runtime default.
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Engine:   EngineNative,
		LogLevel: "warn",
		Timeout:  30 * time.Second,
		KV: KVConfig{
			MaxKeySize:   256,
			MaxValueSize: 64 * 1024,
			MaxEntries:   1000,
		},
		Serve: ServeConfig{
			Addr:       ":8080",
			SessionTTL: 15 * time.Minute,
		},
		Wasm: WasmConfig{DiskCache: true},
	}
}

// Load reads a YAML file on top of Default.
// Environment variables referenced as ${VAR} or $VAR are expanded before
// parsing, so values can come from the process environment or a .env file
// loaded with LoadDotEnv.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration
	if err != nil {
		return Config{}, fmt.Errorf("config: load: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment variables from path. A missing file is not an
// error so .env files stay optional.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	switch c.Engine {
	case EngineNative, EngineWasm:
	default:
		return fmt.Errorf("config: unknown engine %q (expected %s or %s)", c.Engine, EngineNative, EngineWasm)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("config: timeout must not be negative")
	}
	if c.KV.MaxKeySize < 0 || c.KV.MaxValueSize < 0 || c.KV.MaxEntries < 0 {
		return fmt.Errorf("config: kv limits must not be negative")
	}
	if c.Serve.SessionTTL < 0 {
		return fmt.Errorf("config: serve: session_ttl must not be negative")
	}
	if _, err := c.Wasm.MemoryLimitPages(); err != nil {
		return err
	}
	return nil
}

var memoryLimits = map[string]uint32{
	"16mb":  256,
	"64mb":  1024,
	"256mb": 4096,
	"1gb":   16384,
}

// MemoryLimitPages converts MemoryLimit to 64KB wasm pages. Zero means the
// runtime default.
func (w WasmConfig) MemoryLimitPages() (uint32, error) {
	if w.MemoryLimit == "" {
		return 0, nil
	}
	pages, ok := memoryLimits[strings.ToLower(w.MemoryLimit)]
	if !ok {
		return 0, fmt.Errorf("config: wasm: unknown memory_limit %q (expected 16mb, 64mb, 256mb or 1gb)", w.MemoryLimit)
	}
	return pages, nil
}
