package wasm

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Option configures the Engine at creation time.
type Option func(*config)

type config struct {
	logger           *zap.Logger
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = wazero default (4GB)
}

func defaultConfig() config {
	return config{logger: zap.NewNop()}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDiskCache enables a persistent compilation cache so the QuickJS module
// is compiled once per machine instead of once per process. Without dir the
// cache lives in XDG_CACHE_HOME/evaljs or ~/.cache/evaljs.
//
//	wasm.New(wasm.WithDiskCache())            // default dir
//	wasm.New(wasm.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the linear memory of every instance. Each page is 64KB.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
	MemoryLimit1GB   uint32 = 16384
)

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "evaljs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "evaljs")
	}
	return filepath.Join(os.TempDir(), "evaljs-cache")
}
