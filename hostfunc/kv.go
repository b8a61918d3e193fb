package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	DefaultKVMaxKeySize   = 256
	DefaultKVMaxValueSize = 64 * 1024
	DefaultKVMaxEntries   = 1000
)

type KVConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultKVConfig() KVConfig {
	return KVConfig{
		MaxKeySize:   DefaultKVMaxKeySize,
		MaxValueSize: DefaultKVMaxValueSize,
		MaxEntries:   DefaultKVMaxEntries,
	}
}

// KVOption adjusts a KVConfig.
type KVOption func(*KVConfig)

func WithMaxKeySize(n int) KVOption {
	return func(c *KVConfig) { c.MaxKeySize = n }
}

func WithMaxValueSize(n int) KVOption {
	return func(c *KVConfig) { c.MaxValueSize = n }
}

func WithMaxEntries(n int) KVOption {
	return func(c *KVConfig) { c.MaxEntries = n }
}

// KV is an in-memory key-value store exposed to script as
// kv_get(key[, default]), kv_set(key, value), kv_delete(key) and kv_keys().
type KV struct {
	cfg  KVConfig
	data map[string]any
	mu   sync.RWMutex
}

func NewKV(cfg KVConfig, opts ...KVOption) *KV {
	for _, opt := range opts {
		opt(&cfg)
	}
	return &KV{cfg: cfg, data: make(map[string]any)}
}

// Register installs the kv_* functions into r.
func (s *KV) Register(r *Registry) {
	r.Register("kv_get", s.Get)
	r.Register("kv_set", s.Set)
	r.Register("kv_delete", s.Delete)
	r.Register("kv_keys", s.Keys)
}

func (s *KV) key(args []any) (string, error) {
	if len(args) == 0 {
		return "", errors.New("key required")
	}
	key, ok := args[0].(string)
	if !ok {
		return "", errors.New("key must be a string")
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return "", fmt.Errorf("key exceeds %d bytes", s.cfg.MaxKeySize)
	}
	return key, nil
}

func (s *KV) Get(ctx context.Context, args []any) (any, error) {
	key, err := s.key(args)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		if len(args) > 1 {
			return args[1], nil
		}
		return nil, nil
	}
	return val, nil
}

func (s *KV) Set(ctx context.Context, args []any) (any, error) {
	key, err := s.key(args)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, errors.New("value required")
	}
	val := args[1]
	if str, ok := val.(string); ok && s.cfg.MaxValueSize > 0 && len(str) > s.cfg.MaxValueSize {
		return nil, fmt.Errorf("value exceeds %d bytes", s.cfg.MaxValueSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return nil, fmt.Errorf("store is full (%d entries)", s.cfg.MaxEntries)
	}
	s.data[key] = val
	return "ok", nil
}

func (s *KV) Delete(ctx context.Context, args []any) (any, error) {
	key, err := s.key(args)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return "ok", nil
}

func (s *KV) Keys(ctx context.Context, args []any) (any, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
