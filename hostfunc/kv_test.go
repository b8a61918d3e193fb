package hostfunc

import (
	"context"
	"sync"
	"testing"
)

func TestKVSetGet(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	_, err := kv.Set(ctx, []any{"foo", "bar"})
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := kv.Get(ctx, []any{"foo"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "bar" {
		t.Errorf("expected bar, got %v", val)
	}
}

func TestKVGetDefault(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	val, err := kv.Get(ctx, []any{"missing", "fallback"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != "fallback" {
		t.Errorf("expected fallback, got %v", val)
	}
}

func TestKVGetMissing(t *testing.T) {
	kv := NewKV(DefaultKVConfig())

	val, err := kv.Get(context.Background(), []any{"missing"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil, got %v", val)
	}
}

func TestKVKeyRequired(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	if _, err := kv.Get(ctx, nil); err == nil {
		t.Error("expected error without key")
	}
	if _, err := kv.Set(ctx, []any{42, "x"}); err == nil {
		t.Error("expected error for non-string key")
	}
	if _, err := kv.Set(ctx, []any{"k"}); err == nil {
		t.Error("expected error without value")
	}
}

func TestKVDeleteAndKeys(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	kv.Set(ctx, []any{"c", 3})
	kv.Set(ctx, []any{"a", 1})
	kv.Set(ctx, []any{"b", 2})
	kv.Delete(ctx, []any{"b"})

	result, err := kv.Keys(ctx, nil)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	keys := result.([]string)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "c" {
		t.Errorf("expected [a c], got %v", keys)
	}
}

func TestKVLimits(t *testing.T) {
	ctx := context.Background()

	kv := NewKV(KVConfig{}, WithMaxKeySize(10))
	if _, err := kv.Set(ctx, []any{"this-key-is-too-long", "x"}); err == nil {
		t.Error("expected error for key too large")
	}

	kv = NewKV(KVConfig{}, WithMaxValueSize(10))
	if _, err := kv.Set(ctx, []any{"k", "this-value-is-way-too-large"}); err == nil {
		t.Error("expected error for value too large")
	}

	kv = NewKV(KVConfig{}, WithMaxEntries(2))
	kv.Set(ctx, []any{"a", "1"})
	kv.Set(ctx, []any{"b", "2"})
	if _, err := kv.Set(ctx, []any{"c", "3"}); err == nil {
		t.Error("expected error for too many entries")
	}
	if _, err := kv.Set(ctx, []any{"a", "overwrite"}); err != nil {
		t.Errorf("overwriting an existing key should not count as a new entry: %v", err)
	}
}

func TestKVRegister(t *testing.T) {
	r := NewRegistry()
	NewKV(DefaultKVConfig()).Register(r)

	for _, name := range []string{"kv_delete", "kv_get", "kv_keys", "kv_set"} {
		if _, ok := r.Get(name); !ok {
			t.Errorf("expected %s to be registered", name)
		}
	}
}

func TestKVConcurrent(t *testing.T) {
	kv := NewKV(DefaultKVConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + (n % 26)))
			kv.Set(ctx, []any{key, n})
			kv.Get(ctx, []any{key})
		}(i)
	}
	wg.Wait()
}
