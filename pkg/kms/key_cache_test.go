package kms

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockProvider struct {
	unwrapFunc func(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

func (m *mockProvider) Wrap(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	return append([]byte("wrapped-"), plaintext...), nil
}

func (m *mockProvider) Unwrap(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	return m.unwrapFunc(ctx, ciphertext, aad)
}

func (m *mockProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return "", errors.New("not implemented")
}

func countingAdapter(delay time.Duration) (*Adapter, func() int) {
	var mu sync.Mutex
	calls := 0
	a := NewAdapterWith(&mockProvider{
		unwrapFunc: func(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
			time.Sleep(delay)
			mu.Lock()
			calls++
			mu.Unlock()
			return append([]byte("key-"), ciphertext...), nil
		},
	}, nil, true)
	return a, func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}
}

func TestKeyCache_HitMiss(t *testing.T) {
	adapter, calls := countingAdapter(0)
	cache := NewKeyCache(adapter, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	k1, err := cache.Unwrap(ctx, []byte("wrapped"), "abc")
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	k2, err := cache.Unwrap(ctx, []byte("wrapped"), "abc")
	if err != nil {
		t.Fatalf("Unwrap failed: %v", err)
	}
	if calls() != 1 {
		t.Errorf("expected 1 provider call, got %d", calls())
	}
	if !bytes.Equal(k1, k2) {
		t.Error("cache hit returned a different key")
	}

	k1[0] = 0
	k3, _ := cache.Unwrap(ctx, []byte("wrapped"), "abc")
	if k3[0] == 0 {
		t.Error("caller mutation leaked into cached key")
	}
}

func TestKeyCache_KeyedByPaste(t *testing.T) {
	adapter, calls := countingAdapter(0)
	cache := NewKeyCache(adapter, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	_, _ = cache.Unwrap(ctx, []byte("wrapped"), "abc")
	_, _ = cache.Unwrap(ctx, []byte("wrapped"), "xyz")
	if calls() != 2 {
		t.Errorf("expected 2 provider calls for different pastes, got %d", calls())
	}
}

func TestKeyCache_SingleFlight(t *testing.T) {
	adapter, calls := countingAdapter(50 * time.Millisecond)
	cache := NewKeyCache(adapter, time.Hour)
	defer cache.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Unwrap(context.Background(), []byte("wrapped"), "abc"); err != nil {
				t.Errorf("Unwrap failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if calls() != 1 {
		t.Errorf("expected 1 provider call (single-flight), got %d", calls())
	}
}

func TestKeyCache_ForgetPaste(t *testing.T) {
	adapter, calls := countingAdapter(0)
	cache := NewKeyCache(adapter, time.Hour)
	defer cache.Stop()

	ctx := context.Background()
	_, _ = cache.Unwrap(ctx, []byte("wrapped"), "abc")
	_, _ = cache.Unwrap(ctx, []byte("rekeyed"), "abc")
	_, _ = cache.Unwrap(ctx, []byte("wrapped"), "other")
	if n := cache.ForgetPaste("ABC"); n != 2 {
		t.Errorf("ForgetPaste removed %d entries, want 2", n)
	}
	if cache.Stats().Entries != 1 {
		t.Errorf("other paste's key was dropped")
	}
	_, _ = cache.Unwrap(ctx, []byte("wrapped"), "abc")
	if calls() != 4 {
		t.Errorf("expected re-fetch after ForgetPaste, got %d calls", calls())
	}
}

func TestKeyCache_Stop(t *testing.T) {
	adapter, _ := countingAdapter(0)
	cache := NewKeyCache(adapter, time.Hour)

	_, _ = cache.Unwrap(context.Background(), []byte("a"), "abc")
	if cache.Stats().Entries != 1 {
		t.Fatalf("expected 1 entry, got %d", cache.Stats().Entries)
	}
	cache.Stop()
	cache.Stop()

	if cache.Stats().Entries != 0 {
		t.Errorf("expected entries wiped after Stop")
	}
	if _, err := cache.Unwrap(context.Background(), []byte("a"), "abc"); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable after Stop, got %v", err)
	}
}
