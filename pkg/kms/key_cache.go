package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyCache holds unwrapped per-paste content keys for a bounded time so that
// repeated decryptions of a private paste do not round-trip to the provider.
type KeyCache struct {
	cache    sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKey struct {
	customURL string
	key       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

func NewKeyCache(adapter *Adapter, ttl time.Duration) *KeyCache {
	c := &KeyCache{
		ttl:      ttl,
		adapter:  adapter,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a copy of the content key for customURL; callers may wipe it.
func (c *KeyCache) Unwrap(ctx context.Context, wrapped []byte, customURL string) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyFor(wrapped, customURL)

	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := c.cache.Load(cacheKey); ok {
			entry := cached.(*cachedKey)
			entry.mu.RLock()
			if time.Now().Before(entry.expiresAt) && entry.key != nil {
				out := make([]byte, len(entry.key))
				copy(out, entry.key)
				entry.mu.RUnlock()
				return out, nil
			}
			entry.mu.RUnlock()
			c.cache.Delete(cacheKey)
		}

		key, err := c.adapter.UnwrapKey(ctx, wrapped, PasteContext(customURL))
		if err != nil {
			return nil, err
		}

		jitter := hashToJitter(cacheKey, int64(c.ttl/10))
		entry := &cachedKey{
			customURL: customURL,
			key:       make([]byte, len(key)),
			expiresAt: time.Now().Add(c.ttl).Add(jitter),
		}
		copy(entry.key, key)
		c.cache.Store(cacheKey, entry)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// ForgetPaste wipes every cached key of customURL. Call it once the paste is
// deleted or re-keyed.
func (c *KeyCache) ForgetPaste(customURL string) int {
	forgotten := 0
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		if !strings.EqualFold(entry.customURL, customURL) {
			return true
		}
		if _, ok := c.cache.LoadAndDelete(key); ok {
			entry.mu.Lock()
			wipeBytes(entry.key)
			entry.key = nil
			entry.mu.Unlock()
			forgotten++
		}
		return true
	})
	return forgotten
}

// PasteContext binds a wrapped key to the paste it protects.
func PasteContext(customURL string) EncryptionContext {
	return EncryptionContext{"paste": customURL}
}

func cacheKeyFor(wrapped []byte, customURL string) string {
	h := sha256.New()
	h.Write([]byte(customURL))
	h.Write([]byte{0})
	h.Write(wrapped)
	return hex.EncodeToString(h.Sum(nil))
}

func hashToJitter(hashStr string, maxJitterMillis int64) time.Duration {
	if maxJitterMillis <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(hashStr) && i < 16; i++ {
		sum += int64(hashStr[i])
	}
	return time.Duration(sum%maxJitterMillis) * time.Millisecond
}

func (c *KeyCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *KeyCache) evictExpired() {
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipeBytes(entry.key)
			entry.key = nil
			c.cache.Delete(key)
		}
		entry.mu.Unlock()
		return true
	})
}

func (c *KeyCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.cache.Range(func(key, value interface{}) bool {
		entry := value.(*cachedKey)
		entry.mu.Lock()
		wipeBytes(entry.key)
		entry.key = nil
		entry.mu.Unlock()
		c.cache.Delete(key)
		return true
	})
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (c *KeyCache) Stats() CacheStats {
	var stats CacheStats
	now := time.Now()
	c.cache.Range(func(key, value interface{}) bool {
		stats.Entries++
		entry := value.(*cachedKey)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}

type CacheStats struct {
	Entries int
	Expired int
}
