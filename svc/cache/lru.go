package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mdbin/metrics"
	"mdbin/pkg/domain"
)

// LRU holds recently read pastes keyed by custom URL. Entries are cloned on the
// way in and out so callers can never mutate a cached paste.
//
// Read-through fills carry a ticket taken before the store read. Delete
// leaves a tombstone newer than every ticket issued so far, and Fill refuses
// any ticket that is not newer than the tombstone, so a slow reader can never
// put back a paste that was changed or removed while it was reading.
type LRU struct {
	c     *lru.Cache[string, item]
	tombs *lru.Cache[string, uint64]
	ttl   time.Duration
	mu    sync.Mutex
	seq   uint64
	// floor is the newest tombstone pushed out of tombs. Tickets at or below
	// it cannot be checked and are refused.
	floor uint64
}
type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int, ttl time.Duration) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, err
	}
	l := &LRU{c: c, ttl: ttl}
	// evictions run inside Delete, which already holds l.mu
	l.tombs, err = lru.NewWithEvict[string, uint64](size, func(_ string, seq uint64) {
		if seq > l.floor {
			l.floor = seq
		}
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LRU) Get(ctx context.Context, customURL string) *domain.Paste {
	if ctx.Err() != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(customURL)
	if !ok {
		metrics.CacheMisses.WithLabelValues("paste").Inc()
		return nil
	}
	if time.Now().After(it.exp) {
		l.c.Remove(customURL)
		metrics.CacheMisses.WithLabelValues("paste").Inc()
		return nil
	}
	metrics.CacheHits.WithLabelValues("paste").Inc()
	return it.paste.Clone()
}

// Ticket must be taken before reading the paste that will be passed to Fill.
func (l *LRU) Ticket() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq
}

// Fill caches p unless it was deleted after ticket was issued. It reports
// whether p was stored.
func (l *LRU) Fill(p *domain.Paste, ticket uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ticket <= l.floor {
		return false
	}
	if dead, ok := l.tombs.Peek(p.CustomURL); ok && dead >= ticket {
		return false
	}
	l.c.Add(p.CustomURL, item{
		paste: p.Clone(),
		exp:   time.Now().Add(l.ttl),
	})
	return true
}

func (l *LRU) Delete(customURL string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(customURL)
	l.seq++
	l.tombs.Add(customURL, l.seq)
}
