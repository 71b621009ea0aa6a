package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mdbin/pkg/domain"
	"mdbin/svc/db"
)

var memSeq int64

func newTestStore(t *testing.T, cache LogCache) *Store {
	t.Helper()
	path := fmt.Sprintf("file:sessiontest%d?mode=memory&cache=shared", atomic.AddInt64(&memSeq, 1))
	sq, err := db.NewSQLiteWithConfig(path, 4, 4, time.Second)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return NewStore(sq, cache, time.Minute)
}

type memCache struct {
	mu       sync.Mutex
	logs     map[string]*domain.Log
	versions map[string]int
	hits     int
}

func newMemCache() *memCache {
	return &memCache{logs: map[string]*domain.Log{}, versions: map[string]int{}}
}

func (m *memCache) LogVersion(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strconv.Itoa(m.versions[id]), nil
}

func (m *memCache) CacheLog(ctx context.Context, l *domain.Log, version string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strconv.Itoa(m.versions[l.ID]) != version {
		return nil
	}
	cp := *l
	m.logs[l.ID] = &cp
	return nil
}

func (m *memCache) GetCachedLog(ctx context.Context, id string) (*domain.Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, nil
	}
	m.hits++
	cp := *l
	return &cp, nil
}

func (m *memCache) InvalidateLog(ctx context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.logs, id)
		m.versions[id]++
	}
	return nil
}

func (m *memCache) cached(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.logs[id]
	return ok
}

// slowLogs runs afterRead once the underlying read has returned.
type slowLogs struct {
	LogStore
	afterRead func(id string)
}

func (s *slowLogs) GetLog(ctx context.Context, id string) (*domain.Log, error) {
	l, err := s.LogStore.GetLog(ctx, id)
	if s.afterRead != nil {
		s.afterRead(id)
	}
	return l, err
}

func TestParse(t *testing.T) {
	tests := []struct {
		content string
		want    Record
	}{
		{"Mozilla/5.0", Record{UserAgent: "Mozilla/5.0"}},
		{"Mozilla/5.0;_with;alice", Record{UserAgent: "Mozilla/5.0", Associated: "alice"}},
		{"Mozilla/5.0;_ip;1.abcd;_with;g/alice", Record{UserAgent: "Mozilla/5.0", IP: "1.abcd", Associated: "g/alice"}},
		{"Mozilla/5.0;_ip;1.abcd", Record{UserAgent: "Mozilla/5.0", IP: "1.abcd"}},
		{"", Record{}},
	}
	for _, tt := range tests {
		got := Parse(tt.content)
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.content, got, tt.want)
		}
		if tt.content != "" && got.String() != tt.content {
			t.Errorf("String() = %q, want %q", got.String(), tt.content)
		}
	}
}

func TestRecordUserAgentCannotForgeAssociation(t *testing.T) {
	rec := Record{UserAgent: "evil;_with;admin"}
	got := Parse(rec.String())
	if got.Associated != "" {
		t.Errorf("user agent forged association %q", got.Associated)
	}
}

func TestStoreLifecycle(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	l, err := s.CreateSession(ctx, Record{UserAgent: "Mozilla/5.0"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if l.ID == "" || l.Type != domain.LogTypeSession {
		t.Fatalf("unexpected log %+v", l)
	}

	rec, ok, err := s.GetSession(ctx, l.ID)
	if err != nil || !ok || rec.UserAgent != "Mozilla/5.0" {
		t.Fatalf("GetSession = %+v, %v, %v", rec, ok, err)
	}

	rec.Associated = "alice"
	if err := s.PutSession(ctx, l.ID, rec); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	ids, err := s.SessionsAssociatedWith(ctx, "alice")
	if err != nil || len(ids) != 1 || ids[0] != l.ID {
		t.Fatalf("SessionsAssociatedWith = %v, %v", ids, err)
	}

	n, err := s.ClearAssociation(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("ClearAssociation = %d, %v", n, err)
	}
	rec, _, _ = s.GetSession(ctx, l.ID)
	if rec.IsAssociated() {
		t.Error("association survived ClearAssociation")
	}

	if err := s.DeleteLog(ctx, l.ID); err != nil {
		t.Fatalf("DeleteLog: %v", err)
	}
	if _, ok, _ := s.GetSession(ctx, l.ID); ok {
		t.Error("session survived delete")
	}
}

func TestGetLogAbsentIsNotError(t *testing.T) {
	s := newTestStore(t, nil)
	l, err := s.GetLog(context.Background(), "does-not-exist")
	if err != nil || l != nil {
		t.Errorf("GetLog = %+v, %v", l, err)
	}
}

func TestNonSessionLogIsNotASession(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	l, _ := s.CreateLog(ctx, domain.LogTypeView, "alice")
	if _, ok, _ := s.GetSession(ctx, l.ID); ok {
		t.Error("view log resolved as session")
	}
}

func TestCacheReadThroughAndInvalidate(t *testing.T) {
	cache := newMemCache()
	s := newTestStore(t, cache)
	ctx := context.Background()

	l, _ := s.CreateSession(ctx, Record{UserAgent: "Mozilla/5.0"})
	_, _, _ = s.GetSession(ctx, l.ID)
	_, _, _ = s.GetSession(ctx, l.ID)
	if cache.hits != 1 {
		t.Errorf("expected one cache hit, got %d", cache.hits)
	}

	_ = s.PutSession(ctx, l.ID, Record{UserAgent: "Mozilla/5.0", Associated: "bob"})
	rec, _, _ := s.GetSession(ctx, l.ID)
	if rec.Associated != "bob" {
		t.Errorf("stale cache after update: %+v", rec)
	}
}

func TestUpdateDuringReadThroughIsNotCached(t *testing.T) {
	cache := newMemCache()
	s := newTestStore(t, cache)
	ctx := context.Background()

	l, _ := s.CreateSession(ctx, Record{UserAgent: "Mozilla/5.0", Associated: "alice"})
	slow := &slowLogs{LogStore: s.logs}
	s.logs = slow
	var fired atomic.Bool
	slow.afterRead = func(id string) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if err := s.PutSession(ctx, id, Record{UserAgent: "Mozilla/5.0"}); err != nil {
			t.Errorf("PutSession: %v", err)
		}
	}

	// this read saw the association that the concurrent write removed
	if rec, _, _ := s.GetSession(ctx, l.ID); rec.Associated != "alice" {
		t.Fatalf("first read = %+v", rec)
	}
	if cache.cached(l.ID) {
		t.Fatal("stale session cached after concurrent update")
	}
	rec, ok, err := s.GetSession(ctx, l.ID)
	if err != nil || !ok || rec.Associated != "" {
		t.Errorf("GetSession = %+v, %v, %v", rec, ok, err)
	}
}

func TestPruneInvalidatesCache(t *testing.T) {
	cache := newMemCache()
	s := newTestStore(t, cache)
	ctx := context.Background()

	l, _ := s.CreateSession(ctx, Record{UserAgent: "Mozilla/5.0"})
	if _, ok, _ := s.GetSession(ctx, l.ID); !ok || !cache.cached(l.ID) {
		t.Fatal("session not cached")
	}
	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := s.Prune(ctx, domain.LogTypeSession, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	if _, ok, _ := s.GetSession(ctx, l.ID); ok {
		t.Error("pruned session still served from cache")
	}
}
