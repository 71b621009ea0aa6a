// Package session keeps the append-only log table that backs browser
// sessions, page views and audit records.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mdbin/metrics"
	"mdbin/pkg/domain"
	"mdbin/svc/util"
)

type LogStore interface {
	CreateLog(ctx context.Context, l *domain.Log) error
	GetLog(ctx context.Context, id string) (*domain.Log, error)
	UpdateLog(ctx context.Context, id, content string) error
	DeleteLog(ctx context.Context, id string) error
	QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.Log, error)
	CountLogs(ctx context.Context, logType, content string) (int, error)
	PruneLogs(ctx context.Context, logType string, cutoff time.Time, onBatch func(ids []string)) (int, error)
}

// LogCache is an optional read-through cache for session lookups. Every
// InvalidateLog changes the id's version, and CacheLog is a no-op when the
// version differs from the one passed in.
type LogCache interface {
	LogVersion(ctx context.Context, id string) (string, error)
	CacheLog(ctx context.Context, l *domain.Log, version string, ttl time.Duration) error
	GetCachedLog(ctx context.Context, id string) (*domain.Log, error)
	InvalidateLog(ctx context.Context, ids ...string) error
}

type Store struct {
	logs     LogStore
	cache    LogCache
	cacheTTL time.Duration
	now      func() time.Time
}

// NewStore builds a store; cache may be nil.
func NewStore(logs LogStore, cache LogCache, cacheTTL time.Duration) *Store {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Store{logs: logs, cache: cache, cacheTTL: cacheTTL, now: time.Now}
}

// CreateLog appends a record with a fresh id. Store failures are returned,
// never retried.
func (s *Store) CreateLog(ctx context.Context, logType, content string) (*domain.Log, error) {
	l := &domain.Log{
		ID:        util.NewSessionID(),
		Type:      logType,
		Content:   content,
		Timestamp: s.now().UTC(),
	}
	if err := s.logs.CreateLog(ctx, l); err != nil {
		return nil, errors.Wrap(err, "create log")
	}
	return l, nil
}

// GetLog returns (nil, nil) when the id is unknown; callers treat that as an
// expired session.
func (s *Store) GetLog(ctx context.Context, id string) (*domain.Log, error) {
	if id == "" {
		return nil, nil
	}
	fill := false
	var version string
	if s.cache != nil {
		l, err := s.cache.GetCachedLog(ctx, id)
		if err != nil {
			util.Warn().Err(err).Msg("session cache read failed, falling back to db")
		} else if l != nil {
			metrics.CacheHits.WithLabelValues("session_log").Inc()
			return l, nil
		}
		metrics.CacheMisses.WithLabelValues("session_log").Inc()
		if version, err = s.cache.LogVersion(ctx, id); err != nil {
			util.Warn().Err(err).Msg("session cache version read failed")
		} else {
			fill = true
		}
	}
	l, err := s.logs.GetLog(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get log")
	}
	if l != nil && fill && l.Type == domain.LogTypeSession {
		if err := s.cache.CacheLog(ctx, l, version, s.cacheTTL); err != nil {
			util.Warn().Err(err).Msg("session cache write failed")
		}
	}
	return l, nil
}

func (s *Store) UpdateLog(ctx context.Context, id, content string) error {
	if err := s.logs.UpdateLog(ctx, id, content); err != nil {
		return errors.Wrap(err, "update log")
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) DeleteLog(ctx context.Context, id string) error {
	if err := s.logs.DeleteLog(ctx, id); err != nil {
		return errors.Wrap(err, "delete log")
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *Store) QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.Log, error) {
	out, err := s.logs.QueryLogs(ctx, q)
	return out, errors.Wrap(err, "query logs")
}

func (s *Store) CountLogs(ctx context.Context, logType, content string) (int, error) {
	n, err := s.logs.CountLogs(ctx, logType, content)
	return n, errors.Wrap(err, "count logs")
}

func (s *Store) invalidate(ctx context.Context, ids ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateLog(ctx, ids...); err != nil {
		util.Warn().Err(err).Int("count", len(ids)).Msg("session cache invalidation failed")
	}
}

// CreateSession records a new browser session.
func (s *Store) CreateSession(ctx context.Context, rec Record) (*domain.Log, error) {
	return s.CreateLog(ctx, domain.LogTypeSession, rec.String())
}

// GetSession returns the parsed record and whether the session exists.
// Non-session logs are never treated as sessions.
func (s *Store) GetSession(ctx context.Context, id string) (Record, bool, error) {
	l, err := s.GetLog(ctx, id)
	if err != nil {
		return Record{}, false, err
	}
	if l == nil || l.Type != domain.LogTypeSession {
		return Record{}, false, nil
	}
	return Parse(l.Content), true, nil
}

func (s *Store) PutSession(ctx context.Context, id string, rec Record) error {
	return s.UpdateLog(ctx, id, rec.String())
}

// SessionsAssociatedWith lists the ids of sessions whose association is customURL.
func (s *Store) SessionsAssociatedWith(ctx context.Context, customURL string) ([]string, error) {
	if customURL == "" {
		return nil, nil
	}
	logs, err := s.QueryLogs(ctx, domain.LogQuery{
		Type:          domain.LogTypeSession,
		ContentSuffix: withTag + customURL,
	})
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, l := range logs {
		if strings.EqualFold(Parse(l.Content).Associated, customURL) {
			ids = append(ids, l.ID)
		}
	}
	return ids, nil
}

// ClearAssociation strips the association from every session pointing at
// customURL and returns how many were changed.
func (s *Store) ClearAssociation(ctx context.Context, customURL string) (int, error) {
	ids, err := s.SessionsAssociatedWith(ctx, customURL)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, id := range ids {
		rec, ok, err := s.GetSession(ctx, id)
		if err != nil {
			return cleared, err
		}
		if !ok {
			continue
		}
		rec.Associated = ""
		if err := s.PutSession(ctx, id, rec); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// Prune removes logs of logType older than maxAge and drops them from the
// cache.
func (s *Store) Prune(ctx context.Context, logType string, maxAge time.Duration) (int, error) {
	n, err := s.logs.PruneLogs(ctx, logType, s.now().Add(-maxAge), func(ids []string) {
		s.invalidate(ctx, ids...)
	})
	return n, errors.Wrap(err, "prune logs")
}
