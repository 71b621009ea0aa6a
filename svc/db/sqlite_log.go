package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mdbin/pkg/domain"
)

func (s *SQLite) CreateLog(ctx context.Context, l *domain.Log) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(queryCtx,
		`INSERT INTO logs (id, type, content, timestamp) VALUES (?, ?, ?, ?)`,
		l.ID, l.Type, l.Content, l.Timestamp.UTC(),
	)
	s.recordError(err)
	return errors.Wrap(err, "create log")
}

// GetLog returns (nil, nil) when no record has that id.
func (s *SQLite) GetLog(ctx context.Context, id string) (*domain.Log, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var l domain.Log
	err = s.db.QueryRowContext(queryCtx,
		`SELECT id, type, content, timestamp FROM logs WHERE id = ?`, id,
	).Scan(&l.ID, &l.Type, &l.Content, &l.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get log")
	}
	return &l, nil
}

func (s *SQLite) UpdateLog(ctx context.Context, id, content string) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, `UPDATE logs SET content = ? WHERE id = ?`, content, id)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "update log")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrLogNotFound
	}
	return nil
}

func (s *SQLite) DeleteLog(ctx context.Context, id string) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.db.ExecContext(queryCtx, `DELETE FROM logs WHERE id = ?`, id)
	s.recordError(err)
	return errors.Wrap(err, "delete log")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// QueryLogs returns logs matching every non-zero field of q, newest first.
func (s *SQLite) QueryLogs(ctx context.Context, q domain.LogQuery) ([]*domain.Log, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	var where []string
	var args []interface{}
	if q.Type != "" {
		where = append(where, "type = ?")
		args = append(args, q.Type)
	}
	if q.Content != "" {
		where = append(where, "content = ?")
		args = append(args, q.Content)
	}
	if q.ContentSuffix != "" {
		where = append(where, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.ContentSuffix))
	}
	if q.ContentContains != "" {
		where = append(where, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.ContentContains)+"%")
	}
	if !q.Before.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, q.Before.UTC())
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `SELECT id, type, content, timestamp FROM logs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(queryCtx, query, args...)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "query logs")
	}
	defer rows.Close()
	var out []*domain.Log
	for rows.Next() {
		var l domain.Log
		if err := rows.Scan(&l.ID, &l.Type, &l.Content, &l.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan log")
		}
		out = append(out, &l)
	}
	return out, errors.Wrap(rows.Err(), "iterate logs")
}

func (s *SQLite) CountLogs(ctx context.Context, logType, content string) (int, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int
	err = s.db.QueryRowContext(queryCtx,
		`SELECT COUNT(*) FROM logs WHERE type = ? AND content = ?`, logType, content,
	).Scan(&n)
	s.recordError(err)
	return n, errors.Wrap(err, "count logs")
}

// PruneLogs deletes logs of logType older than cutoff in batches. onBatch, if
// set, receives the ids removed by each batch.
func (s *SQLite) PruneLogs(ctx context.Context, logType string, cutoff time.Time, onBatch func(ids []string)) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	maxIterations := 10000
	for i := 0; i < maxIterations; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		ids, err := s.pruneBatch(ctx, logType, cutoff)
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "prune batch failed")
		}
		totalDeleted += len(ids)
		if len(ids) == 0 {
			break
		}
		if onBatch != nil {
			onBatch(ids)
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if totalDeleted == maxIterations*100 {
		return totalDeleted, errors.New("prune hit iteration limit, more records may exist")
	}
	return totalDeleted, nil
}

func (s *SQLite) pruneBatch(ctx context.Context, logType string, cutoff time.Time) ([]string, error) {
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(queryCtx, `
		DELETE FROM logs
		WHERE id IN (
			SELECT id FROM logs
			WHERE type = ? AND timestamp < ?
			LIMIT 100
		)
		RETURNING id
	`, logType, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
