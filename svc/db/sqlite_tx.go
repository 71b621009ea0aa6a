package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"mdbin/pkg/domain"
)

// inTx runs fn inside a transaction bounded by the query timeout. The
// transaction commits only when fn returns nil. Domain errors returned by fn
// roll back without counting against the circuit breaker.
func (s *SQLite) inTx(ctx context.Context, fn func(queryCtx context.Context, tx *sql.Tx) error) error {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	s.recordError(err)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(queryCtx, tx); err != nil {
		if !isDomainErr(err) {
			s.recordError(err)
		}
		return err
	}
	err = tx.Commit()
	s.recordError(err)
	return errors.Wrap(err, "commit tx")
}

func isDomainErr(err error) bool {
	var de *domain.Err
	return errors.As(err, &de)
}
