package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"mdbin/pkg/domain"
)

const upsertEncryption = `
	INSERT INTO encryption (view_password_hash, custom_url, wrapped_key, iv, auth)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(view_password_hash, custom_url) DO UPDATE SET
		wrapped_key = excluded.wrapped_key, iv = excluded.iv, auth = excluded.auth
	`

func encryptionArgs(e *domain.EncryptionInfo) []interface{} {
	return []interface{}{e.ViewPasswordHash, strings.ToLower(e.CustomURL), e.WrappedKey, e.IV, e.Auth}
}

// GetEncryption returns (nil, nil) when no record matches. The lookup is padded
// so a wrong password cannot be told apart from a missing record by timing.
func (s *SQLite) GetEncryption(ctx context.Context, viewPasswordHash, customURL string) (*domain.EncryptionInfo, error) {
	start := time.Now()
	defer normalizeResponseTime(start)
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	e := domain.EncryptionInfo{ViewPasswordHash: viewPasswordHash}
	err = s.db.QueryRowContext(queryCtx, `
	SELECT custom_url, wrapped_key, iv, auth FROM encryption
	WHERE view_password_hash = ? AND custom_url = ?
	`, viewPasswordHash, strings.ToLower(customURL)).Scan(&e.CustomURL, &e.WrappedKey, &e.IV, &e.Auth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "get encryption")
	}
	return &e, nil
}
