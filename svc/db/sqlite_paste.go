package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"mdbin/pkg/domain"
)

const pasteColumns = `custom_url, content, edit_password, view_password, pub_date, edit_date, group_name, associated, metadata`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var p domain.Paste
	var md sql.NullString
	if err := row.Scan(&p.CustomURL, &p.Content, &p.EditPassword, &p.ViewPassword,
		&p.PubDate, &p.EditDate, &p.GroupName, &p.Associated, &md); err != nil {
		return nil, err
	}
	if md.Valid && md.String != "" {
		var m domain.Metadata
		if err := json.Unmarshal([]byte(md.String), &m); err != nil {
			return nil, errors.Wrap(err, "decode metadata")
		}
		p.Metadata = &m
	}
	return &p, nil
}

func encodeMetadata(m *domain.Metadata) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, errors.Wrap(err, "encode metadata")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// CreatePaste inserts p. A taken CustomURL yields domain.ErrPasteExists.
func (s *SQLite) CreatePaste(ctx context.Context, p *domain.Paste) error {
	return s.CreatePasteWithEncryption(ctx, p, nil)
}

// CreatePasteWithEncryption inserts p and, when enc is non-nil, its
// encryption record in one transaction.
func (s *SQLite) CreatePasteWithEncryption(ctx context.Context, p *domain.Paste, enc *domain.EncryptionInfo) error {
	md, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	q := `
	INSERT INTO pastes (` + pasteColumns + `, comment_on)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	return s.inTx(ctx, func(queryCtx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(queryCtx, q,
			strings.ToLower(p.CustomURL), p.Content, p.EditPassword, p.ViewPassword,
			p.PubDate, p.EditDate, p.GroupName, p.Associated, md, strings.ToLower(p.CommentOn()),
		)
		if isUniqueViolation(err) {
			return domain.ErrPasteExists
		}
		if err != nil {
			return errors.Wrap(err, "db create paste")
		}
		if enc == nil {
			return nil
		}
		_, err = tx.ExecContext(queryCtx, upsertEncryption, encryptionArgs(enc)...)
		return errors.Wrap(err, "put encryption")
	})
}

func (s *SQLite) GetPaste(ctx context.Context, customURL string) (*domain.Paste, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE custom_url = ?`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, strings.ToLower(customURL)))
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "db get paste")
	}
	return p, nil
}

// UpdatePaste rewrites every mutable column of an existing paste.
func (s *SQLite) UpdatePaste(ctx context.Context, p *domain.Paste) error {
	return s.UpdatePasteWithEncryption(ctx, p, nil)
}

// UpdatePasteWithEncryption rewrites p and, when enc is non-nil, stores its
// encryption record. Neither write lands unless both do.
func (s *SQLite) UpdatePasteWithEncryption(ctx context.Context, p *domain.Paste, enc *domain.EncryptionInfo) error {
	md, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}
	q := `
	UPDATE pastes SET content = ?, edit_password = ?, view_password = ?, edit_date = ?,
		group_name = ?, associated = ?, metadata = ?, comment_on = ?
	WHERE custom_url = ?
	`
	return s.inTx(ctx, func(queryCtx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(queryCtx, q,
			p.Content, p.EditPassword, p.ViewPassword, p.EditDate,
			p.GroupName, p.Associated, md, strings.ToLower(p.CommentOn()),
			strings.ToLower(p.CustomURL),
		)
		if err != nil {
			return errors.Wrap(err, "db update paste")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrPasteNotFound
		}
		if enc == nil {
			return nil
		}
		_, err = tx.ExecContext(queryCtx, upsertEncryption, encryptionArgs(enc)...)
		return errors.Wrap(err, "put encryption")
	})
}

// DeletePasteCascade removes a paste, its comments and its encryption
// records in one transaction. It returns the number of comments removed.
func (s *SQLite) DeletePasteCascade(ctx context.Context, customURL string) (int64, error) {
	url := strings.ToLower(customURL)
	var comments int64
	err := s.inTx(ctx, func(queryCtx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE comment_on = ?`, url)
		if err != nil {
			return errors.Wrap(err, "delete comments")
		}
		comments, _ = res.RowsAffected()
		if _, err := tx.ExecContext(queryCtx, `DELETE FROM encryption WHERE custom_url = ?`, url); err != nil {
			return errors.Wrap(err, "delete encryption")
		}
		_, err = tx.ExecContext(queryCtx, `DELETE FROM pastes WHERE custom_url = ?`, url)
		return errors.Wrap(err, "delete paste")
	})
	if err != nil {
		return 0, err
	}
	return comments, nil
}

func (s *SQLite) PasteExists(ctx context.Context, customURL string) (bool, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	var exists int
	err = s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE custom_url = ? LIMIT 1`, strings.ToLower(customURL)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}

// ListComments returns the comments whose IsCommentOn is parent, oldest first.
func (s *SQLite) ListComments(ctx context.Context, parent string, limit int) ([]*domain.Paste, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT ` + pasteColumns + ` FROM pastes WHERE comment_on = ? ORDER BY pub_date ASC LIMIT ?`
	rows, err := s.db.QueryContext(queryCtx, q, strings.ToLower(parent), limit)
	s.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "list comments")
	}
	defer rows.Close()
	var out []*domain.Paste
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan comment")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterate comments")
}

func (s *SQLite) CountComments(ctx context.Context, parent string) (int, error) {
	queryCtx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	var n int
	err = s.db.QueryRowContext(queryCtx, `SELECT COUNT(*) FROM pastes WHERE comment_on = ?`, strings.ToLower(parent)).Scan(&n)
	s.recordError(err)
	return n, errors.Wrap(err, "count comments")
}
