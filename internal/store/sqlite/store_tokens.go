package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
)

// CreateConnectToken mints a single-use token that authorizes one
// control-channel dial for the given connection.
func (s *Store) CreateConnectToken(ctx context.Context, connectionID string, ttl time.Duration) (string, error) {
	token, err := newID("ct")
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO connect_tokens(token, connection_id, expires_at, used_at)
VALUES(?, ?, ?, NULL)`, token, connectionID, time.Now().UTC().Add(ttl))
	return token, err
}

// ConsumeConnectToken atomically marks the token used and returns its
// connection ID. Expired, unknown and already-used tokens all fail with
// [domain.ErrUnauthorized].
func (s *Store) ConsumeConnectToken(ctx context.Context, token string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var connectionID string
	var expires time.Time
	var used sql.NullTime
	err = tx.QueryRowContext(ctx, `
SELECT connection_id, expires_at, used_at
FROM connect_tokens
WHERE token = ?`, token).Scan(&connectionID, &expires, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUnauthorized
	}
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if used.Valid {
		return "", fmt.Errorf("token already used: %w", domain.ErrUnauthorized)
	}
	if now.After(expires) {
		return "", fmt.Errorf("token expired: %w", domain.ErrUnauthorized)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE connect_tokens
SET used_at = ?
WHERE token = ? AND used_at IS NULL AND expires_at >= ?`, now, token, now)
	if err != nil {
		return "", err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 0 {
		return "", fmt.Errorf("token already used: %w", domain.ErrUnauthorized)
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return connectionID, nil
}

// PurgeStaleConnectTokens removes expired tokens and used tokens older
// than the provided cutoff. Each run is bounded to avoid long write
// transactions.
func (s *Store) PurgeStaleConnectTokens(ctx context.Context, now, usedOlderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultConnectTokenPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM connect_tokens
WHERE token IN (
	SELECT token
	FROM connect_tokens
	WHERE expires_at < ? OR (used_at IS NOT NULL AND used_at < ?)
	ORDER BY COALESCE(used_at, expires_at) ASC
	LIMIT ?
)`, now.UTC(), usedOlderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
