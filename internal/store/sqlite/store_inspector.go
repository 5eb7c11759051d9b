package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
)

// InsertInspectorRequest persists one captured exchange and evicts the
// oldest captures beyond keep for the same team and subdomain, in one
// transaction, so retention is enforced even if the janitor lags.
func (s *Store) InsertInspectorRequest(ctx context.Context, r domain.InspectorRequest, keep int) error {
	if r.TeamID == "" {
		return errors.New("inspector request without team")
	}
	headers, err := json.Marshal(r.Headers)
	if err != nil {
		return err
	}
	respHeaders, err := json.Marshal(r.ResponseHeaders)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = domain.NewID()
	}
	if r.LoggedAt.IsZero() {
		r.LoggedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO inspector_requests(
	id, team_id, subdomain, host, method, url, headers, body,
	response_status, response_headers, response_body,
	is_replayed, parent_id, logged_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TeamID, r.Subdomain, r.Host, r.Method, r.URL, string(headers), r.Body,
		r.ResponseStatus, string(respHeaders), r.ResponseBody,
		boolToInt(r.IsReplayed), nullableString(r.ParentID), r.LoggedAt); err != nil {
		return err
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM inspector_requests
WHERE team_id = ? AND subdomain = ? AND id NOT IN (
	SELECT id FROM inspector_requests
	WHERE team_id = ? AND subdomain = ?
	ORDER BY logged_at DESC, id DESC
	LIMIT ?
)`, r.TeamID, r.Subdomain, r.TeamID, r.Subdomain, keep); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetInspectorRequest fetches one captured exchange by ID. Records
// belonging to other teams read as not found.
func (s *Store) GetInspectorRequest(ctx context.Context, teamID, id string) (domain.InspectorRequest, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, team_id, subdomain, host, method, url, headers, body,
	response_status, response_headers, response_body,
	is_replayed, parent_id, logged_at
FROM inspector_requests
WHERE id = ? AND team_id = ?`, id, teamID)
	return scanInspectorRequest(row)
}

// ListInspectorRequests returns the team's captures for a subdomain,
// newest first.
func (s *Store) ListInspectorRequests(ctx context.Context, teamID, subdomain string, limit, offset int) ([]domain.InspectorRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, team_id, subdomain, host, method, url, headers, body,
	response_status, response_headers, response_body,
	is_replayed, parent_id, logged_at
FROM inspector_requests
WHERE team_id = ? AND subdomain = ?
ORDER BY logged_at DESC, id DESC
LIMIT ? OFFSET ?`, teamID, subdomain, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.InspectorRequest
	for rows.Next() {
		r, err := scanInspectorRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListInspectorSubdomains returns the team's subdomains that currently
// have captures, most recently active first.
func (s *Store) ListInspectorSubdomains(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT subdomain
FROM inspector_requests
WHERE team_id = ?
GROUP BY subdomain
ORDER BY MAX(logged_at) DESC`, teamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var sub string
		if err := rows.Scan(&sub); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// PurgeInspectorRequests removes captures logged before the cutoff.
func (s *Store) PurgeInspectorRequests(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM inspector_requests WHERE logged_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanInspectorRequest(row rowScanner) (domain.InspectorRequest, error) {
	var r domain.InspectorRequest
	var headers, respHeaders string
	var isReplayed int
	var parent sql.NullString
	err := row.Scan(&r.ID, &r.TeamID, &r.Subdomain, &r.Host, &r.Method, &r.URL, &headers, &r.Body,
		&r.ResponseStatus, &respHeaders, &r.ResponseBody,
		&isReplayed, &parent, &r.LoggedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InspectorRequest{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.InspectorRequest{}, err
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &r.Headers); err != nil {
			return domain.InspectorRequest{}, err
		}
	}
	if respHeaders != "" {
		if err := json.Unmarshal([]byte(respHeaders), &r.ResponseHeaders); err != nil {
			return domain.InspectorRequest{}, err
		}
	}
	r.IsReplayed = isReplayed != 0
	if parent.Valid {
		r.ParentID = parent.String
	}
	return r, nil
}
