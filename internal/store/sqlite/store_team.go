package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
)

// CreateTeam inserts a new team. The slug must be unique.
func (s *Store) CreateTeam(ctx context.Context, name, slug string) (domain.Team, error) {
	id, err := newID("t")
	if err != nil {
		return domain.Team{}, err
	}
	t := domain.Team{
		ID:        id,
		Name:      name,
		Slug:      slug,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO teams(id, name, slug, created_at)
VALUES(?, ?, ?, ?)`, t.ID, t.Name, t.Slug, t.CreatedAt)
	if isUniqueViolation(err) {
		return domain.Team{}, fmt.Errorf("team slug %q: %w", slug, domain.ErrResourceConflict)
	}
	return t, err
}

// GetTeamBySlug looks a team up by its slug.
func (s *Store) GetTeamBySlug(ctx context.Context, slug string) (domain.Team, error) {
	var t domain.Team
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, slug, created_at
FROM teams
WHERE slug = ?`, slug).Scan(&t.ID, &t.Name, &t.Slug, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Team{}, domain.ErrNotFound
	}
	return t, err
}

// CreateTeamUser adds a user to a team. Email is unique within a team.
func (s *Store) CreateTeamUser(ctx context.Context, teamID, email, role, secretKeyHash string) (domain.TeamUser, error) {
	id, err := newID("u")
	if err != nil {
		return domain.TeamUser{}, err
	}
	now := time.Now().UTC()
	u := domain.TeamUser{
		ID:            id,
		TeamID:        teamID,
		Email:         email,
		Role:          role,
		SecretKeyHash: secretKeyHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO team_users(id, team_id, email, role, secret_key_hash, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?)`, u.ID, u.TeamID, u.Email, u.Role, u.SecretKeyHash, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.TeamUser{}, fmt.Errorf("team user %q: %w", email, domain.ErrResourceConflict)
	}
	return u, err
}

// GetTeamUserBySecretKeyHash resolves a peppered secret key hash to the
// team user holding it. This is the authentication lookup.
func (s *Store) GetTeamUserBySecretKeyHash(ctx context.Context, hash string) (domain.TeamUser, error) {
	var u domain.TeamUser
	err := s.db.QueryRowContext(ctx, `
SELECT u.id, u.team_id, t.slug, u.email, u.role, u.secret_key_hash, u.created_at, u.updated_at
FROM team_users u
JOIN teams t ON t.id = u.team_id
WHERE u.secret_key_hash = ?`, hash).Scan(
		&u.ID, &u.TeamID, &u.TeamSlug, &u.Email, &u.Role, &u.SecretKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TeamUser{}, domain.ErrUnauthorized
	}
	return u, err
}

// GetTeamUser fetches one team user by ID.
func (s *Store) GetTeamUser(ctx context.Context, id string) (domain.TeamUser, error) {
	var u domain.TeamUser
	err := s.db.QueryRowContext(ctx, `
SELECT u.id, u.team_id, t.slug, u.email, u.role, u.secret_key_hash, u.created_at, u.updated_at
FROM team_users u
JOIN teams t ON t.id = u.team_id
WHERE u.id = ?`, id).Scan(
		&u.ID, &u.TeamID, &u.TeamSlug, &u.Email, &u.Role, &u.SecretKeyHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TeamUser{}, domain.ErrNotFound
	}
	return u, err
}

// ListTeamUsers returns one page of a team's users plus the total count.
func (s *Store) ListTeamUsers(ctx context.Context, teamID string, limit, offset int) ([]domain.TeamUser, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM team_users WHERE team_id = ?`, teamID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT u.id, u.team_id, t.slug, u.email, u.role, u.secret_key_hash, u.created_at, u.updated_at
FROM team_users u
JOIN teams t ON t.id = u.team_id
WHERE u.team_id = ?
ORDER BY u.created_at ASC, u.id ASC
LIMIT ? OFFSET ?`, teamID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.TeamUser
	for rows.Next() {
		var u domain.TeamUser
		if err := rows.Scan(&u.ID, &u.TeamID, &u.TeamSlug, &u.Email, &u.Role, &u.SecretKeyHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// UpdateSecretKeyHash replaces a user's secret key hash. The old key
// stops authenticating immediately.
func (s *Store) UpdateSecretKeyHash(ctx context.Context, teamUserID, newHash string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE team_users
SET secret_key_hash = ?, updated_at = ?
WHERE id = ?`, newHash, time.Now().UTC(), teamUserID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
