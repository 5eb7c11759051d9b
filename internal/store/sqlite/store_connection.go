package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
)

const generatedSubdomainLen = 8
const maxAllocateAttempts = 25

// ReserveHTTPConnection creates a reserved http connection claiming the
// given subdomain. An empty subdomain means "generate one for me". The
// partial unique index makes the claim atomic: losers of a race get
// [domain.ErrResourceConflict].
func (s *Store) ReserveHTTPConnection(ctx context.Context, teamID, createdBy, subdomain string) (domain.Connection, error) {
	if subdomain != "" {
		return s.insertConnection(ctx, teamID, createdBy, domain.ConnectionTypeHTTP, subdomain, 0)
	}
	for range maxAllocateAttempts {
		slug, err := randomSlug(generatedSubdomainLen)
		if err != nil {
			return domain.Connection{}, err
		}
		c, err := s.insertConnection(ctx, teamID, createdBy, domain.ConnectionTypeHTTP, slug, 0)
		if errors.Is(err, domain.ErrResourceConflict) {
			continue
		}
		return c, err
	}
	return domain.Connection{}, errors.New("failed to generate unique subdomain")
}

// ReserveTCPConnection creates a reserved tcp connection on a random
// free port within [portMin, portMax]. Random candidates keep
// allocations spread over the range; an ordered sweep backs them up so
// a nearly-full range still yields its last free port.
func (s *Store) ReserveTCPConnection(ctx context.Context, teamID, createdBy string, portMin, portMax uint32) (domain.Connection, error) {
	span := portMax - portMin + 1
	for range maxAllocateAttempts {
		port := portMin + rand.Uint32N(span)
		c, err := s.insertConnection(ctx, teamID, createdBy, domain.ConnectionTypeTCP, "", port)
		if errors.Is(err, domain.ErrResourceConflict) {
			continue
		}
		return c, err
	}
	for port := portMin; port <= portMax; port++ {
		c, err := s.insertConnection(ctx, teamID, createdBy, domain.ConnectionTypeTCP, "", port)
		if errors.Is(err, domain.ErrResourceConflict) {
			continue
		}
		return c, err
	}
	return domain.Connection{}, fmt.Errorf("no free port in %d..%d: %w", portMin, portMax, domain.ErrResourceConflict)
}

func (s *Store) insertConnection(ctx context.Context, teamID, createdBy string, typ domain.ConnectionType, subdomain string, port uint32) (domain.Connection, error) {
	c := domain.Connection{
		ID:        domain.NewID(),
		TeamID:    teamID,
		Type:      typ,
		Subdomain: subdomain,
		Port:      port,
		Status:    domain.ConnectionStatusReserved,
		CreatedAt: time.Now().UTC(),
		CreatedBy: createdBy,
	}
	var portVal any
	if port > 0 {
		portVal = port
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO connections(id, team_id, type, subdomain, port, status, created_at, started_at, closed_at, created_by)
VALUES(?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)`,
		c.ID, c.TeamID, string(c.Type), nullableString(c.Subdomain), portVal, string(c.Status), c.CreatedAt, c.CreatedBy)
	if isUniqueViolation(err) {
		return domain.Connection{}, domain.ErrResourceConflict
	}
	if err != nil {
		return domain.Connection{}, err
	}
	return c, nil
}

// MarkConnectionActive transitions a reserved connection to active and
// stamps started_at. Only the reserved state can become active.
func (s *Store) MarkConnectionActive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE connections
SET status = ?, started_at = ?
WHERE id = ? AND status = ?`,
		string(domain.ConnectionStatusActive), time.Now().UTC(), id, string(domain.ConnectionStatusReserved))
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

// MarkConnectionClosed transitions a connection to closed and stamps
// closed_at. Idempotent: closing an already closed connection is a
// no-op so closed_at is only ever written once.
func (s *Store) MarkConnectionClosed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE connections
SET status = ?, closed_at = ?
WHERE id = ? AND status != ?`,
		string(domain.ConnectionStatusClosed), time.Now().UTC(), id, string(domain.ConnectionStatusClosed))
	return err
}

// GetConnection fetches one connection by ID.
func (s *Store) GetConnection(ctx context.Context, id string) (domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, team_id, type, subdomain, port, status, created_at, started_at, closed_at, created_by
FROM connections
WHERE id = ?`, id)
	return scanConnection(row)
}

// GetActiveConnectionBySubdomain resolves a subdomain to its active
// connection, for routing and replay.
func (s *Store) GetActiveConnectionBySubdomain(ctx context.Context, subdomain string) (domain.Connection, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, team_id, type, subdomain, port, status, created_at, started_at, closed_at, created_by
FROM connections
WHERE subdomain = ? AND status = ?`, subdomain, string(domain.ConnectionStatusActive))
	return scanConnection(row)
}

// ConnectionFilter narrows a connection listing. Zero-value fields
// match everything.
type ConnectionFilter struct {
	Type   domain.ConnectionType
	Status domain.ConnectionStatus
}

// ListConnections returns one page of a team's connections, newest
// first, plus the total count.
func (s *Store) ListConnections(ctx context.Context, teamID string, filter ConnectionFilter, limit, offset int) ([]domain.Connection, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := "team_id = ?"
	args := []any{teamID}
	if filter.Type != "" {
		where += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM connections WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, team_id, type, subdomain, port, status, created_at, started_at, closed_at, created_by
FROM connections
WHERE `+where+`
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

// TeamUsage carries the per-team counters the stats endpoint serves.
type TeamUsage struct {
	ActiveConnections int
	TotalConnections  int
	TeamMembers       int
}

// TeamUsageCounts aggregates connection and member counters for every
// team in two grouped queries. The server caches the result and serves
// stats from the cache, so callers pay for the scan on a refresh tick,
// not per poll.
func (s *Store) TeamUsageCounts(ctx context.Context) (map[string]TeamUsage, error) {
	usage := make(map[string]TeamUsage)

	rows, err := s.db.QueryContext(ctx, `
SELECT team_id,
	COUNT(CASE WHEN status = ? THEN 1 END),
	COUNT(*)
FROM connections
GROUP BY team_id`, string(domain.ConnectionStatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var teamID string
		var u TeamUsage
		if err := rows.Scan(&teamID, &u.ActiveConnections, &u.TotalConnections); err != nil {
			return nil, err
		}
		usage[teamID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	members, err := s.db.QueryContext(ctx, `
SELECT team_id, COUNT(*)
FROM team_users
GROUP BY team_id`)
	if err != nil {
		return nil, err
	}
	defer members.Close()
	for members.Next() {
		var teamID string
		var n int
		if err := members.Scan(&teamID, &n); err != nil {
			return nil, err
		}
		u := usage[teamID]
		u.TeamMembers = n
		usage[teamID] = u
	}
	return usage, members.Err()
}

// ResetLiveConnections closes every reserved or active connection.
// Called once on boot: after a crash no control channel survives, so
// any row still live is stale.
func (s *Store) ResetLiveConnections(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE connections
SET status = ?, closed_at = ?
WHERE status != ?`,
		string(domain.ConnectionStatusClosed), time.Now().UTC(), string(domain.ConnectionStatusClosed))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CloseUnclaimedConnections closes reserved connections created before
// the cutoff whose client never dialed the control channel.
func (s *Store) CloseUnclaimedConnections(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE connections
SET status = ?, closed_at = ?
WHERE status = ? AND created_at < ?`,
		string(domain.ConnectionStatusClosed), time.Now().UTC(),
		string(domain.ConnectionStatusReserved), olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (domain.Connection, error) {
	var c domain.Connection
	var subdomain sql.NullString
	var port sql.NullInt64
	var started, closed sql.NullTime
	var typ, status string
	err := row.Scan(&c.ID, &c.TeamID, &typ, &subdomain, &port, &status, &c.CreatedAt, &started, &closed, &c.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Connection{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Connection{}, err
	}
	c.Type = domain.ConnectionType(typ)
	c.Status = domain.ConnectionStatus(status)
	if subdomain.Valid {
		c.Subdomain = subdomain.String
	}
	if port.Valid {
		c.Port = uint32(port.Int64)
	}
	if started.Valid {
		c.StartedAt = started.Time
	}
	if closed.Valid {
		c.ClosedAt = closed.Time
	}
	return c, nil
}
