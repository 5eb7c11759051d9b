// Package domain holds the data model and error taxonomy shared by the
// relay server, the store and the client.
package domain

import (
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
)

// ConnectionType is the tunneled protocol.
type ConnectionType string

const (
	ConnectionTypeHTTP ConnectionType = "http"
	ConnectionTypeTCP  ConnectionType = "tcp"
)

// ConnectionStatus is the lifecycle state of a connection.
//
// A connection is created reserved, becomes active when its control
// channel completes the handshake, and is closed exactly once when the
// channel goes away or the reservation expires unclaimed.
type ConnectionStatus string

const (
	ConnectionStatusReserved ConnectionStatus = "reserved"
	ConnectionStatusActive   ConnectionStatus = "active"
	ConnectionStatusClosed   ConnectionStatus = "closed"
)

// Team user roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Team is a tenant. All connections and users belong to exactly one team.
type Team struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
}

// TeamUser is a member of a team. The secret key is never stored in the
// clear; only its hash is persisted.
type TeamUser struct {
	ID            string
	TeamID        string
	TeamSlug      string
	Email         string
	Role          string
	SecretKeyHash string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsAdmin reports whether the user may manage the team.
func (u *TeamUser) IsAdmin() bool { return u.Role == RoleAdmin }

// Connection is a tunnel registration. Exactly one of Subdomain or Port
// is set, depending on Type.
type Connection struct {
	ID        string
	TeamID    string
	Type      ConnectionType
	Subdomain string
	Port      uint32
	Status    ConnectionStatus
	CreatedAt time.Time
	StartedAt time.Time // zero until active
	ClosedAt  time.Time // zero until closed
	CreatedBy string    // team user ID
}

// ActiveDuration returns how long the connection has carried traffic.
// Zero for connections that never became active.
func (c *Connection) ActiveDuration(now time.Time) time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !c.ClosedAt.IsZero() {
		end = c.ClosedAt
	}
	if end.Before(c.StartedAt) {
		return 0
	}
	return end.Sub(c.StartedAt)
}

// InspectorRequest is a captured HTTP exchange on an http connection.
// TeamID pins the capture to the team that owned the tunnel when it was
// recorded; every read path filters on it.
type InspectorRequest struct {
	ID              string
	TeamID          string
	Subdomain       string
	Host            string
	Method          string
	URL             string
	Headers         map[string][]string
	Body            []byte
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	IsReplayed      bool
	ParentID        string
	LoggedAt        time.Time
}

// Leading and trailing characters must be alphanumeric; dashes and
// underscores are allowed in between. Two to 63 characters total.
var subdomainRe = regexp.MustCompile(`^[a-zA-Z0-9][-a-zA-Z0-9_]{0,61}[a-zA-Z0-9]$`)

// ValidSubdomain reports whether s is acceptable as a tunnel subdomain.
func ValidSubdomain(s string) bool { return subdomainRe.MatchString(s) }

// NewID returns a lexicographically sortable unique ID for connections
// and inspector records.
func NewID() string { return ulid.Make().String() }
