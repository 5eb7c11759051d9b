package server

import (
	"context"
	"sync"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
)

const routeCacheTTL = 5 * time.Second

type routeEntry struct {
	conn      domain.Connection
	expiresAt time.Time
}

// routeCache keeps recent subdomain lookups so the public hot path
// rarely touches sqlite. Entries are invalidated explicitly when a
// session attaches or detaches, the TTL only covers races.
type routeCache struct {
	mu      sync.RWMutex
	entries map[string]routeEntry
}

func newRouteCache() *routeCache {
	return &routeCache{entries: make(map[string]routeEntry)}
}

func (c *routeCache) get(subdomain string) (domain.Connection, bool) {
	c.mu.RLock()
	e, ok := c.entries[subdomain]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return domain.Connection{}, false
	}
	return e.conn, true
}

func (c *routeCache) set(conn domain.Connection) {
	c.mu.Lock()
	c.entries[conn.Subdomain] = routeEntry{conn: conn, expiresAt: time.Now().Add(routeCacheTTL)}
	c.mu.Unlock()
}

// deleteByConnectionID drops any cached route pointing at the given
// connection. Called on session attach and teardown.
func (c *routeCache) deleteByConnectionID(connectionID string) {
	c.mu.Lock()
	for sub, e := range c.entries {
		if e.conn.ID == connectionID {
			delete(c.entries, sub)
		}
	}
	c.mu.Unlock()
}

func (c *routeCache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	for sub, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, sub)
		}
	}
	c.mu.Unlock()
}

// resolvePublicRoute maps a request subdomain to its active
// connection, via the cache when fresh.
func (s *Server) resolvePublicRoute(ctx context.Context, subdomain string) (domain.Connection, error) {
	if conn, ok := s.routes.get(subdomain); ok {
		return conn, nil
	}
	conn, err := s.store.GetActiveConnectionBySubdomain(ctx, subdomain)
	if err != nil {
		return domain.Connection{}, err
	}
	s.routes.set(conn)
	return conn, nil
}
