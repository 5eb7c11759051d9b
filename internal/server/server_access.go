package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/burrow-dev/burrow/internal/auth"
)

// maxTunnelPasswordLen matches the bcrypt input limit.
const maxTunnelPasswordLen = 72

// accessReservation holds the password hash of a protected tunnel
// between registration and the control-channel claim. Entries that are
// never claimed age out with the reservation itself.
type accessReservation struct {
	hash      string
	createdAt time.Time
}

type accessStore struct {
	mu      sync.Mutex
	entries map[string]accessReservation
}

func newAccessStore() *accessStore {
	return &accessStore{entries: make(map[string]accessReservation)}
}

// reserve hashes password and parks it under the connection ID.
func (a *accessStore) reserve(connectionID, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.entries[connectionID] = accessReservation{hash: hash, createdAt: time.Now()}
	a.mu.Unlock()
	return nil
}

// claim pops the parked hash for a connection, if any.
func (a *accessStore) claim(connectionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, ok := a.entries[connectionID]
	if !ok {
		return ""
	}
	delete(a.entries, connectionID)
	return res.hash
}

func (a *accessStore) purgeOlderThan(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	purged := 0
	for id, res := range a.entries {
		if res.createdAt.Before(cutoff) {
			delete(a.entries, id)
			purged++
		}
	}
	return purged
}

// authorizePublicRequest gates public HTTP traffic on a
// password-protected tunnel behind Basic auth. The username is
// ignored; only the password counts.
func authorizePublicRequest(w http.ResponseWriter, r *http.Request, sess *session) bool {
	if sess.accessHash == "" {
		return true
	}
	_, password, ok := r.BasicAuth()
	if ok && auth.VerifyPasswordHash(sess.accessHash, password) {
		// The credentials belong to the relay, not the upstream.
		r.Header.Del("Authorization")
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="burrow tunnel"`)
	publicError(w, http.StatusUnauthorized, "tunnel password required")
	return false
}
