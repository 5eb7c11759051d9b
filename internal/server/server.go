// Package server implements the burrow relay: tunnel registration, the
// websocket control channel, public HTTP/websocket/TCP routing, the
// request inspector and the dashboard REST API.
package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrow-dev/burrow/internal/config"
	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/stats"
	"github.com/burrow-dev/burrow/internal/store/sqlite"
	"github.com/burrow-dev/burrow/internal/tunnelproto"
)

const (
	wsWriteTimeout = 10 * time.Second
	minWSReadLimit = int64(1 << 20)

	// Inline vs streamed body cutoff and streaming chunk sizing.
	streamingThreshold = 64 * 1024
	streamingChunkSize = 128 * 1024
	streamingChanSize  = 32

	streamBodySendTimeout = 5 * time.Second
	wsControlDispatchWait = 2 * time.Second
	wsDataDispatchWait    = 5 * time.Second
	tcpDataDispatchWait   = 5 * time.Second

	maxPendingPerSession = 256

	pumpControlQueueSize = 64
	pumpBulkQueueSize    = 256
)

// Server is the relay. One instance serves registration, control
// channels, public traffic and the dashboard API on a single listener,
// plus one TCP listener per active tcp tunnel.
type Server struct {
	cfg        config.ServerConfig
	store      *sqlite.Store
	log        *slog.Logger
	hub        *hub
	routes     *routeCache
	access     *accessStore
	stats      *stats.Collector
	inspector  *inspector
	regLimiter *rateLimiter
	requestSeq atomic.Uint64
	version    string

	// usage caches per-team counters for the stats endpoint. The
	// dashboard polls stats every few seconds, so reads come from this
	// map and the scan behind it runs on the janitor's cleanup tick.
	usageMu     sync.RWMutex
	usage       map[string]sqlite.TeamUsage
	usageLoaded atomic.Bool
}

// hub tracks live control-channel sessions keyed by connection ID.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// session is one live control channel. pending holds response channels
// for in-flight HTTP exchanges; streams holds channels for relayed
// websocket and TCP streams.
type session struct {
	connection domain.Connection
	createdBy  string
	conn       *websocket.Conn
	pump       *tunnelproto.WritePump

	pendingMu    sync.RWMutex
	pending      map[string]chan tunnelproto.Message
	pendingCount atomic.Int64

	streamsMu sync.RWMutex
	streams   map[string]chan tunnelproto.Message

	tcpListener net.Listener

	// Non-empty for password-protected http tunnels; public requests
	// must present the password via Basic auth.
	accessHash string

	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New builds a Server. version is reported to clients at registration.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		log:        logger,
		hub:        &hub{sessions: map[string]*session{}},
		routes:     newRouteCache(),
		access:     newAccessStore(),
		stats:      stats.NewCollector(),
		regLimiter: newRateLimiter(float64(cfg.RegisterRatePerMinute) / 60),
		version:    version,
	}
	if cfg.InspectorEnabled {
		s.inspector = newInspector(store, logger, cfg.InspectorRetention)
	}
	return s
}

// findSession returns the live session for a connection ID, if any.
func (s *Server) findSession(connectionID string) *session {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.hub.sessions[connectionID]
}

// sessionsCreatedBy snapshots the live sessions registered by one team
// user. Used when rotating a secret key to cut existing tunnels.
func (s *Server) sessionsCreatedBy(teamUserID string) []*session {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	var out []*session
	for _, sess := range s.hub.sessions {
		if sess.createdBy == teamUserID {
			out = append(out, sess)
		}
	}
	return out
}
