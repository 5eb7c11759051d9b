package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/netutil"
)

// handleRegister reserves a connection for an authenticated team user
// and mints the single-use connect token for the control-channel dial.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user, ok := s.authenticate(r)
	if !ok {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !s.regLimiter.allow(user.ID) {
		writeAPIError(w, http.StatusTooManyRequests, "registration rate limit exceeded")
		return
	}

	var req domain.RegisterRequest
	if err := decodeJSONBody(w, r, 64*1024, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid json")
		return
	}

	password := strings.TrimSpace(req.Password)
	if len(password) > maxTunnelPasswordLen {
		writeAPIError(w, http.StatusBadRequest, "password too long")
		return
	}

	var (
		connRec domain.Connection
		err     error
	)
	switch req.Type {
	case domain.ConnectionTypeHTTP:
		sub := strings.ToLower(strings.TrimSpace(req.Subdomain))
		if sub != "" && !domain.ValidSubdomain(sub) {
			writeAPIError(w, http.StatusBadRequest, "invalid subdomain")
			return
		}
		connRec, err = s.store.ReserveHTTPConnection(r.Context(), user.TeamID, user.ID, sub)
	case domain.ConnectionTypeTCP:
		if req.Subdomain != "" {
			writeAPIError(w, http.StatusBadRequest, "tcp tunnels do not take a subdomain")
			return
		}
		if password != "" {
			writeAPIError(w, http.StatusBadRequest, "tcp tunnels do not take a password")
			return
		}
		connRec, err = s.store.ReserveTCPConnection(r.Context(), user.TeamID, user.ID, s.cfg.TCPPortMin, s.cfg.TCPPortMax)
	default:
		writeAPIError(w, http.StatusBadRequest, "type must be http or tcp")
		return
	}
	if errors.Is(err, domain.ErrResourceConflict) {
		writeAPIError(w, http.StatusConflict, "subdomain or port already in use")
		return
	}
	if err != nil {
		s.log.Error("failed to reserve connection", "team_id", user.TeamID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if password != "" {
		if err := s.access.reserve(connRec.ID, password); err != nil {
			s.log.Error("failed to hash tunnel password", "connection_id", connRec.ID, "err", err)
			writeAPIError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	token, err := s.store.CreateConnectToken(r.Context(), connRec.ID, s.cfg.ConnectTokenTTL)
	if err != nil {
		s.log.Error("failed to create connect token", "connection_id", connRec.ID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := domain.RegisterResponse{
		ConnectionID:  connRec.ID,
		Type:          connRec.Type,
		Subdomain:     connRec.Subdomain,
		Port:          connRec.Port,
		PublicURL:     s.publicURLFor(connRec),
		ConnectURL:    fmt.Sprintf("wss://%s/v1/tunnels/connect?token=%s", s.cfg.BaseDomain, token),
		Token:         token,
		ServerVersion: s.version,
	}
	s.log.Info("connection reserved",
		"connection_id", connRec.ID, "type", connRec.Type,
		"subdomain", connRec.Subdomain, "port", connRec.Port,
		"team_id", user.TeamID, "client_version", req.ClientVersion)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) publicURLFor(c domain.Connection) string {
	if c.Type == domain.ConnectionTypeTCP {
		return fmt.Sprintf("tcp://%s:%d", s.cfg.BaseDomain, c.Port)
	}
	return fmt.Sprintf("https://%s.%s", c.Subdomain, s.cfg.BaseDomain)
}

// publicError answers a public request with a relay-origin error. The
// marker header tells callers the response never reached a tunnel, as
// opposed to an error page served by the tunneled app itself.
func publicError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("X-Burrow-Error", "true")
	http.Error(w, msg, status)
}

// handlePublic routes subdomain traffic to the owning tunnel session.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	sub, ok := netutil.SubdomainForHost(r.Host, s.cfg.BaseDomain)
	if !ok {
		publicError(w, http.StatusNotFound, "not found")
		return
	}

	connRec, err := s.resolvePublicRoute(r.Context(), sub)
	if err != nil {
		status, msg := publicRouteLookupErrorStatus(err)
		publicError(w, status, msg)
		return
	}

	sess := s.findSession(connRec.ID)
	if sess == nil {
		publicError(w, http.StatusServiceUnavailable, "tunnel offline")
		return
	}

	if !authorizePublicRequest(w, r, sess) {
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.handlePublicWebSocket(w, r, sess)
		return
	}

	s.proxyPublicHTTP(w, r, sess)
}

func publicRouteLookupErrorStatus(err error) (int, string) {
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound, "unregistered subdomain"
	}
	return http.StatusInternalServerError, "internal error"
}
