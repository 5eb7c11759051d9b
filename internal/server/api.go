package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/store/sqlite"
)

const (
	apiMaxBodyBytes    = 64 * 1024
	defaultAPIPageSize = 20
	maxAPIPageSize     = 100
)

// apiHandler is an authenticated dashboard handler.
type apiHandler func(w http.ResponseWriter, r *http.Request, user domain.TeamUser)

// requireTeamUser resolves the Bearer secret key before dispatching to
// the dashboard handler.
func (s *Server) requireTeamUser(next apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authenticate(r)
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func writeAPIError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, domain.ErrorResponse{Error: msg})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

func pageParams(r *http.Request) (limit, offset, page int) {
	page = 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	limit = defaultAPIPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("page_size")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxAPIPageSize {
		limit = maxAPIPageSize
	}
	return limit, (page - 1) * limit, page
}

type connectionView struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Subdomain       string `json:"subdomain,omitempty"`
	Port            uint32 `json:"port,omitempty"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
	StartedAt       string `json:"started_at,omitempty"`
	ClosedAt        string `json:"closed_at,omitempty"`
	CreatedBy       string `json:"created_by"`
	DurationSeconds int64  `json:"duration_seconds"`
	Duration        string `json:"duration"`
}

func humanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func viewForConnection(c domain.Connection, now time.Time) connectionView {
	v := connectionView{
		ID:              c.ID,
		Type:            string(c.Type),
		Subdomain:       c.Subdomain,
		Port:            c.Port,
		Status:          string(c.Status),
		CreatedAt:       c.CreatedAt.UTC().Format(time.RFC3339),
		CreatedBy:       c.CreatedBy,
		DurationSeconds: int64(c.ActiveDuration(now).Seconds()),
		Duration:        humanDuration(c.ActiveDuration(now)),
	}
	if !c.StartedAt.IsZero() {
		v.StartedAt = c.StartedAt.UTC().Format(time.RFC3339)
	}
	if !c.ClosedAt.IsZero() {
		v.ClosedAt = c.ClosedAt.UTC().Format(time.RFC3339)
	}
	return v
}

// handleListConnections serves the dashboard connection list. The type
// query filters by protocol or lifecycle: http, tcp, active, recent.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	var filter sqlite.ConnectionFilter
	switch strings.TrimSpace(r.URL.Query().Get("type")) {
	case "", "recent":
	case "active":
		filter.Status = domain.ConnectionStatusActive
	case "http":
		filter.Type = domain.ConnectionTypeHTTP
	case "tcp":
		filter.Type = domain.ConnectionTypeTCP
	default:
		writeAPIError(w, http.StatusBadRequest, "type must be http, tcp, active or recent")
		return
	}

	limit, offset, page := pageParams(r)
	conns, total, err := s.store.ListConnections(r.Context(), user.TeamID, filter, limit, offset)
	if err != nil {
		s.log.Error("connection list failed", "team_id", user.TeamID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now()
	views := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, viewForConnection(c, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connections": views,
		"count":       total,
		"page":        page,
		"page_size":   limit,
	})
}

// handleStats serves the dashboard's poll target. The process snapshot
// reads atomic gauges and the team counters come from the janitor's
// cached totals, so a 5 second poll never touches the connections
// table.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	usage := s.teamUsage(r.Context(), user.TeamID)
	writeJSON(w, http.StatusOK, map[string]any{
		"process":            s.stats.Snapshot(),
		"active_connections": usage.ActiveConnections,
		"total_connections":  usage.TotalConnections,
		"team_members":       usage.TeamMembers,
		"version":            s.version,
	})
}

// handleSetupScript returns the CLI bootstrap command for the calling
// user. The key is echoed back from the request's own credentials, it
// is never recoverable from the store.
func (s *Server) handleSetupScript(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	key := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	script := fmt.Sprintf("burrow auth set --secret-key %s --server https://%s --team %s",
		key, s.cfg.BaseDomain, user.TeamSlug)
	writeJSON(w, http.StatusOK, map[string]string{"script": script})
}
