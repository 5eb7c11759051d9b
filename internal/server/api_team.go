package server

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/burrow-dev/burrow/internal/auth"
	"github.com/burrow-dev/burrow/internal/domain"
)

type teamUserView struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func viewForTeamUser(u domain.TeamUser) teamUserView {
	return teamUserView{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleListTeamUsers(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	limit, offset, page := pageParams(r)
	users, total, err := s.store.ListTeamUsers(r.Context(), user.TeamID, limit, offset)
	if err != nil {
		s.log.Error("team user list failed", "team_id", user.TeamID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	views := make([]teamUserView, 0, len(users))
	for _, u := range users {
		views = append(views, viewForTeamUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users":     views,
		"count":     total,
		"page":      page,
		"page_size": limit,
	})
}

type addTeamUserRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// handleAddTeamUser creates a member in the caller's team. The
// generated secret key is returned exactly once; only its hash is
// stored.
func (s *Server) handleAddTeamUser(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	if !user.IsAdmin() {
		writeAPIError(w, http.StatusForbidden, "admin role required")
		return
	}

	var req addTeamUserRequest
	if err := decodeJSONBody(w, r, apiMaxBodyBytes, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleMember
	}
	if req.Role != domain.RoleAdmin && req.Role != domain.RoleMember {
		writeAPIError(w, http.StatusBadRequest, "role must be admin or member")
		return
	}

	key, err := auth.GenerateSecretKey()
	if err != nil {
		s.log.Error("secret key generation failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	created, err := s.store.CreateTeamUser(r.Context(), user.TeamID, req.Email, req.Role,
		auth.HashSecretKey(key, s.cfg.SecretKeyPepper))
	if errors.Is(err, domain.ErrResourceConflict) {
		writeAPIError(w, http.StatusConflict, "email already in team")
		return
	}
	if err != nil {
		s.log.Error("team user creation failed", "team_id", user.TeamID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.log.Info("team user added", "team_id", user.TeamID, "email", created.Email, "role", created.Role)
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":       viewForTeamUser(created),
		"secret_key": key,
	})
}

// handleRotateSecretKey replaces the caller's secret key and
// force-closes their live sessions so stale credentials cannot keep a
// tunnel open.
func (s *Server) handleRotateSecretKey(w http.ResponseWriter, r *http.Request, user domain.TeamUser) {
	key, err := auth.GenerateSecretKey()
	if err != nil {
		s.log.Error("secret key generation failed", "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.store.UpdateSecretKeyHash(r.Context(), user.ID, auth.HashSecretKey(key, s.cfg.SecretKeyPepper)); err != nil {
		s.log.Error("secret key rotation failed", "team_user_id", user.ID, "err", err)
		writeAPIError(w, http.StatusInternalServerError, "internal error")
		return
	}

	for _, sess := range s.sessionsCreatedBy(user.ID) {
		if sess.closing.CompareAndSwap(false, true) {
			_ = sess.conn.Close()
		}
	}

	s.log.Info("secret key rotated", "team_user_id", user.ID)
	writeJSON(w, http.StatusOK, map[string]string{"secret_key": key})
}
