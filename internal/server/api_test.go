package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/internal/auth"
	"github.com/burrow-dev/burrow/internal/domain"
)

// serveAPI routes through the real mux so host pinning, method
// matching and path values are exercised.
func serveAPI(srv *Server, r *http.Request) *httptest.ResponseRecorder {
	r.Host = srv.cfg.BaseDomain
	rr := httptest.NewRecorder()
	srv.routesMux().ServeHTTP(rr, r)
	return rr
}

func TestAPIRequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	rr := serveAPI(srv, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAPIListConnections(t *testing.T) {
	srv, team, user := newTestServer(t)
	ctx := context.Background()

	if _, err := srv.store.ReserveHTTPConnection(ctx, team.ID, user.ID, "app-one"); err != nil {
		t.Fatal(err)
	}
	c2, err := srv.store.ReserveHTTPConnection(ctx, team.ID, user.ID, "app-two")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.store.MarkConnectionActive(ctx, c2.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.store.ReserveTCPConnection(ctx, team.ID, user.ID, srv.cfg.TCPPortMin, srv.cfg.TCPPortMax); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?type=recent", 3},
		{"?type=active", 1},
		{"?type=http", 2},
		{"?type=tcp", 1},
	}
	for _, tc := range cases {
		rr := serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/connections"+tc.query, ""))
		if rr.Code != http.StatusOK {
			t.Fatalf("%q: expected 200, got %d: %s", tc.query, rr.Code, rr.Body.String())
		}
		var resp struct {
			Connections []connectionView `json:"connections"`
			Count       int              `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != tc.want {
			t.Fatalf("%q: expected count %d, got %d", tc.query, tc.want, resp.Count)
		}
	}

	rr := serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/connections?type=bogus", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad type filter, got %d", rr.Code)
	}
}

func TestAPIStats(t *testing.T) {
	srv, team, user := newTestServer(t)

	if _, err := srv.store.ReserveHTTPConnection(context.Background(), team.ID, user.ID, "statsapp"); err != nil {
		t.Fatal(err)
	}

	rr := serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/config/stats", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Process struct {
			GoVersion  string `json:"go_version"`
			Goroutines int    `json:"goroutines"`
		} `json:"process"`
		TotalConnections int    `json:"total_connections"`
		TeamMembers      int    `json:"team_members"`
		Version          string `json:"version"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Process.GoVersion == "" || resp.Process.Goroutines <= 0 {
		t.Fatalf("expected runtime sample, got %+v", resp)
	}
	if resp.TotalConnections != 1 {
		t.Fatalf("expected 1 total connection, got %d", resp.TotalConnections)
	}
	if resp.TeamMembers != 1 {
		t.Fatalf("expected 1 team member, got %d", resp.TeamMembers)
	}
	if resp.Version != "test" {
		t.Fatalf("expected version test, got %q", resp.Version)
	}
}

// Counters are cached, so rows created after the last refresh stay
// invisible until the janitor's next tick reloads them.
func TestAPIStatsServedFromCache(t *testing.T) {
	srv, team, user := newTestServer(t)

	rr := serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/config/stats", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	if _, err := srv.store.ReserveHTTPConnection(context.Background(), team.ID, user.ID, "cachedapp"); err != nil {
		t.Fatal(err)
	}

	var resp struct {
		TotalConnections int `json:"total_connections"`
	}
	rr = serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/config/stats", ""))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalConnections != 0 {
		t.Fatalf("expected stale cached count 0, got %d", resp.TotalConnections)
	}

	srv.refreshUsageCounts(context.Background())
	rr = serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/config/stats", ""))
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalConnections != 1 {
		t.Fatalf("expected refreshed count 1, got %d", resp.TotalConnections)
	}
}

func TestHumanDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want string
	}{
		{12 * time.Second, "12s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 13*time.Minute, "2h 13m"},
		{0, "0s"},
	}
	for _, c := range cases {
		if got := humanDuration(c.d); got != c.want {
			t.Fatalf("humanDuration(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestAPISetupScript(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/config/setup-script", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Script string `json:"script"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := "burrow auth set --secret-key " + testSecretKey + " --server https://tunnels.example.com --team acme"
	if resp.Script != want {
		t.Fatalf("unexpected script %q", resp.Script)
	}
}

func TestAPIAddTeamUser(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := serveAPI(srv, authedRequest(http.MethodPost, "/api/v1/team/add", `{"email":"new@acme.test","role":"member"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		User      teamUserView `json:"user"`
		SecretKey string       `json:"secret_key"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.User.Email != "new@acme.test" || resp.User.Role == "" {
		t.Fatalf("unexpected user view %+v", resp.User)
	}
	if resp.SecretKey == "" {
		t.Fatal("expected secret key to be returned once")
	}

	// The new key must authenticate.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	req.Header.Set("Authorization", "Bearer "+resp.SecretKey)
	rr = serveAPI(srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected new key to authenticate, got %d", rr.Code)
	}

	// Duplicate email conflicts.
	rr = serveAPI(srv, authedRequest(http.MethodPost, "/api/v1/team/add", `{"email":"new@acme.test"}`))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestAPIAddTeamUserRequiresAdmin(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := serveAPI(srv, authedRequest(http.MethodPost, "/api/v1/team/add", `{"email":"member@acme.test"}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	var created struct {
		SecretKey string `json:"secret_key"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/team/add", nil)
	req.Header.Set("Authorization", "Bearer "+created.SecretKey)
	rr = serveAPI(srv, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", rr.Code)
	}
}

func TestAPIListTeamUsers(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/team/users", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Users []teamUserView `json:"users"`
		Count int            `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || len(resp.Users) != 1 || resp.Users[0].Email != "dev@acme.test" {
		t.Fatalf("unexpected listing %+v", resp)
	}
}

func TestAPIRotateSecretKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := serveAPI(srv, authedRequest(http.MethodPatch, "/api/v1/user/me/rotate-secret-key", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		SecretKey string `json:"secret_key"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SecretKey == "" || resp.SecretKey == testSecretKey {
		t.Fatal("expected a fresh secret key")
	}

	// The old key stops working, the new one works.
	rr = serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/connections", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected old key rejected, got %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil)
	req.Header.Set("Authorization", "Bearer "+resp.SecretKey)
	rr = serveAPI(srv, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected new key accepted, got %d", rr.Code)
	}
}

// Ambiguous ServeMux patterns panic at registration, so route building
// is itself a behavior worth pinning down: the inspector list and fetch
// routes share a prefix and must never overlap.
func TestRoutesMuxBuilds(t *testing.T) {
	srv, _, _ := newTestServer(t)

	mux := srv.routesMux()

	// A capture ID that happens to spell "requests" must resolve to the
	// fetch route, not the listing.
	req := authedRequest(http.MethodGet, "/api/v1/inspector/requests/requests", "")
	req.Host = srv.cfg.BaseDomain
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown capture id, got %d", rr.Code)
	}
}

func TestAPIInspectorListAndGet(t *testing.T) {
	srv, team, _ := newTestServer(t)
	ctx := context.Background()

	rec := domain.InspectorRequest{
		ID:             domain.NewID(),
		TeamID:         team.ID,
		Subdomain:      "myapp",
		Host:           "myapp.tunnels.example.com",
		Method:         http.MethodGet,
		URL:            "/orders?limit=5",
		Headers:        map[string][]string{"Accept": {"application/json"}},
		ResponseStatus: http.StatusOK,
		ResponseBody:   []byte(`{"orders":[]}`),
		LoggedAt:       time.Now().UTC(),
	}
	if err := srv.store.InsertInspectorRequest(ctx, rec, 10); err != nil {
		t.Fatal(err)
	}

	rr := serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/inspector/tunnels", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var tunnels struct {
		Tunnels []string `json:"tunnels"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &tunnels); err != nil {
		t.Fatal(err)
	}
	if len(tunnels.Tunnels) != 1 || tunnels.Tunnels[0] != "myapp" {
		t.Fatalf("unexpected tunnels %v", tunnels.Tunnels)
	}

	rr = serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/inspector/tunnels/myapp/requests", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list struct {
		Requests []inspectorRequestView `json:"requests"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Requests) != 1 || list.Requests[0].URL != "/orders?limit=5" {
		t.Fatalf("unexpected listing %+v", list.Requests)
	}

	rr = serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/inspector/requests/"+rec.ID, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got inspectorRequestView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID || got.Method != http.MethodGet {
		t.Fatalf("unexpected record %+v", got)
	}

	rr = serveAPI(srv, authedRequest(http.MethodGet, "/api/v1/inspector/requests/nope", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAPIReplayWithoutLiveTunnel(t *testing.T) {
	srv, team, _ := newTestServer(t)
	ctx := context.Background()

	rec := domain.InspectorRequest{
		ID:        domain.NewID(),
		TeamID:    team.ID,
		Subdomain: "myapp",
		Method:    http.MethodGet,
		URL:       "/",
		LoggedAt:  time.Now().UTC(),
	}
	if err := srv.store.InsertInspectorRequest(ctx, rec, 10); err != nil {
		t.Fatal(err)
	}

	rr := serveAPI(srv, authedRequest(http.MethodPost, "/api/v1/inspector/requests/"+rec.ID+"/replay", ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no live tunnel, got %d", rr.Code)
	}

	// A failed replay must leave exactly one record.
	reqs, err := srv.store.ListInspectorRequests(ctx, team.ID, "myapp", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected a single record after failed replay, got %d", len(reqs))
	}
}

// seedSecondTeamKey creates a user in a separate team and returns their
// secret key, for exercising cross-team boundaries.
func seedSecondTeamKey(t *testing.T, srv *Server) string {
	t.Helper()
	ctx := context.Background()
	const key = "rival-secret-key"

	team, err := srv.store.CreateTeam(ctx, "Rival", "rival")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := srv.store.CreateTeamUser(ctx, team.ID, "dev@rival.test", domain.RoleAdmin,
		auth.HashSecretKey(key, srv.cfg.SecretKeyPepper)); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestAPIInspectorScopedToTeam(t *testing.T) {
	srv, team, _ := newTestServer(t)
	ctx := context.Background()

	rec := domain.InspectorRequest{
		ID:             domain.NewID(),
		TeamID:         team.ID,
		Subdomain:      "myapp",
		Host:           "myapp.tunnels.example.com",
		Method:         http.MethodGet,
		URL:            "/secret",
		Headers:        map[string][]string{},
		Body:           []byte("credit card numbers"),
		ResponseStatus: http.StatusOK,
		LoggedAt:       time.Now().UTC(),
	}
	if err := srv.store.InsertInspectorRequest(ctx, rec, 10); err != nil {
		t.Fatal(err)
	}
	rivalKey := seedSecondTeamKey(t, srv)
	rivalRequest := func(method, target string) *http.Request {
		r := httptest.NewRequest(method, target, nil)
		r.Header.Set("Authorization", "Bearer "+rivalKey)
		return r
	}

	rr := serveAPI(srv, rivalRequest(http.MethodGet, "/api/v1/inspector/requests/"+rec.ID))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another team's record, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = serveAPI(srv, rivalRequest(http.MethodGet, "/api/v1/inspector/tunnels/myapp/requests"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list struct {
		Requests []inspectorRequestView `json:"requests"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Requests) != 0 {
		t.Fatalf("expected empty listing across teams, got %d", len(list.Requests))
	}

	rr = serveAPI(srv, rivalRequest(http.MethodGet, "/api/v1/inspector/tunnels"))
	var tunnels struct {
		Tunnels []string `json:"tunnels"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &tunnels); err != nil {
		t.Fatal(err)
	}
	if len(tunnels.Tunnels) != 0 {
		t.Fatalf("expected no tunnels across teams, got %v", tunnels.Tunnels)
	}

	rr = serveAPI(srv, rivalRequest(http.MethodPost, "/api/v1/inspector/requests/"+rec.ID+"/replay"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 replaying another team's record, got %d", rr.Code)
	}
}

func TestInspectorQueueDropsWhenFull(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Fill the queue without a running consumer; record must not block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < inspectorQueueSize+10; i++ {
			srv.inspector.record(domain.InspectorRequest{Subdomain: "myapp"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("record blocked on a full queue")
	}
}
