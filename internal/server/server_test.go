package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/internal/auth"
	"github.com/burrow-dev/burrow/internal/config"
	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/log"
	"github.com/burrow-dev/burrow/internal/store/sqlite"
)

const testSecretKey = "test-secret-key"

func newTestServer(t *testing.T) (*Server, domain.Team, domain.TeamUser) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.ServerConfig{
		ListenAddr:             ":0",
		BaseDomain:             "tunnels.example.com",
		SecretKeyPepper:        "pepper",
		RequestTimeout:         5 * time.Second,
		MaxBodyBytes:           1 << 20,
		ConnectTokenTTL:        time.Minute,
		ReservedClaimTTL:       2 * time.Minute,
		ClientPingTimeout:      2 * time.Minute,
		HeartbeatCheckInterval: 15 * time.Second,
		CleanupInterval:        time.Minute,
		TCPPortMin:             30001,
		TCPPortMax:             40001,
		InspectorEnabled:       true,
		InspectorRetention:     10,
		RegisterRatePerMinute:  600,
	}

	ctx := context.Background()
	team, err := store.CreateTeam(ctx, "Acme", "acme")
	if err != nil {
		t.Fatal(err)
	}
	user, err := store.CreateTeamUser(ctx, team.ID, "dev@acme.test", domain.RoleAdmin,
		auth.HashSecretKey(testSecretKey, cfg.SecretKeyPepper))
	if err != nil {
		t.Fatal(err)
	}

	return New(cfg, store, log.Discard(), "test"), team, user
}

func authedRequest(method, target string, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	r.Header.Set("Authorization", "Bearer "+testSecretKey)
	return r
}

func TestRegisterRequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tunnels/register", strings.NewReader(`{"type":"http"}`))
	srv.handleRegister(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/tunnels/register", strings.NewReader(`{"type":"http"}`))
	req.Header.Set("Authorization", "Bearer wrong-key")
	srv.handleRegister(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d", rr.Code)
	}
}

func TestRegisterRejectsTeamSlugMismatch(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http"}`)
	req.Header.Set("X-Team-Slug", "other-team")
	srv.handleRegister(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for slug mismatch, got %d", rr.Code)
	}
}

func TestRegisterHTTPTunnel(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.handleRegister(rr, authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http","subdomain":"myapp"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp domain.RegisterResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Subdomain != "myapp" || resp.Token == "" || resp.ConnectionID == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.PublicURL != "https://myapp.tunnels.example.com" {
		t.Fatalf("unexpected public url %q", resp.PublicURL)
	}
	if !strings.Contains(resp.ConnectURL, "/v1/tunnels/connect?token="+resp.Token) {
		t.Fatalf("unexpected connect url %q", resp.ConnectURL)
	}

	got, err := srv.store.GetConnection(context.Background(), resp.ConnectionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ConnectionStatusReserved {
		t.Fatalf("expected reserved connection, got %s", got.Status)
	}
}

func TestRegisterGeneratesSubdomainWhenOmitted(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.handleRegister(rr, authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.RegisterResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !domain.ValidSubdomain(resp.Subdomain) {
		t.Fatalf("expected generated subdomain, got %q", resp.Subdomain)
	}
}

func TestRegisterSubdomainConflict(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.handleRegister(rr, authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http","subdomain":"taken"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	srv.handleRegister(rr, authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http","subdomain":"taken"}`))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestRegisterTCPTunnel(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.handleRegister(rr, authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"tcp"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.RegisterResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Port < srv.cfg.TCPPortMin || resp.Port > srv.cfg.TCPPortMax {
		t.Fatalf("port %d outside configured range", resp.Port)
	}
	if resp.PublicURL == "" || !strings.HasPrefix(resp.PublicURL, "tcp://") {
		t.Fatalf("unexpected public url %q", resp.PublicURL)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"bad type", `{"type":"udp"}`},
		{"invalid subdomain", `{"type":"http","subdomain":"-bad-"}`},
		{"tcp with subdomain", `{"type":"tcp","subdomain":"myapp"}`},
		{"unknown field", `{"type":"http","extra":true}`},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		srv.handleRegister(rr, authedRequest(http.MethodPost, "/v1/tunnels/register", tc.body))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rr.Code)
		}
	}
}

func TestRegisterRateLimited(t *testing.T) {
	srv, _, user := newTestServer(t)

	// Exhaust the user's burst directly.
	for srv.regLimiter.allow(user.ID) {
	}

	rr := httptest.NewRecorder()
	srv.handleRegister(rr, authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http"}`))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestPublicRouteUnknownHost(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "nosuchapp.tunnels.example.com"
	srv.handlePublic(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr.Header().Get("X-Burrow-Error") != "true" {
		t.Fatal("expected relay error marker header")
	}
}

func TestPublicRouteOfflineTunnel(t *testing.T) {
	srv, team, user := newTestServer(t)
	ctx := context.Background()

	c, err := srv.store.ReserveHTTPConnection(ctx, team.ID, user.ID, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.store.MarkConnectionActive(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	// Active in the store but no live session attached.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "ghost.tunnels.example.com"
	srv.handlePublic(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestPublicURLFor(t *testing.T) {
	t.Parallel()

	srv := &Server{cfg: config.ServerConfig{BaseDomain: "tunnels.example.com"}}
	httpURL := srv.publicURLFor(domain.Connection{Type: domain.ConnectionTypeHTTP, Subdomain: "myapp"})
	if httpURL != "https://myapp.tunnels.example.com" {
		t.Fatalf("unexpected http url %q", httpURL)
	}
	tcpURL := srv.publicURLFor(domain.Connection{Type: domain.ConnectionTypeTCP, Port: 30500})
	if tcpURL != "tcp://tunnels.example.com:30500" {
		t.Fatalf("unexpected tcp url %q", tcpURL)
	}
}

func TestInjectForwardedFor(t *testing.T) {
	t.Parallel()

	headers := map[string][]string{}
	injectForwardedFor(headers, "203.0.113.9:51234")
	if got := headers["X-Forwarded-For"]; len(got) != 1 || got[0] != "203.0.113.9" {
		t.Fatalf("unexpected X-Forwarded-For %v", got)
	}

	headers = map[string][]string{"X-Forwarded-For": {"198.51.100.1"}}
	injectForwardedFor(headers, "203.0.113.9:51234")
	if got := headers["X-Forwarded-For"]; len(got) != 1 || got[0] != "198.51.100.1, 203.0.113.9" {
		t.Fatalf("expected chain to be preserved, got %v", got)
	}
}

func TestInjectForwardedProxyHeaders(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "http://myapp.tunnels.example.com/x", nil)
	headers := map[string][]string{"X-Forwarded-Host": {"spoofed"}}
	injectForwardedProxyHeaders(headers, req)
	if got := headers["X-Forwarded-Host"]; len(got) != 1 || got[0] != "myapp.tunnels.example.com" {
		t.Fatalf("unexpected X-Forwarded-Host %v", got)
	}
	if got := headers["X-Forwarded-Proto"]; len(got) != 1 || got[0] != "http" {
		t.Fatalf("unexpected X-Forwarded-Proto %v", got)
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/tunnels/register", strings.NewReader(`{"type":"http","unknown":"x"}`))
	w := httptest.NewRecorder()
	var body domain.RegisterRequest
	if err := decodeJSONBody(w, req, apiMaxBodyBytes, &body); err == nil {
		t.Fatal("expected unknown JSON fields to be rejected")
	}
}
