package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/internal/auth"
	"github.com/burrow-dev/burrow/internal/domain"
)

func TestAccessStoreReserveAndClaim(t *testing.T) {
	t.Parallel()

	store := newAccessStore()
	if err := store.reserve("conn-1", "hunter2"); err != nil {
		t.Fatal(err)
	}

	hash := store.claim("conn-1")
	if hash == "" {
		t.Fatal("expected parked hash")
	}
	if !auth.VerifyPasswordHash(hash, "hunter2") {
		t.Fatal("hash should verify the original password")
	}
	if store.claim("conn-1") != "" {
		t.Fatal("claim should be single-use")
	}
}

func TestAccessStorePurge(t *testing.T) {
	t.Parallel()

	store := newAccessStore()
	if err := store.reserve("old", "pw"); err != nil {
		t.Fatal(err)
	}
	if purged := store.purgeOlderThan(time.Now().Add(-time.Minute)); purged != 0 {
		t.Fatalf("fresh entries purged: %d", purged)
	}
	if purged := store.purgeOlderThan(time.Now().Add(time.Minute)); purged != 1 {
		t.Fatalf("stale entry not purged: %d", purged)
	}
	if store.claim("old") != "" {
		t.Fatal("purged entry should be gone")
	}
}

func TestAuthorizePublicRequest(t *testing.T) {
	t.Parallel()

	open := &session{}
	rr := httptest.NewRecorder()
	if !authorizePublicRequest(rr, httptest.NewRequest(http.MethodGet, "/", nil), open) {
		t.Fatal("unprotected tunnel should pass")
	}

	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	gated := &session{accessHash: hash}

	rr = httptest.NewRecorder()
	if authorizePublicRequest(rr, httptest.NewRequest(http.MethodGet, "/", nil), gated) {
		t.Fatal("missing credentials should be rejected")
	}
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); !strings.Contains(got, "Basic") {
		t.Fatalf("missing challenge header, got %q", got)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("anyone", "wrong")
	if authorizePublicRequest(rr, req, gated) {
		t.Fatal("wrong password should be rejected")
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("anyone", "s3cret")
	if !authorizePublicRequest(rr, req, gated) {
		t.Fatal("correct password should pass")
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("relay credentials should not reach the upstream")
	}
}

func TestRegisterWithPassword(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http","password":"s3cret"}`)
	srv.handleRegister(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp domain.RegisterResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	hash := srv.access.claim(resp.ConnectionID)
	if hash == "" {
		t.Fatal("expected parked password hash for the reservation")
	}
	if !auth.VerifyPasswordHash(hash, "s3cret") {
		t.Fatal("parked hash should verify the password")
	}
}

func TestRegisterPasswordValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rr := httptest.NewRecorder()
	req := authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"tcp","password":"s3cret"}`)
	srv.handleRegister(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("tcp with password: status %d", rr.Code)
	}

	long := strings.Repeat("x", maxTunnelPasswordLen+1)
	rr = httptest.NewRecorder()
	req = authedRequest(http.MethodPost, "/v1/tunnels/register", `{"type":"http","password":"`+long+`"}`)
	srv.handleRegister(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("overlong password: status %d", rr.Code)
	}
}
