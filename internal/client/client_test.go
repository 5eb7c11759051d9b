package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/burrow-dev/burrow/internal/config"
	"github.com/burrow-dev/burrow/internal/domain"
	"github.com/burrow-dev/burrow/internal/log"
)

func newTestClient(serverURL string) *Client {
	return New(config.ClientConfig{
		ServerURL:    serverURL,
		SecretKey:    "test-secret-key",
		TeamSlug:     "acme",
		Type:         "http",
		Subdomain:    "myapp",
		LocalPort:    3000,
		Timeout:      5 * time.Second,
		PingInterval: 30 * time.Second,
	}, log.Discard(), "test")
}

func TestRegisterSendsCredentials(t *testing.T) {
	t.Parallel()

	var gotAuth, gotTeam, gotPath string
	var gotReq domain.RegisterRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotTeam = r.Header.Get("X-Team-Slug")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(domain.RegisterResponse{
			ConnectionID: "conn-1",
			Type:         domain.ConnectionTypeHTTP,
			Subdomain:    "myapp",
			PublicURL:    "https://myapp.tunnels.example.com",
			ConnectURL:   "wss://tunnels.example.com/v1/tunnels/connect?token=tok",
			Token:        "tok",
		})
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	reg, err := c.register(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer test-secret-key" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotTeam != "acme" {
		t.Fatalf("unexpected team header %q", gotTeam)
	}
	if gotPath != "/v1/tunnels/register" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotReq.Type != domain.ConnectionTypeHTTP || gotReq.Subdomain != "myapp" {
		t.Fatalf("unexpected register request %+v", gotReq)
	}
	if reg.ConnectionID != "conn-1" {
		t.Fatalf("unexpected registration %+v", reg)
	}
}

func TestRegisterParsesErrorEnvelope(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "subdomain already in use"})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).register(context.Background())
	var re *registerError
	if !errors.As(err, &re) {
		t.Fatalf("want registerError, got %v", err)
	}
	if re.StatusCode != http.StatusConflict || re.Message != "subdomain already in use" {
		t.Fatalf("unexpected error %+v", re)
	}
	if !isNonRetriableRegisterError(err) {
		t.Fatal("conflict should fail fast")
	}
}

func TestRegisterErrorRetryClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status       int
		nonRetriable bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, true},
		{http.StatusConflict, true},
		{http.StatusBadRequest, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tc := range cases {
		err := error(&registerError{StatusCode: tc.status})
		if got := isNonRetriableRegisterError(err); got != tc.nonRetriable {
			t.Errorf("status %d: nonRetriable = %v, want %v", tc.status, got, tc.nonRetriable)
		}
	}
	if isNonRetriableRegisterError(errors.New("dial tcp: connection refused")) {
		t.Fatal("plain network errors should retry")
	}
	if isNonRetriableRegisterError(nil) {
		t.Fatal("nil error should not be non-retriable")
	}
}

func TestRewriteConnectURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		connectURL string
		serverURL  string
		want       string
	}{
		{
			name:       "https server keeps wss",
			connectURL: "wss://tunnels.example.com/v1/tunnels/connect?token=t",
			serverURL:  "https://tunnels.example.com",
			want:       "wss://tunnels.example.com/v1/tunnels/connect?token=t",
		},
		{
			name:       "http server downgrades to ws",
			connectURL: "wss://tunnels.example.com/v1/tunnels/connect?token=t",
			serverURL:  "http://tunnels.example.com",
			want:       "ws://tunnels.example.com/v1/tunnels/connect?token=t",
		},
		{
			name:       "server port carries over",
			connectURL: "wss://tunnels.example.com/v1/tunnels/connect?token=t",
			serverURL:  "http://tunnels.example.com:8001",
			want:       "ws://tunnels.example.com:8001/v1/tunnels/connect?token=t",
		},
		{
			name:       "explicit connect port wins",
			connectURL: "wss://tunnels.example.com:9000/v1/tunnels/connect?token=t",
			serverURL:  "https://tunnels.example.com:8001",
			want:       "wss://tunnels.example.com:9000/v1/tunnels/connect?token=t",
		},
		{
			name:       "empty connect url passes through",
			connectURL: "",
			serverURL:  "https://tunnels.example.com",
			want:       "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rewriteConnectURL(tc.connectURL, tc.serverURL); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestShortenError(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	wrapped := &url.Error{Op: "Post", URL: "https://x", Err: inner}
	if got := shortenError(wrapped); got != "connection refused" {
		t.Fatalf("got %q", got)
	}
	if got := shortenError(errors.New("  plain  ")); got != "plain" {
		t.Fatalf("got %q", got)
	}
}

func TestIsWebSocketHandshakeHeader(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"Connection", "Upgrade", "Sec-WebSocket-Key", "sec-websocket-version", "Sec-WebSocket-Extensions"} {
		if !isWebSocketHandshakeHeader(name) {
			t.Errorf("%s should be stripped", name)
		}
	}
	for _, name := range []string{"Authorization", "Cookie", "X-Forwarded-For", "Origin"} {
		if isWebSocketHandshakeHeader(name) {
			t.Errorf("%s should pass through", name)
		}
	}
}

func TestRunFailsFastOnAuthError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(domain.ErrorResponse{Error: "invalid secret key"})
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := newTestClient(ts.URL).Run(ctx)
	if err == nil {
		t.Fatal("want error on rejected credentials")
	}
	if !strings.Contains(err.Error(), "invalid secret key") {
		t.Fatalf("unexpected error %v", err)
	}
}
