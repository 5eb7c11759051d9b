package netutil

import (
	"net/http"
	"testing"
)

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"Example.COM", "example.com"},
		{"example.com:8080", "example.com"},
		{" api.example.com ", "api.example.com"},
	}
	for _, tc := range cases {
		if got := NormalizeHost(tc.in); got != tc.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSubdomainForHost(t *testing.T) {
	t.Parallel()

	cases := []struct {
		host, base string
		want       string
		ok         bool
	}{
		{"api.tunnels.example.com", "tunnels.example.com", "api", true},
		{"API.tunnels.example.com:443", "tunnels.example.com", "api", true},
		{"tunnels.example.com", "tunnels.example.com", "", false},
		{"a.b.tunnels.example.com", "tunnels.example.com", "", false},
		{"api.other.example.com", "tunnels.example.com", "", false},
		{"api.tunnels.example.com", "", "", false},
	}
	for _, tc := range cases {
		got, ok := SubdomainForHost(tc.host, tc.base)
		if got != tc.want || ok != tc.ok {
			t.Errorf("SubdomainForHost(%q, %q) = (%q, %v), want (%q, %v)",
				tc.host, tc.base, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Connection", "close, X-Custom-Hop")
	h.Set("X-Custom-Hop", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/plain")

	RemoveHopByHopHeaders(h)

	for _, name := range []string{"Connection", "X-Custom-Hop", "Keep-Alive", "Transfer-Encoding"} {
		if h.Get(name) != "" {
			t.Errorf("expected %s to be stripped", name)
		}
	}
	if h.Get("Content-Type") != "text/plain" {
		t.Error("expected end-to-end header to survive")
	}
}

func TestRemoveHopByHopHeadersPreserveUpgrade(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "websocket")
	h.Set("Sec-WebSocket-Key", "abc")

	RemoveHopByHopHeadersPreserveUpgrade(h)

	if h.Get("Upgrade") != "websocket" || h.Get("Connection") != "Upgrade" {
		t.Fatalf("expected websocket upgrade to survive, got %v", h)
	}

	h2 := http.Header{}
	h2.Set("Connection", "keep-alive")
	h2.Set("Upgrade", "h2c")
	RemoveHopByHopHeadersPreserveUpgrade(h2)
	if h2.Get("Upgrade") != "" {
		t.Fatal("expected non-websocket upgrade to be stripped")
	}
}
