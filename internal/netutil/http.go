// Package netutil holds small HTTP and host-name helpers used by the
// relay when forwarding public traffic.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// NormalizeHost lowercases host and strips any port.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// SubdomainForHost extracts the tunnel subdomain from a request host.
// For host "api.tunnels.example.com" and base "tunnels.example.com" it
// returns ("api", true). Nested labels and the bare base domain do not
// match.
func SubdomainForHost(host, baseDomain string) (string, bool) {
	host = NormalizeHost(host)
	baseDomain = NormalizeHost(baseDomain)
	if baseDomain == "" || host == baseDomain {
		return "", false
	}
	sub, ok := strings.CutSuffix(host, "."+baseDomain)
	if !ok || sub == "" || strings.Contains(sub, ".") {
		return "", false
	}
	return sub, true
}

// Hop-by-hop headers per RFC 9110 section 7.6.1. These describe a
// single transport hop and must not be replayed on the tunneled leg.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders strips hop-by-hop headers, including any named
// by the Connection header itself.
func RemoveHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// RemoveHopByHopHeadersPreserveUpgrade is RemoveHopByHopHeaders except
// that a websocket upgrade handshake survives, so the tunneled client
// can still see the intent.
func RemoveHopByHopHeadersPreserveUpgrade(h http.Header) {
	upgrade := h.Get("Upgrade")
	isWS := strings.EqualFold(upgrade, "websocket")
	RemoveHopByHopHeaders(h)
	if isWS {
		h.Set("Connection", "Upgrade")
		h.Set("Upgrade", upgrade)
	}
}
