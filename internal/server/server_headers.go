package server

import (
	"net"
	"net/http"
	"strings"
)

// injectForwardedFor appends the public client address to
// X-Forwarded-For, preserving any chain set by a fronting proxy.
func injectForwardedFor(headers map[string][]string, remoteAddr string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return
	}
	prior := getAndNormalizeForwardedFor(headers)
	deleteHeaderCI(headers, "X-Forwarded-For")
	if prior != "" {
		headers["X-Forwarded-For"] = []string{prior + ", " + host}
	} else {
		headers["X-Forwarded-For"] = []string{host}
	}
}

func getAndNormalizeForwardedFor(headers map[string][]string) string {
	var parts []string
	for k, vals := range headers {
		if !strings.EqualFold(k, "X-Forwarded-For") {
			continue
		}
		for _, v := range vals {
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					parts = append(parts, p)
				}
			}
		}
	}
	return strings.Join(parts, ", ")
}

// injectForwardedProxyHeaders sets the standard reverse-proxy headers
// the upstream app needs to reconstruct the public URL.
func injectForwardedProxyHeaders(headers map[string][]string, r *http.Request) {
	deleteHeaderCI(headers, "X-Forwarded-Host")
	deleteHeaderCI(headers, "X-Forwarded-Proto")
	headers["X-Forwarded-Host"] = []string{r.Host}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	headers["X-Forwarded-Proto"] = []string{proto}
}

func deleteHeaderCI(headers map[string][]string, name string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			delete(headers, k)
		}
	}
}
