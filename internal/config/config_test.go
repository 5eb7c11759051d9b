package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseServerFlags(t *testing.T) {
	cfg, err := ParseServerFlags([]string{"--domain", "https://Tunnels.Example.com:443/", "--listen", ":9001"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "tunnels.example.com" {
		t.Fatalf("unexpected base domain %q", cfg.BaseDomain)
	}
	if cfg.ListenAddr != ":9001" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.TCPPortMin != defaultTCPPortMin || cfg.TCPPortMax != defaultTCPPortMax {
		t.Fatalf("unexpected port range %d..%d", cfg.TCPPortMin, cfg.TCPPortMax)
	}
	if !cfg.InspectorEnabled {
		t.Fatal("expected inspector on by default")
	}
}

func TestParseServerFlagsMissingDomain(t *testing.T) {
	if _, err := ParseServerFlags(nil); err == nil {
		t.Fatal("expected error without --domain")
	}
}

func TestParseServerFlagsEnvFallback(t *testing.T) {
	t.Setenv("BURROW_DOMAIN", "tunnels.example.com")
	t.Setenv("BURROW_TCP_PORT_MIN", "40000")
	t.Setenv("BURROW_TCP_PORT_MAX", "40100")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BaseDomain != "tunnels.example.com" {
		t.Fatalf("unexpected base domain %q", cfg.BaseDomain)
	}
	if cfg.TCPPortMin != 40000 || cfg.TCPPortMax != 40100 {
		t.Fatalf("unexpected port range %d..%d", cfg.TCPPortMin, cfg.TCPPortMax)
	}
}

func TestParseClientFlags(t *testing.T) {
	cfg, err := ParseClientFlags("http", []string{
		"--server", "https://tunnels.example.com",
		"--secret-key", "sk",
		"--team", "acme",
		"--subdomain", "myapp",
		"--port", "3000",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Subdomain != "myapp" || cfg.LocalPort != 3000 || cfg.TeamSlug != "acme" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestParseClientFlagsRejectsBadPort(t *testing.T) {
	if _, err := ParseClientFlags("http", []string{"--port", "0"}); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, err := ParseClientFlags("udp", []string{"--port", "80"}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestLoadTunnelsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.yaml")
	data := `tunnels:
  - name: web
    subdomain: myapp
    port: 3000
  - name: db
    type: tcp
    port: 5432
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	tunnels, err := LoadTunnelsFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(tunnels) != 2 {
		t.Fatalf("expected 2 tunnels, got %d", len(tunnels))
	}
	if tunnels[0].Type != "http" {
		t.Fatalf("expected type default http, got %q", tunnels[0].Type)
	}
	if tunnels[1].Type != "tcp" || tunnels[1].Port != 5432 {
		t.Fatalf("unexpected tcp tunnel %+v", tunnels[1])
	}
}

func TestLoadTunnelsFileRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunnels.yaml")
	if err := os.WriteFile(path, []byte("tunnels:\n  - name: bad\n    port: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTunnelsFile(path); err == nil {
		t.Fatal("expected error for port 0")
	}
}
