// Package config parses server and client configuration from flags with
// BURROW_* environment fallbacks.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig configures the relay server. TLS terminates at a
// fronting proxy, so the server itself listens on plain HTTP.
type ServerConfig struct {
	ListenAddr             string
	DebugAddr              string
	DBPath                 string
	BaseDomain             string
	SecretKeyPepper        string
	LogLevel               string
	RequestTimeout         time.Duration
	MaxBodyBytes           int64
	ConnectTokenTTL        time.Duration
	ReservedClaimTTL       time.Duration
	ClientPingTimeout      time.Duration
	HeartbeatCheckInterval time.Duration
	CleanupInterval        time.Duration
	TCPPortMin             uint32
	TCPPortMax             uint32
	InspectorEnabled       bool
	InspectorRetention     int
	RegisterRatePerMinute  int
}

// ClientConfig configures one tunnel from the client side.
type ClientConfig struct {
	ServerURL    string
	SecretKey    string
	TeamSlug     string
	Type         string
	Subdomain    string
	Password     string
	LocalPort    int
	TunnelsFile  string
	Timeout      time.Duration
	PingInterval time.Duration
}

const (
	defaultServerListen       = ":8001"
	defaultServerDBPath       = "./burrow.db"
	defaultClientPingInterval = 30 * time.Second
	defaultClientPingTimeout  = 2 * time.Minute
	defaultHeartbeatCheck     = 15 * time.Second
	defaultCleanupInterval    = time.Minute
	defaultReservedClaimTTL   = 2 * time.Minute
	defaultTCPPortMin         = 30001
	defaultTCPPortMax         = 40001
	defaultInspectorKeep      = 200
	defaultRegisterRate       = 30
)

// ParseServerFlags builds a ServerConfig from args, with environment
// variables supplying defaults.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		ListenAddr:             envOrDefault("BURROW_LISTEN", defaultServerListen),
		DebugAddr:              envOrDefault("BURROW_DEBUG_LISTEN", ""),
		DBPath:                 envOrDefault("BURROW_DB_PATH", defaultServerDBPath),
		BaseDomain:             envOrDefault("BURROW_DOMAIN", ""),
		SecretKeyPepper:        envOrDefault("BURROW_SECRET_KEY_PEPPER", ""),
		LogLevel:               envOrDefault("BURROW_LOG_LEVEL", "info"),
		RequestTimeout:         30 * time.Second,
		MaxBodyBytes:           10 * 1024 * 1024,
		ConnectTokenTTL:        60 * time.Second,
		ReservedClaimTTL:       defaultReservedClaimTTL,
		ClientPingTimeout:      defaultClientPingTimeout,
		HeartbeatCheckInterval: defaultHeartbeatCheck,
		CleanupInterval:        defaultCleanupInterval,
		TCPPortMin:             uint32(envIntOrDefault("BURROW_TCP_PORT_MIN", defaultTCPPortMin)),
		TCPPortMax:             uint32(envIntOrDefault("BURROW_TCP_PORT_MAX", defaultTCPPortMax)),
		InspectorEnabled:       envBoolOrDefault("BURROW_INSPECTOR", true),
		InspectorRetention:     envIntOrDefault("BURROW_INSPECTOR_RETENTION", defaultInspectorKeep),
		RegisterRatePerMinute:  envIntOrDefault("BURROW_REGISTER_RATE", defaultRegisterRate),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DebugAddr, "debug-listen", cfg.DebugAddr, "pprof listen address (disabled when empty)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.BaseDomain, "domain", cfg.BaseDomain, "Public base domain, e.g. tunnels.example.com")
	fs.StringVar(&cfg.SecretKeyPepper, "secret-key-pepper", cfg.SecretKeyPepper, "Secret key hash pepper override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.InspectorEnabled, "inspector", cfg.InspectorEnabled, "Capture HTTP traffic for the request inspector")
	fs.IntVar(&cfg.InspectorRetention, "inspector-retention", cfg.InspectorRetention, "Captured requests kept per subdomain")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.BaseDomain = normalizeDomainHost(cfg.BaseDomain)
	if cfg.BaseDomain == "" {
		return cfg, errors.New("missing --domain or BURROW_DOMAIN")
	}
	if cfg.TCPPortMin == 0 || cfg.TCPPortMax > 65535 || cfg.TCPPortMin >= cfg.TCPPortMax {
		return cfg, errors.New("tcp port range must satisfy 0 < min < max <= 65535")
	}
	if cfg.InspectorRetention <= 0 {
		return cfg, errors.New("inspector retention must be > 0")
	}
	if cfg.RegisterRatePerMinute <= 0 {
		return cfg, errors.New("register rate must be > 0")
	}
	if cfg.ClientPingTimeout <= 0 || cfg.HeartbeatCheckInterval <= 0 || cfg.CleanupInterval <= 0 {
		return cfg, errors.New("timing intervals must be > 0")
	}

	return cfg, nil
}

// ParseClientFlags builds a ClientConfig from args, with environment
// variables supplying defaults.
func ParseClientFlags(tunnelType string, args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    envOrDefault("BURROW_SERVER_URL", ""),
		SecretKey:    envOrDefault("BURROW_SECRET_KEY", ""),
		TeamSlug:     envOrDefault("BURROW_TEAM", ""),
		Password:     envOrDefault("BURROW_PASSWORD", ""),
		Type:         tunnelType,
		Timeout:      30 * time.Second,
		PingInterval: defaultClientPingInterval,
	}

	fs := flag.NewFlagSet(tunnelType, flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Relay server URL (e.g. https://tunnels.example.com)")
	fs.StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "Team user secret key")
	fs.StringVar(&cfg.TeamSlug, "team", cfg.TeamSlug, "Team slug")
	fs.StringVar(&cfg.Subdomain, "subdomain", cfg.Subdomain, "Requested subdomain (http tunnels)")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Require this password from public visitors (http tunnels)")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local upstream port on 127.0.0.1")
	fs.StringVar(&cfg.TunnelsFile, "config", cfg.TunnelsFile, "Tunnel definitions YAML file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.TunnelsFile != "" {
		return cfg, nil
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return cfg, errors.New("local port must be between 1 and 65535")
	}
	if cfg.Type != "http" && cfg.Type != "tcp" {
		return cfg, errors.New("tunnel type must be http or tcp")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if idx := strings.Index(v, ":"); idx >= 0 {
		v = v[:idx]
	}
	return strings.TrimSuffix(v, ".")
}
