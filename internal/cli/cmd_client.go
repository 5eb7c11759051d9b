package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/burrow-dev/burrow/internal/client"
	"github.com/burrow-dev/burrow/internal/client/settings"
	"github.com/burrow-dev/burrow/internal/config"
	ilog "github.com/burrow-dev/burrow/internal/log"
)

func runHTTP(ctx context.Context, args []string) int {
	return runTunnelCommand(ctx, "http", args)
}

func runTCP(ctx context.Context, args []string) int {
	return runTunnelCommand(ctx, "tcp", args)
}

// runTunnelCommand normalizes the user-facing argument forms
// (`burrow http 3000`, `burrow http --port 3000`) into plain client
// flags and starts one tunnel.
func runTunnelCommand(ctx context.Context, tunnelType string, args []string) int {
	fs := flag.NewFlagSet(tunnelType, flag.ContinueOnError)
	serverURL := envOr("BURROW_SERVER_URL", "")
	secretKey := envOr("BURROW_SECRET_KEY", "")
	teamSlug := envOr("BURROW_TEAM", "")
	password := envOr("BURROW_PASSWORD", "")
	subdomain := ""
	port := 0
	fs.StringVar(&serverURL, "server", serverURL, "Relay server URL (e.g. https://tunnels.example.com)")
	fs.StringVar(&secretKey, "secret-key", secretKey, "Team user secret key")
	fs.StringVar(&teamSlug, "team", teamSlug, "Team slug")
	fs.StringVar(&subdomain, "subdomain", subdomain, "Requested subdomain (http tunnels)")
	fs.StringVar(&password, "password", password, "Require this password from public visitors (http tunnels)")
	fs.IntVar(&port, "port", port, "Local upstream port on 127.0.0.1")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, tunnelType+" command error:", err)
		return 2
	}

	rest := fs.Args()
	if len(rest) > 1 {
		fmt.Fprintf(os.Stderr, "%s command error: expected a single port, e.g. `burrow %s 3000`\n", tunnelType, tunnelType)
		return 2
	}
	if len(rest) == 1 {
		p, err := strconv.Atoi(strings.TrimSpace(rest[0]))
		if err != nil {
			fmt.Fprintln(os.Stderr, tunnelType+" command error: invalid port:", rest[0])
			return 2
		}
		port = p
	}

	clientArgs := []string{"--port", strconv.Itoa(port)}
	if s := strings.TrimSpace(subdomain); s != "" {
		clientArgs = append(clientArgs, "--subdomain", s)
	}
	if s := strings.TrimSpace(password); s != "" {
		clientArgs = append(clientArgs, "--password", s)
	}
	if s := strings.TrimSpace(serverURL); s != "" {
		clientArgs = append(clientArgs, "--server", s)
	}
	if s := strings.TrimSpace(secretKey); s != "" {
		clientArgs = append(clientArgs, "--secret-key", s)
	}
	if s := strings.TrimSpace(teamSlug); s != "" {
		clientArgs = append(clientArgs, "--team", s)
	}
	return runClient(ctx, tunnelType, clientArgs)
}

func runClient(ctx context.Context, tunnelType string, args []string) int {
	cfg, err := config.ParseClientFlags(tunnelType, args)
	if err != nil {
		fmt.Fprintln(os.Stderr, tunnelType+" config error:", err)
		return 2
	}
	if err := mergeClientSettings(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, tunnelType+" config error:", err)
		return 2
	}

	logger := ilog.New(envOr("BURROW_LOG_LEVEL", "info"))
	if err := client.New(cfg, logger, Version).Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, tunnelType+" tunnel error:", err)
		return 1
	}
	return 0
}

// runStart launches every tunnel defined in a YAML config file and
// serves them until the first fatal error or interruption.
func runStart(ctx context.Context, args []string) int {
	hasConfig := false
	for _, a := range args {
		if a == "-config" || a == "--config" || strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config=") {
			hasConfig = true
			break
		}
	}
	if !hasConfig {
		args = append(args, "--config", "burrow.yaml")
	}

	cfg, err := config.ParseClientFlags("http", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start config error:", err)
		return 2
	}
	if err := mergeClientSettings(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "start config error:", err)
		return 2
	}

	tunnels, err := config.LoadTunnelsFile(cfg.TunnelsFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start config error:", err)
		return 2
	}

	logger := ilog.New(envOr("BURROW_LOG_LEVEL", "info"))
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tunnels {
		tcfg := cfg
		tcfg.Type = t.Type
		tcfg.Subdomain = t.Subdomain
		tcfg.LocalPort = t.Port
		tlog := logger.With("tunnel", t.Name)
		g.Go(func() error {
			return client.New(tcfg, tlog, Version).Run(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "start error:", err)
		return 1
	}
	return 0
}

// mergeClientSettings fills credentials not given on the command line
// from the saved settings file.
func mergeClientSettings(cfg *config.ClientConfig) error {
	if strings.TrimSpace(cfg.ServerURL) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		stored, err := settings.Load()
		if err != nil {
			return fmt.Errorf("missing credentials. run `burrow auth set --server https://tunnels.example.com --secret-key <key>` or provide --server/--secret-key: %w", err)
		}
		if strings.TrimSpace(cfg.ServerURL) == "" {
			cfg.ServerURL = stored.ServerURL
		}
		if strings.TrimSpace(cfg.SecretKey) == "" {
			cfg.SecretKey = stored.SecretKey
		}
		if strings.TrimSpace(cfg.TeamSlug) == "" {
			cfg.TeamSlug = stored.TeamSlug
		}
	}

	normalized, err := normalizeServerURL(cfg.ServerURL)
	if err != nil {
		return err
	}
	cfg.ServerURL = normalized
	return nil
}

// normalizeServerURL accepts a bare host or URL and returns a clean
// base URL. Plain http is allowed for local relays.
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("missing server URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", errors.New("server URL must use https or http")
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("server URL must include host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}
