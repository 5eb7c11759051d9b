package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/burrow-dev/burrow/internal/auth"
	"github.com/burrow-dev/burrow/internal/config"
	ilog "github.com/burrow-dev/burrow/internal/log"
	"github.com/burrow-dev/burrow/internal/server"
	"github.com/burrow-dev/burrow/internal/store/sqlite"
)

// pepperSettingKey is where the relay persists the secret key hash
// pepper, so key hashes keep matching across restarts.
const pepperSettingKey = "secret_key_pepper"

func runServer(ctx context.Context, args []string) int {
	if len(args) > 0 && args[0] == "team" {
		return runTeamAdmin(ctx, args[1:])
	}

	loadServerEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	pepper, err := resolveServerPepper(ctx, store, cfg.SecretKeyPepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	cfg.SecretKeyPepper = pepper

	s := server.New(cfg, store, logger, Version)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}

// resolveServerPepper reconciles the configured pepper with the one the
// database was initialized with. A fresh database adopts the configured
// value, or a generated one when nothing is configured. A mismatch is
// fatal: existing secret key hashes would stop verifying.
func resolveServerPepper(ctx context.Context, store *sqlite.Store, configured string) (string, error) {
	configured = strings.TrimSpace(configured)

	current, err := store.GetSetting(ctx, pepperSettingKey)
	if err != nil {
		return "", err
	}

	if current != "" {
		if configured != "" && !auth.ConstantTimeEquals(configured, current) {
			return "", errors.New("secret key pepper does not match the one this database was initialized with")
		}
		return current, nil
	}

	pepper := configured
	if pepper == "" {
		pepper, err = generatePepper()
		if err != nil {
			return "", err
		}
	}
	if err := store.SetSetting(ctx, pepperSettingKey, pepper); err != nil {
		return "", err
	}
	return pepper, nil
}

func generatePepper() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func defaultDBPath() string {
	return envOr("BURROW_DB_PATH", "./burrow.db")
}

func openStore(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}
