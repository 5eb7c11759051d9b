package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/burrow-dev/burrow/internal/client/settings"
)

func runAuth(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: burrow auth <set|show> [flags]")
		return 2
	}
	switch args[0] {
	case "set":
		return runAuthSet(args[1:])
	case "show":
		return runAuthShow()
	default:
		fmt.Fprintln(os.Stderr, "unknown auth command:", args[0])
		return 2
	}
}

// runAuthSet saves tunnel credentials to the settings file. This is
// what the relay's setup-script endpoint emits.
func runAuthSet(args []string) int {
	fs := flag.NewFlagSet("auth-set", flag.ContinueOnError)
	serverURL := envOr("BURROW_SERVER_URL", "")
	secretKey := envOr("BURROW_SECRET_KEY", "")
	teamSlug := envOr("BURROW_TEAM", "")
	fs.StringVar(&serverURL, "server", serverURL, "Relay server URL (e.g. https://tunnels.example.com)")
	fs.StringVar(&secretKey, "secret-key", secretKey, "Team user secret key")
	fs.StringVar(&teamSlug, "team", teamSlug, "Team slug")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	serverURL = strings.TrimSpace(serverURL)
	secretKey = strings.TrimSpace(secretKey)
	if serverURL == "" || secretKey == "" {
		fmt.Fprintln(os.Stderr, "auth set error: missing --server or --secret-key")
		return 2
	}
	normalized, err := normalizeServerURL(serverURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "auth set error:", err)
		return 2
	}

	if err := settings.Save(settings.Credentials{
		ServerURL: normalized,
		SecretKey: secretKey,
		TeamSlug:  strings.TrimSpace(teamSlug),
	}); err != nil {
		fmt.Fprintln(os.Stderr, "auth set error:", err)
		return 1
	}
	fmt.Println("saved:", settings.Path())
	return 0
}

func runAuthShow() int {
	s, err := settings.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "auth show error:", err)
		return 1
	}
	fmt.Println("server:", s.ServerURL)
	fmt.Println("secret_key:", maskSecretKey(s.SecretKey))
	if s.TeamSlug != "" {
		fmt.Println("team:", s.TeamSlug)
	}
	return 0
}

func maskSecretKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
