package cli

import (
	"context"
	"flag"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/burrow-dev/burrow/internal/auth"
	"github.com/burrow-dev/burrow/internal/domain"
)

func runTeamAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: burrow server team <create|add-user|list-users> [flags]")
		return 2
	}
	switch args[0] {
	case "create":
		return runTeamCreate(ctx, args[1:])
	case "add-user":
		return runTeamAddUser(ctx, args[1:])
	case "list-users":
		return runTeamListUsers(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown team command:", args[0])
		return 2
	}
}

func runTeamCreate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("team-create", flag.ContinueOnError)
	var dbPath, name, slug string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&name, "name", "", "team display name")
	fs.StringVar(&slug, "slug", "", "team slug (lowercase, url-safe)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	name = strings.TrimSpace(name)
	slug = strings.ToLower(strings.TrimSpace(slug))
	if name == "" || slug == "" {
		fmt.Fprintln(os.Stderr, "missing --name or --slug")
		return 2
	}

	store, code := openStore(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	team, err := store.CreateTeam(ctx, name, slug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "create team:", err)
		return 1
	}
	fmt.Println("id:", team.ID)
	fmt.Println("name:", team.Name)
	fmt.Println("slug:", team.Slug)
	return 0
}

func runTeamAddUser(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("team-add-user", flag.ContinueOnError)
	var dbPath, teamSlug, email, role, pepper string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&teamSlug, "team", "", "team slug")
	fs.StringVar(&email, "email", "", "user email")
	fs.StringVar(&role, "role", domain.RoleMember, "role: admin|member")
	fs.StringVar(&pepper, "secret-key-pepper", envOr("BURROW_SECRET_KEY_PEPPER", ""), "hash pepper override")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	teamSlug = strings.ToLower(strings.TrimSpace(teamSlug))
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || teamSlug == "" {
		fmt.Fprintln(os.Stderr, "missing or invalid --team or --email")
		return 2
	}
	if role != domain.RoleAdmin && role != domain.RoleMember {
		fmt.Fprintln(os.Stderr, "role must be admin or member")
		return 2
	}

	store, code := openStore(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	resolvedPepper, err := resolveServerPepper(ctx, store, pepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "team add-user error:", err)
		return 1
	}

	team, err := store.GetTeamBySlug(ctx, teamSlug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "team lookup:", err)
		return 1
	}

	plain, err := auth.GenerateSecretKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "generate secret key:", err)
		return 1
	}
	user, err := store.CreateTeamUser(ctx, team.ID, strings.ToLower(addr.Address), role,
		auth.HashSecretKey(plain, resolvedPepper))
	if err != nil {
		fmt.Fprintln(os.Stderr, "create user:", err)
		return 1
	}
	fmt.Println("id:", user.ID)
	fmt.Println("email:", user.Email)
	fmt.Println("role:", user.Role)
	fmt.Println("secret_key:", plain)
	return 0
}

func runTeamListUsers(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("team-list-users", flag.ContinueOnError)
	var dbPath, teamSlug string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&teamSlug, "team", "", "team slug")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	teamSlug = strings.ToLower(strings.TrimSpace(teamSlug))
	if teamSlug == "" {
		fmt.Fprintln(os.Stderr, "missing --team")
		return 2
	}

	store, code := openStore(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	team, err := store.GetTeamBySlug(ctx, teamSlug)
	if err != nil {
		fmt.Fprintln(os.Stderr, "team lookup:", err)
		return 1
	}
	users, _, err := store.ListTeamUsers(ctx, team.ID, 1000, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list users:", err)
		return 1
	}
	for _, u := range users {
		fmt.Printf("%s\t%s\t%s\tcreated=%s\n", u.ID, u.Email, u.Role, u.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return 0
}
