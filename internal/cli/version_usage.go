package cli

import (
	"fmt"
	"os"
)

func printUsage() {
	fmt.Println(`burrow - multi-protocol tunnel relay

Expose local HTTP and TCP ports through your own relay server.

Usage:
  burrow http <port>                    Expose a local HTTP port (random subdomain)
  burrow http --subdomain=myapp <port>  Expose with a named subdomain
  burrow http --password=s3cret <port>  Require Basic auth from public visitors
  burrow tcp <port>                     Expose a local TCP port
  burrow start [-config burrow.yaml]    Start every tunnel from a YAML config
  burrow auth set --server URL --secret-key KEY [--team SLUG]
                                        Save tunnel credentials
  burrow auth show                      Show saved credentials
  burrow server                         Start the relay server
  burrow server team create --name NAME --slug SLUG
  burrow server team add-user --team SLUG --email EMAIL [--role admin]
  burrow server team list-users --team SLUG
  burrow version                        Print version
  burrow help                           Show this help

Quick Start:
  1. burrow server --domain tunnels.example.com     # start relay
  2. burrow server team create --name Acme --slug acme
  3. burrow server team add-user --team acme --email dev@acme.test --role admin
  4. burrow auth set --server https://tunnels.example.com --secret-key KEY --team acme
  5. burrow http 3000                               # expose local port

Environment Variables:
  BURROW_SERVER_URL       Relay server URL
  BURROW_SECRET_KEY       Team user secret key
  BURROW_TEAM             Team slug
  BURROW_PASSWORD         Public visitor password for this tunnel session
  BURROW_DOMAIN           Relay public base domain (server)
  BURROW_DB_PATH          SQLite database path (default: ./burrow.db)
  BURROW_LOG_LEVEL        Log level: debug|info|warn|error (default: info)
  BURROW_INSPECTOR        Capture HTTP traffic for the inspector (default: true)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func printVersion() {
	fmt.Println("burrow", Version)
}

func unknownCommand(name string) int {
	fmt.Fprintln(os.Stderr, "unknown command:", name)
	printUsage()
	return 2
}
