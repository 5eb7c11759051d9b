// Package cli parses arguments and dispatches to the server and client
// entry points, returning process exit codes.
package cli

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "http":
		return runHTTP(ctx, args[1:])
	case "tcp":
		return runTCP(ctx, args[1:])
	case "start":
		return runStart(ctx, args[1:])
	case "auth":
		return runAuth(args[1:])
	case "server":
		return runServer(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		return unknownCommand(args[0])
	}
}
