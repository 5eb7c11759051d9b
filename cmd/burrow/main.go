package main

import (
	"os"

	"github.com/burrow-dev/burrow/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
