// Command outboxd runs the local-first sync daemon and its operator tools.
package main

import (
	"context"
	"os"

	"github.com/roach88/outboxd/internal/cli"
)

func main() {
	os.Exit(cli.Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
