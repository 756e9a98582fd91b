// Package main is the entry point for the deepmem CLI.
//
// Usage:
//
//	deepmem [flags] <command> [subcommand] [args]
//
// Commands:
//
//	serve      - Run the memory server
//	retrieve   - Retrieve memory context for a piece of user input
//	update     - Ingest a session transcript into the memory index
//	forget     - Delete memories by session or by ID
//	queue      - Inspect and manage the durable task queues
//	context    - Manage server contexts (add, use, list, delete)
//	version    - Show version information
package main

import (
	"os"

	"github.com/deepmem/deepmem/cmd/deepmem/commands"
	"github.com/deepmem/deepmem/pkg/cli"
)

func main() {
	if err := commands.Execute(); err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}
