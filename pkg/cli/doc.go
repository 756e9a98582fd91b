// Package cli carries the client-side plumbing the deepmem command shares
// across subcommands: named server contexts persisted under ~/.deepmem,
// YAML/JSON rendering of results, request-file loading, terminal print
// helpers, and the building blocks of the queue watch dashboard.
//
// A typical command resolves its server through a context and renders the
// reply:
//
//	cfg, err := cli.LoadConfig()
//	ctx, err := cfg.ResolveContext("")
//	// ... call the server ...
//	cli.Output(result, cli.OutputOptions{Format: cli.FormatJSON})
package cli
