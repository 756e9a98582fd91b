package commands

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/deepmem/deepmem/pkg/cli"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "deepmem",
	Short: "Namespaced long-term memory for conversational agents",
	Long: `deepmem - a long-term memory service with hybrid retrieval.

The server ingests session transcripts, distills them into durable
memories, and serves them back through hybrid vector + graph retrieval.
The same binary is the server and its client.

Contexts hold server coordinates (URL, API key, default namespace) in
~/.deepmem/config.yaml, similar to kubectl. Flags override the
context, and DEEPMEM_SERVER / DEEPMEM_API_KEY / DEEPMEM_NAMESPACE
override both when the flags are unset.

Examples:
  # Run a server on local disk
  deepmem serve --config deepmem.yaml

  # Point the client at it
  deepmem context add dev --server http://localhost:8440 --api-key KEY
  deepmem context use dev

  # Ingest a transcript, then ask for context
  deepmem update --session s1 -f transcript.yaml
  deepmem retrieve "what does the user like?"

  # Watch the queue drain
  deepmem queue watch`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig caches the context file for the life of the process. Loading
// is deferred to first use so commands that need no config, like version,
// run even when HOME is unset.
var loadConfig = sync.OnceValues(cli.LoadConfig)

// GetConfig returns the CLI context configuration. Commands that mutate
// contexts share the same instance and persist with Save.
func GetConfig() (*cli.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config not available: %w", err)
	}
	return cfg, nil
}

// IsVerbose reports whether --verbose was given.
func IsVerbose() bool {
	return verbose
}
