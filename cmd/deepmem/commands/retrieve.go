package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deepmem/deepmem/pkg/cli"
	"github.com/deepmem/deepmem/pkg/recall"
)

var (
	retrieveSession  string
	retrieveEntities string
	retrieveTopics   string
	retrieveLimit    int
	retrieveFile     string
)

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [text]",
	Short: "Retrieve memory context for a piece of user input",
	Long: `Retrieve memories relevant to a piece of user input.

The text is matched semantically against the vector index; --entities
and --topics seed the graph relation signal on top, and the server
fuses both into one ranked list plus a ready-to-inject context block.

A full request can also be loaded from a YAML or JSON file with -f,
in which case the positional text is not needed.

Examples:
  deepmem retrieve "what does the user like for breakfast?"
  deepmem retrieve "plans next week" --entities alice --topics travel
  deepmem retrieve -f request.yaml --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req recall.Request
		if retrieveFile != "" {
			if err := cli.LoadRequest(retrieveFile, &req); err != nil {
				return err
			}
		}
		if len(args) > 0 {
			req.UserInput = args[0]
		}
		if req.UserInput == "" {
			return fmt.Errorf("user input is required: pass it as an argument or in the -f file")
		}
		if retrieveSession != "" {
			req.SessionID = retrieveSession
		}
		if retrieveEntities != "" {
			req.Entities = splitComma(retrieveEntities)
		}
		if retrieveTopics != "" {
			req.Topics = splitComma(retrieveTopics)
		}
		if retrieveLimit > 0 {
			req.MaxMemories = retrieveLimit
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		if req.Namespace == "" {
			req.Namespace = client.namespace
		}

		printVerbose("POST %s/retrieve_context namespace=%q", client.base, req.Namespace)
		var resp recall.Response
		if err := client.do(cmd.Context(), "POST", "/retrieve_context", &req, &resp); err != nil {
			return err
		}

		if machineOutput() {
			return outputResult(resp)
		}
		printRetrieval(&resp)
		return nil
	},
}

func printRetrieval(resp *recall.Response) {
	if len(resp.Entities) > 0 {
		fmt.Printf("Entities: %s\n", strings.Join(resp.Entities, ", "))
	}
	if len(resp.Topics) > 0 {
		fmt.Printf("Topics:   %s\n", strings.Join(resp.Topics, ", "))
	}
	if len(resp.Entities) > 0 || len(resp.Topics) > 0 {
		fmt.Println()
	}

	if len(resp.Memories) == 0 {
		fmt.Println("No memories found.")
		return
	}

	fmt.Printf("Memories (%d):\n", len(resp.Memories))
	for i, m := range resp.Memories {
		fmt.Printf("  %d. [%.3f] %s\n", i+1, m.Relevance, m.Content)
		details := []string{}
		if m.Kind != "" {
			details = append(details, "kind="+m.Kind)
		}
		if m.Subject != "" {
			details = append(details, "subject="+m.Subject)
		}
		if len(m.Sources) > 0 {
			details = append(details, "sources="+strings.Join(m.Sources, "+"))
		}
		if len(details) > 0 {
			fmt.Printf("     %s\n", strings.Join(details, " "))
		}
	}

	if resp.Context != "" {
		fmt.Printf("\nContext block:\n%s\n", resp.Context)
	}
}

func init() {
	addClientFlags(retrieveCmd)
	retrieveCmd.Flags().StringVar(&retrieveSession, "session", "", "session ID (scopes the response cache)")
	retrieveCmd.Flags().StringVar(&retrieveEntities, "entities", "", "comma-separated entities for the graph signal")
	retrieveCmd.Flags().StringVar(&retrieveTopics, "topics", "", "comma-separated topics for the graph signal")
	retrieveCmd.Flags().IntVar(&retrieveLimit, "limit", 0, "max memories to return (server default when 0)")
	retrieveCmd.Flags().StringVarP(&retrieveFile, "file", "f", "", "request file (YAML or JSON)")

	rootCmd.AddCommand(retrieveCmd)
}
