package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deepmem/deepmem/pkg/cli"
)

var contextCmd = &cobra.Command{
	Use:     "context",
	Aliases: []string{"ctx"},
	Short:   "Manage server contexts",
	Long: `Manage named server contexts.

A context bundles a server URL, an API key, and an optional default
namespace, so client commands need no flags once one is active.

Examples:
  deepmem context add dev --server http://localhost:8440 --api-key KEY
  deepmem context add prod --server https://memory.example.com --api-key KEY --namespace acme
  deepmem context use dev
  deepmem context list
  deepmem context show prod
  deepmem context delete dev`,
}

var (
	ctxAddServer    string
	ctxAddAPIKey    string
	ctxAddNamespace string
	ctxAddTimeout   int
)

var contextListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		names := cfg.ListContexts()
		if len(names) == 0 {
			fmt.Println("No contexts configured.")
			fmt.Println("Create one with: deepmem context add <name> --server <url> --api-key <key>")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tSERVER\tNAMESPACE\tAPI KEY")
		for _, name := range names {
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			ctx := cfg.Contexts[name]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				current, name, ctx.Server, ctx.Namespace, cli.MaskAPIKey(ctx.APIKey))
		}
		w.Flush()
		return nil
	},
}

var contextAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create or replace a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := args[0]
		if ctxAddServer == "" {
			return fmt.Errorf("--server is required")
		}

		err = cfg.AddContext(name, &cli.Context{
			Server:    ctxAddServer,
			APIKey:    ctxAddAPIKey,
			Namespace: ctxAddNamespace,
			Timeout:   ctxAddTimeout,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Context %q saved.\n", name)
		if cfg.CurrentContext == "" {
			fmt.Printf("Activate it with: deepmem context use %s\n", name)
		}
		return nil
	},
}

var contextUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the current context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		fmt.Printf("Switched to context %q.\n", args[0])
		return nil
	},
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		fmt.Printf("Context %q deleted.\n", args[0])
		return nil
	},
}

var contextCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Display the current context name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Println("No current context set.")
			return nil
		}
		fmt.Println(cfg.CurrentContext)
		return nil
	},
}

var contextShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show a context (current when name is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		name := ""
		if len(args) > 0 {
			name = args[0]
		}
		ctx, err := cfg.ResolveContext(name)
		if err != nil {
			return err
		}

		fmt.Printf("name:      %s\n", ctx.Name)
		fmt.Printf("server:    %s\n", ctx.Server)
		fmt.Printf("api_key:   %s\n", cli.MaskAPIKey(ctx.APIKey))
		if ctx.Namespace != "" {
			fmt.Printf("namespace: %s\n", ctx.Namespace)
		}
		if ctx.Timeout > 0 {
			fmt.Printf("timeout:   %ds\n", ctx.Timeout)
		}
		return nil
	},
}

func init() {
	contextAddCmd.Flags().StringVar(&ctxAddServer, "server", "", "server base URL (required)")
	contextAddCmd.Flags().StringVar(&ctxAddAPIKey, "api-key", "", "API key sent as x-api-key")
	contextAddCmd.Flags().StringVar(&ctxAddNamespace, "namespace", "", "default namespace for requests")
	contextAddCmd.Flags().IntVar(&ctxAddTimeout, "timeout", 0, "request timeout in seconds")

	contextCmd.AddCommand(contextListCmd)
	contextCmd.AddCommand(contextAddCmd)
	contextCmd.AddCommand(contextUseCmd)
	contextCmd.AddCommand(contextDeleteCmd)
	contextCmd.AddCommand(contextCurrentCmd)
	contextCmd.AddCommand(contextShowCmd)

	rootCmd.AddCommand(contextCmd)
}
