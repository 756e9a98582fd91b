package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	forgetSession string
	forgetIDs     string
	forgetDryRun  bool
	forgetAsync   bool
)

// forgetCall mirrors the forget request body.
type forgetCall struct {
	Namespace string   `json:"namespace,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	MemoryIDs []string `json:"memory_ids,omitempty"`
	DryRun    bool     `json:"dry_run,omitempty"`
	Async     bool     `json:"async,omitempty"`
}

// forgetReply mirrors the forget response body.
type forgetReply struct {
	Status        string `json:"status"`
	Namespace     string `json:"namespace"`
	RequestID     string `json:"request_id"`
	Deleted       *int   `json:"deleted,omitempty"`
	DeleteIDs     int    `json:"delete_ids,omitempty"`
	DeleteSession string `json:"delete_session,omitempty"`
	Results       *struct {
		Vector storeOutcome `json:"qdrant"`
		Graph  storeOutcome `json:"neo4j"`
		Queue  struct {
			OK        bool   `json:"ok"`
			Cancelled int    `json:"cancelled,omitempty"`
			Error     string `json:"error,omitempty"`
		} `json:"queue"`
	} `json:"results,omitempty"`
}

type storeOutcome struct {
	BySession *int   `json:"bySession,omitempty"`
	ByIDs     *int   `json:"byIds,omitempty"`
	Error     string `json:"error,omitempty"`
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete memories by session or by ID",
	Long: `Delete memories from both the vector index and the graph.

Scope the delete with --session (everything a session wrote) or --ids
(specific memory IDs); at least one is required. --dry-run reports the
scope without deleting, and --async queues the delete instead of
running it inline. Every call lands in the server's audit trail.

Examples:
  deepmem forget --session s1
  deepmem forget --ids mem_a1b2,mem_c3d4
  deepmem forget --session s1 --dry-run
  deepmem forget --session s1 --async`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := splitComma(forgetIDs)
		if forgetSession == "" && len(ids) == 0 {
			return fmt.Errorf("a scope is required: --session or --ids")
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		call := forgetCall{
			Namespace: client.namespace,
			SessionID: forgetSession,
			MemoryIDs: ids,
			DryRun:    forgetDryRun,
			Async:     forgetAsync,
		}

		printVerbose("POST %s/forget session=%q ids=%d dry_run=%v async=%v",
			client.base, forgetSession, len(ids), forgetDryRun, forgetAsync)
		var reply forgetReply
		if err := client.do(cmd.Context(), "POST", "/forget", &call, &reply); err != nil {
			return err
		}

		if machineOutput() {
			return outputResult(reply)
		}

		switch reply.Status {
		case "dry_run":
			scope := describeScope(reply.DeleteSession, reply.DeleteIDs)
			printInfo("dry run: would delete %s (request %s)", scope, reply.RequestID)
		case "queued":
			printSuccess("queued (request %s)", reply.RequestID)
		default:
			deleted := 0
			if reply.Deleted != nil {
				deleted = *reply.Deleted
			}
			printSuccess("deleted %d memories (request %s)", deleted, reply.RequestID)
			if reply.Results != nil && reply.Results.Queue.Cancelled > 0 {
				printInfo("cancelled %d pending update task(s)", reply.Results.Queue.Cancelled)
			}
		}
		return nil
	},
}

func describeScope(session string, idCount int) string {
	switch {
	case session != "" && idCount > 0:
		return fmt.Sprintf("session %q plus %d id(s)", session, idCount)
	case session != "":
		return fmt.Sprintf("session %q", session)
	default:
		return fmt.Sprintf("%d id(s)", idCount)
	}
}

func init() {
	addClientFlags(forgetCmd)
	forgetCmd.Flags().StringVar(&forgetSession, "session", "", "delete everything this session wrote")
	forgetCmd.Flags().StringVar(&forgetIDs, "ids", "", "comma-separated memory IDs to delete")
	forgetCmd.Flags().BoolVar(&forgetDryRun, "dry-run", false, "report the scope without deleting")
	forgetCmd.Flags().BoolVar(&forgetAsync, "async", false, "queue the delete instead of running inline")

	rootCmd.AddCommand(forgetCmd)
}
