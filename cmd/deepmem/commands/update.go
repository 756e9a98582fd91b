package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/cli"
)

var (
	updateSession string
	updateFile    string
	updateSync    bool
)

// updateCall mirrors the update_memory_index request body.
type updateCall struct {
	Namespace string            `json:"namespace,omitempty"`
	SessionID string            `json:"session_id"`
	Messages  []analyze.Message `json:"messages"`
	Async     *bool             `json:"async,omitempty"`
}

// updateReply mirrors the update_memory_index response body.
type updateReply struct {
	Status           string `json:"status"`
	MemoriesAdded    int    `json:"memories_added"`
	MemoriesFiltered int    `json:"memories_filtered"`
	Error            string `json:"error,omitempty"`
	Degraded         *struct {
		Mode         string `json:"mode"`
		NotBeforeMs  int64  `json:"not_before_ms,omitempty"`
		DelaySeconds int    `json:"delay_seconds,omitempty"`
	} `json:"degraded,omitempty"`
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Ingest a session transcript into the memory index",
	Long: `Send a session transcript to the server for ingestion.

The transcript file is a YAML or JSON list of {role, content} messages
(optionally wrapped in a top-level "messages" key). "-" reads it from
stdin. By default the server queues the transcript and returns
immediately; --sync runs the pipeline inline and reports what was
written.

Replays are free: the server skips transcripts it has already ingested
for the session.

Examples:
  deepmem update --session s1 -f transcript.yaml
  deepmem update --session s1 -f transcript.yaml --sync
  some-exporter | deepmem update --session s1 -f -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if updateSession == "" {
			return fmt.Errorf("--session is required")
		}
		if updateFile == "" {
			return fmt.Errorf("transcript file is required, use -f (or '-f -' for stdin)")
		}

		messages, size, err := loadTranscript(updateFile)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return fmt.Errorf("transcript has no messages")
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		call := updateCall{
			Namespace: client.namespace,
			SessionID: updateSession,
			Messages:  messages,
		}
		if updateSync {
			sync := false
			call.Async = &sync
		}

		printVerbose("POST %s/update_memory_index session=%q messages=%d size=%s sync=%v",
			client.base, updateSession, len(messages), cli.FormatBytes(int64(size)), updateSync)
		var reply updateReply
		if err := client.do(cmd.Context(), "POST", "/update_memory_index", &call, &reply); err != nil {
			return err
		}

		if machineOutput() {
			return outputResult(reply)
		}

		switch reply.Status {
		case "processed":
			printSuccess("processed: %d added, %d filtered", reply.MemoriesAdded, reply.MemoriesFiltered)
		case "queued":
			if reply.Degraded != nil {
				printInfo("queued (delayed %ds, backlog shedding)", reply.Degraded.DelaySeconds)
			} else {
				printSuccess("queued")
			}
		case "skipped":
			reason := reply.Error
			if reason == "" {
				reason = "already ingested"
			}
			printInfo("skipped: %s", reason)
		case "error":
			return fmt.Errorf("update failed: %s", reply.Error)
		default:
			printInfo("%s", reply.Status)
		}
		return nil
	},
}

// loadTranscript reads messages from path ("-" for stdin), accepting
// either a bare message list or a {messages: [...]} wrapper. The returned
// size is the raw payload size in bytes.
func loadTranscript(path string) ([]analyze.Message, int, error) {
	var data []byte
	var err error
	name := path
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		name = "stdin.yaml"
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read transcript: %w", err)
	}

	var bare []analyze.Message
	if err := cli.ParseRequest(data, name, &bare); err == nil && len(bare) > 0 {
		return bare, len(data), nil
	}
	var wrapper struct {
		Messages []analyze.Message `yaml:"messages" json:"messages"`
	}
	if err := cli.ParseRequest(data, name, &wrapper); err != nil {
		return nil, 0, fmt.Errorf("parse transcript: %w", err)
	}
	return wrapper.Messages, len(data), nil
}

func init() {
	addClientFlags(updateCmd)
	updateCmd.Flags().StringVar(&updateSession, "session", "", "session ID (required)")
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "transcript file (YAML or JSON, '-' for stdin)")
	updateCmd.Flags().BoolVar(&updateSync, "sync", false, "process inline instead of queueing")

	rootCmd.AddCommand(updateCmd)
}
