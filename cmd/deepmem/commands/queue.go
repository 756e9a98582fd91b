package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/deepmem/deepmem/pkg/cli"
	"github.com/deepmem/deepmem/pkg/queue"
)

var (
	queueForget bool

	queueFailedKey   string
	queueFailedLimit int

	queueRetryAll    bool
	queueRetryKey    string
	queueRetryLimit  int
	queueRetryDryRun bool

	watchJQ  string
	watchTUI bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the durable task queues",
	Long: `Inspect and manage the update and forget queues.

All subcommands target the update queue; --forget switches them to the
forget queue. The failed archive holds tasks that exhausted their
retries, with transcripts stripped.

Examples:
  deepmem queue stats
  deepmem queue failed
  deepmem queue retry 3f2a9c1b-1724000000000-a1b2.json
  deepmem queue retry --all --dry-run
  deepmem queue archive
  deepmem queue watch --tui`,
}

// queuePath prefixes an admin path with the selected queue's mount.
func queuePath(suffix string) string {
	if queueForget {
		return "/queue/forget" + suffix
	}
	return "/queue" + suffix
}

// ---------------------------------------------------------------------------
// stats
// ---------------------------------------------------------------------------

type queueStatsReply struct {
	Queue string      `json:"queue"`
	Stats queue.Stats `json:"stats"`
	Depth queue.Depth `json:"depth"`
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth and worker activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		var reply queueStatsReply
		if err := client.do(cmd.Context(), "GET", queuePath("/stats"), nil, &reply); err != nil {
			return err
		}
		if machineOutput() {
			return outputResult(reply)
		}

		fmt.Printf("queue:    %s\n", reply.Queue)
		fmt.Printf("pending:  %d (approx %d keys)\n", reply.Depth.Pending, reply.Stats.PendingApprox)
		fmt.Printf("inflight: %d (%d active workers)\n", reply.Depth.Inflight, reply.Stats.Active)
		fmt.Printf("done:     %d\n", reply.Depth.Done)
		fmt.Printf("failed:   %d\n", reply.Depth.Failed)
		oldest := reply.Stats.OldestPendingAt.Time()
		if !oldest.IsZero() {
			fmt.Printf("oldest:   waiting %s\n", cli.FormatDuration(time.Since(oldest)))
		}
		return nil
	},
}

// ---------------------------------------------------------------------------
// failed / retry / export / archive / delete
// ---------------------------------------------------------------------------

type failedListReply struct {
	Count int                `json:"count"`
	Tasks []queue.FailedTask `json:"tasks"`
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List the failed-task archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		path := queuePath("/failed")
		params := []string{}
		if queueFailedKey != "" {
			params = append(params, "key="+queueFailedKey)
		}
		if queueFailedLimit > 0 {
			params = append(params, "limit="+strconv.Itoa(queueFailedLimit))
		}
		if len(params) > 0 {
			path += "?" + strings.Join(params, "&")
		}

		var reply failedListReply
		if err := client.do(cmd.Context(), "GET", path, nil, &reply); err != nil {
			return err
		}
		if machineOutput() {
			return outputResult(reply)
		}
		if reply.Count == 0 {
			fmt.Println("Failed archive is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tKEY\tKIND\tATTEMPTS\tLAST ERROR")
		for _, ft := range reply.Tasks {
			errText := ft.Task.LastError
			if len(errText) > 60 {
				errText = errText[:59] + "…"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				ft.File, ft.Task.Key, ft.Task.Kind, ft.Task.Attempt, errText)
		}
		w.Flush()
		return nil
	},
}

type retryCall struct {
	File   string `json:"file,omitempty"`
	Key    string `json:"key,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [file]",
	Short: "Requeue failed tasks",
	Long: `Requeue tasks from the failed archive.

Pass a file name to retry one task, or --all to sweep the archive
(optionally scoped with --key and capped with --limit). --dry-run
reports what a sweep would touch without moving anything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		call := retryCall{Key: queueRetryKey, Limit: queueRetryLimit, DryRun: queueRetryDryRun}
		if len(args) > 0 {
			call.File = args[0]
		}
		if call.File == "" && !queueRetryAll {
			return fmt.Errorf("pass a file name or --all")
		}
		if call.File != "" && queueRetryAll {
			return fmt.Errorf("a file name and --all are mutually exclusive")
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		var report queue.RetryReport
		if err := client.do(cmd.Context(), "POST", queuePath("/failed/retry"), &call, &report); err != nil {
			return err
		}
		if machineOutput() {
			return outputResult(report)
		}

		if call.DryRun {
			printInfo("dry run: %d task(s) would be retried", report.Scanned)
		} else {
			printSuccess("retried %d of %d task(s)", report.Retried, report.Scanned)
		}
		for _, f := range report.Files {
			fmt.Printf("  %s\n", f)
		}
		for _, e := range report.Errors {
			cli.PrintWarning("%s", e)
		}
		return nil
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Dump one failed task as stored on disk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		var export queue.Export
		path := queuePath("/failed/export") + "?file=" + args[0]
		if err := client.do(cmd.Context(), "GET", path, nil, &export); err != nil {
			return err
		}
		return outputResult(export)
	},
}

var queueArchiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Snapshot the failed archive to the export store",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		var reply struct {
			Status string `json:"status"`
			Path   string `json:"path"`
			Count  int    `json:"count"`
		}
		if err := client.do(cmd.Context(), "POST", queuePath("/failed/archive"), nil, &reply); err != nil {
			return err
		}
		if machineOutput() {
			return outputResult(reply)
		}
		printSuccess("archived %d task(s) to %s", reply.Count, reply.Path)
		return nil
	},
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <file>",
	Short: "Drop one task from the failed archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.do(cmd.Context(), "DELETE", queuePath("/failed/")+args[0], nil, nil); err != nil {
			return err
		}
		printSuccess("deleted %s", args[0])
		return nil
	},
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

// watchEvent is a queue.Event tagged with its queue name, as streamed
// by /queue/events.
type watchEvent struct {
	Queue string `json:"queue"`
	queue.Event
}

// Event colors for the line tail. Primary and dim come from the shared
// theme; the outcome colors are local.
var (
	watchStyleDim   = lipgloss.NewStyle().Foreground(cli.DefaultTheme.Dim)
	watchStyleDone  = lipgloss.NewStyle().Foreground(cli.DefaultTheme.Primary)
	watchStyleFail  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
	watchStyleRetry = lipgloss.NewStyle().Foreground(lipgloss.Color("#f5c542"))
)

var queueWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail queue events live",
	Long: `Stream task transitions from both queues over a websocket.

Each event is printed as one line. --jq filters and reshapes events
with a jq expression over the raw JSON; --tui renders a live dashboard
instead of scrolling lines.

Examples:
  deepmem queue watch
  deepmem queue watch --jq 'select(.type == "failed")'
  deepmem queue watch --jq '.key'
  deepmem queue watch --tui`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		var query *gojq.Query
		if watchJQ != "" {
			query, err = gojq.Parse(watchJQ)
			if err != nil {
				return fmt.Errorf("parse --jq expression: %w", err)
			}
		}

		conn, err := client.dialEvents(cmd.Context())
		if err != nil {
			return err
		}
		defer conn.Close()

		if !watchTUI {
			printInfo("watching %s (ctrl-c to stop)", client.base)
		}

		var dash *watchDashboard
		if watchTUI {
			dash = newWatchDashboard(client.base)
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if cmd.Context().Err() != nil {
					return nil
				}
				return fmt.Errorf("event stream closed: %w", err)
			}

			if query != nil {
				if err := emitJQ(query, raw); err != nil {
					return err
				}
				continue
			}

			var ev watchEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				cli.PrintWarning("undecodable event: %v", err)
				continue
			}
			if dash != nil {
				dash.observe(ev)
				continue
			}
			fmt.Println(formatWatchLine(ev))
		}
	},
}

// emitJQ runs the jq query over one raw event and prints every output
// as a JSON line. Queries acting as filters produce no output for
// non-matching events.
func emitJQ(query *gojq.Query, raw []byte) error {
	var input any
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			cli.PrintWarning("jq: %v", err)
			continue
		}
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode jq output: %w", err)
		}
		fmt.Println(string(out))
	}
	return nil
}

func formatWatchLine(ev watchEvent) string {
	style := watchStyleDim
	switch ev.Type {
	case queue.EventDone, queue.EventEnqueued:
		style = watchStyleDone
	case queue.EventFailed:
		style = watchStyleFail
	case queue.EventRetry, queue.EventSuperseded, queue.EventCancelled:
		style = watchStyleRetry
	}

	line := fmt.Sprintf("%s %s %-10s %s",
		watchStyleDim.Render(ev.At.Format("15:04:05")),
		watchStyleDim.Render(ev.Queue),
		style.Render(ev.Type),
		ev.Key)
	if ev.Attempt > 1 {
		line += watchStyleDim.Render(fmt.Sprintf(" attempt=%d", ev.Attempt))
	}
	if ev.Error != "" {
		line += " " + watchStyleFail.Render(ev.Error)
	}
	return line
}

// watchDashboard is the --tui renderer: a framed pane with per-type
// counters and the recent event tail, redrawn on every event.
type watchDashboard struct {
	frame  cli.Frame
	lines  *cli.LogWriter
	counts map[string]int
	order  []string
	width  int
	height int
}

func newWatchDashboard(server string) *watchDashboard {
	d := &watchDashboard{
		lines:  cli.NewLogWriter(256),
		counts: make(map[string]int),
		order: []string{
			queue.EventEnqueued, queue.EventStarted, queue.EventDone,
			queue.EventRetry, queue.EventFailed, queue.EventCancelled,
		},
		width:  envDimension("COLUMNS", 100),
		height: envDimension("LINES", 30),
	}
	d.frame = cli.Frame{
		Styles: cli.NewStyles(cli.DefaultTheme),
		Title:  "deepmem queue watch",
		Status: server,
		Help:   "ctrl-c to stop",
		Sections: []cli.Section{
			{Label: "Totals", Content: d.totals},
			{Label: "Events", Content: d.lines.Lines},
		},
	}
	d.render()
	return d
}

func (d *watchDashboard) observe(ev watchEvent) {
	d.counts[ev.Type]++
	fmt.Fprintln(d.lines, formatWatchLine(ev))
	d.render()
}

func (d *watchDashboard) totals() []string {
	parts := make([]string, 0, len(d.order))
	for _, typ := range d.order {
		parts = append(parts, fmt.Sprintf("%s=%d", typ, d.counts[typ]))
	}
	return []string{strings.Join(parts, "  ")}
}

func (d *watchDashboard) render() {
	// Home the cursor and clear before redrawing the frame in place.
	fmt.Print("\033[H\033[2J")
	fmt.Println(d.frame.Render(d.width, d.height-1))
}

func envDimension(name string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(name)); err == nil && v > 10 {
		return v
	}
	return fallback
}

func init() {
	addClientFlags(queueCmd)
	queueCmd.PersistentFlags().BoolVar(&queueForget, "forget", false, "target the forget queue instead of the update queue")

	queueFailedCmd.Flags().StringVar(&queueFailedKey, "key", "", "only tasks for this key (ns::session)")
	queueFailedCmd.Flags().IntVar(&queueFailedLimit, "limit", 0, "max tasks to list")

	queueRetryCmd.Flags().BoolVar(&queueRetryAll, "all", false, "retry every archived task")
	queueRetryCmd.Flags().StringVar(&queueRetryKey, "key", "", "scope --all to this key")
	queueRetryCmd.Flags().IntVar(&queueRetryLimit, "limit", 0, "cap how many tasks --all touches")
	queueRetryCmd.Flags().BoolVar(&queueRetryDryRun, "dry-run", false, "report without requeueing")

	queueWatchCmd.Flags().StringVar(&watchJQ, "jq", "", "filter events with a jq expression")
	queueWatchCmd.Flags().BoolVar(&watchTUI, "tui", false, "render a live dashboard instead of lines")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueArchiveCmd)
	queueCmd.AddCommand(queueDeleteCmd)
	queueCmd.AddCommand(queueWatchCmd)

	rootCmd.AddCommand(queueCmd)
}
