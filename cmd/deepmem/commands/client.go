package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/deepmem/deepmem/pkg/cli"
)

// Flags shared by all client commands (retrieve, update, forget, queue).
var (
	flagContext   string
	flagServer    string
	flagAPIKey    string
	flagNamespace string
	flagOutput    string
	flagJSON      bool
)

// addClientFlags registers the connection and output flags on a client
// command. Resolution order is flag, then DEEPMEM_* environment, then
// the active context.
func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&flagContext, "context", "c", "", "context name to use")
	cmd.PersistentFlags().StringVar(&flagServer, "server", "", "server base URL (overrides context)")
	cmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "API key (overrides context)")
	cmd.PersistentFlags().StringVarP(&flagNamespace, "namespace", "n", "", "namespace (overrides context)")
	cmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "", "output file (default: stdout)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output as JSON (for piping)")
}

// apiClient talks to one deepmem server.
type apiClient struct {
	base      string
	key       string
	namespace string
	http      *http.Client
}

// newClient resolves the server coordinates and builds a client.
func newClient() (*apiClient, error) {
	server := flagServer
	key := flagAPIKey
	ns := flagNamespace
	timeout := 30 * time.Second

	if server == "" {
		server = os.Getenv("DEEPMEM_SERVER")
	}
	if key == "" {
		key = os.Getenv("DEEPMEM_API_KEY")
	}
	if ns == "" {
		ns = os.Getenv("DEEPMEM_NAMESPACE")
	}

	if server == "" || key == "" || ns == "" || flagContext != "" {
		cfg, err := GetConfig()
		if err == nil {
			ctx, ctxErr := cfg.ResolveContext(flagContext)
			if ctxErr != nil && flagContext != "" {
				// An explicitly named context must exist.
				return nil, ctxErr
			}
			if ctxErr == nil {
				if server == "" {
					server = ctx.Server
				}
				if key == "" {
					key = ctx.APIKey
				}
				if ns == "" {
					ns = ctx.Namespace
				}
				if ctx.Timeout > 0 {
					timeout = time.Duration(ctx.Timeout) * time.Second
				}
			}
		}
	}

	if server == "" {
		return nil, fmt.Errorf("no server configured; use --server, DEEPMEM_SERVER, or 'deepmem context add'")
	}
	return &apiClient{
		base:      strings.TrimRight(server, "/"),
		key:       key,
		namespace: ns,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

// errorReply is the server's error envelope.
type errorReply struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do sends one JSON request and decodes the JSON reply into out (when
// non-nil). Non-2xx replies become errors built from the server's
// error envelope.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("x-api-key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er errorReply
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			if er.Message != "" {
				return fmt.Errorf("%s: %s (HTTP %d)", er.Error, er.Message, resp.StatusCode)
			}
			return fmt.Errorf("%s (HTTP %d)", er.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// dialEvents opens the queue event stream websocket.
func (c *apiClient) dialEvents(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/queue/events"

	header := http.Header{}
	if c.key != "" {
		header.Set("x-api-key", c.key)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", u.String(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return conn, nil
}

// ---------------------------------------------------------------------------
// Output helpers (shared by all client commands)
// ---------------------------------------------------------------------------

func outputResult(result any) error {
	format := cli.FormatYAML
	if flagJSON {
		format = cli.FormatJSON
	}
	return cli.Output(result, cli.OutputOptions{Format: format, File: flagOutput})
}

// machineOutput reports whether the result should go through the
// structured writer instead of the human renderer.
func machineOutput() bool {
	return flagJSON || flagOutput != ""
}

func printVerbose(format string, args ...any) {
	cli.PrintVerbose(IsVerbose(), format, args...)
}

func printSuccess(format string, args ...any) { cli.PrintSuccess(format, args...) }
func printInfo(format string, args ...any)    { cli.PrintInfo(format, args...) }

// splitComma splits a comma-separated string, trimming whitespace.
func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
