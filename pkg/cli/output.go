package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// OutputFormat selects how structured results render.
type OutputFormat string

const (
	// FormatYAML renders YAML, the default for terminals.
	FormatYAML OutputFormat = "yaml"
	// FormatJSON renders indented JSON, the default for piping.
	FormatJSON OutputFormat = "json"
)

// OutputOptions says where and how Output writes a result.
type OutputOptions struct {
	// Format picks the encoding, FormatYAML when empty.
	Format OutputFormat

	// File is the destination path, stdout when empty.
	File string

	// Indent overrides the two-space JSON indent.
	Indent string

	// Writer overrides File and stdout when set.
	Writer io.Writer
}

// Output renders result to the configured destination. When writing to a
// file the Close error is returned too, so a full disk is not reported as
// success.
func Output(result any, opts OutputOptions) error {
	if opts.Writer != nil {
		return render(opts.Writer, result, opts)
	}
	if opts.File == "" {
		return render(os.Stdout, result, opts)
	}
	f, err := os.Create(opts.File)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := render(f, result, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func render(w io.Writer, result any, opts OutputOptions) error {
	switch opts.Format {
	case FormatYAML, "":
		data, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("render output: %w", err)
		}
		_, err = w.Write(data)
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		indent := opts.Indent
		if indent == "" {
			indent = "  "
		}
		enc.SetIndent("", indent)
		return enc.Encode(result)
	default:
		return fmt.Errorf("unsupported output format %q", opts.Format)
	}
}

// Terminal print helpers. Status glyphs go to stdout, errors and verbose
// traces to stderr so piped output stays clean.

// PrintSuccess prints a success message with a checkmark.
func PrintSuccess(format string, args ...any) {
	fmt.Printf("✓ "+format+"\n", args...)
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

// PrintInfo prints an informational message.
func PrintInfo(format string, args ...any) {
	fmt.Printf("ℹ "+format+"\n", args...)
}

// PrintWarning prints a warning message.
func PrintWarning(format string, args ...any) {
	fmt.Printf("⚠ "+format+"\n", args...)
}

// PrintVerbose prints a trace line to stderr when verbose is on.
func PrintVerbose(verbose bool, format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}
