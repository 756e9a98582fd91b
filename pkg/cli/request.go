package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadRequest reads a YAML or JSON request file into v. The format follows
// the file extension; other extensions are sniffed.
func LoadRequest(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read request file: %w", err)
	}
	return ParseRequest(data, path, v)
}

// ParseRequest decodes request data into v. The filename only picks the
// decoder: .yaml and .yml force YAML, .json forces JSON, anything else
// tries YAML then JSON. YAML is tried first since valid JSON is valid
// YAML but not the other way around.
func ParseRequest(data []byte, filename string, v any) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse YAML: %w", err)
		}
		return nil
	case ".json":
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse JSON: %w", err)
		}
		return nil
	default:
		if yaml.Unmarshal(data, v) == nil {
			return nil
		}
		if json.Unmarshal(data, v) == nil {
			return nil
		}
		return fmt.Errorf("parse %s: not valid YAML or JSON", filepath.Base(filename))
	}
}
