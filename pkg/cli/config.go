package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

// Client configuration lives in one YAML file under the user's home
// directory. It holds named contexts, kubectl style, so switching between a
// local server and production is one command.
const (
	configDirName  = ".deepmem"
	configFileName = "config.yaml"
)

// Config is the on-disk client configuration.
type Config struct {
	// CurrentContext names the context used when none is given.
	CurrentContext string `yaml:"current_context,omitempty"`

	// Contexts maps context name to its settings.
	Contexts map[string]*Context `yaml:"contexts,omitempty"`

	path string
}

// Context bundles the coordinates of one server.
type Context struct {
	Name string `yaml:"name"`

	// Server is the base URL, e.g. http://localhost:8440.
	Server string `yaml:"server,omitempty"`

	// APIKey is sent as x-api-key on every request.
	APIKey string `yaml:"api_key,omitempty"`

	// Namespace is the default namespace for requests.
	Namespace string `yaml:"namespace,omitempty"`

	// Timeout is the request timeout in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

// DefaultConfigPath returns ~/.deepmem/config.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, configDirName, configFileName), nil
}

// LoadConfig reads the configuration from the default path. A missing file
// is not an error, it yields an empty configuration; nothing is written
// until the first Save.
func LoadConfig() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfigAt(path)
}

// LoadConfigAt reads the configuration from an explicit path.
func LoadConfigAt(path string) (*Config, error) {
	cfg := &Config{
		Contexts: make(map[string]*Context),
		path:     path,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	cfg.path = path
	return cfg, nil
}

// Save writes the configuration, creating its directory if needed. The file
// is written 0600 since it holds API keys.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// AddContext stores ctx under name, replacing any previous entry, and
// saves.
func (c *Config) AddContext(name string, ctx *Context) error {
	ctx.Name = name
	c.Contexts[name] = ctx
	return c.Save()
}

// DeleteContext removes the named context and saves. Deleting the current
// context clears the selection.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext makes name the current context and saves.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return c.Save()
}

// GetContext returns the named context.
func (c *Config) GetContext(name string) (*Context, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// GetCurrentContext returns the current context.
func (c *Config) GetCurrentContext() (*Context, error) {
	if c.CurrentContext == "" {
		return nil, fmt.Errorf("no current context, set one with 'context use'")
	}
	return c.GetContext(c.CurrentContext)
}

// ResolveContext returns the named context, or the current one when name is
// empty.
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name == "" {
		return c.GetCurrentContext()
	}
	return c.GetContext(name)
}

// ListContexts returns all context names, sorted.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaskAPIKey hides the middle of a key for display, keeping enough of the
// ends to tell keys apart.
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
