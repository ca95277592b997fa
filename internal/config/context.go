package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Context is the default target selected with `remex use`.
type Context struct {
	// Host is the default host alias or address.
	Host string `yaml:"host,omitempty"`
	// User overrides the SSH config user for the default host.
	User string `yaml:"user,omitempty"`
	// Port overrides the SSH config port for the default host.
	Port int `yaml:"port,omitempty"`
	// Sudo makes commands run through sudo by default.
	Sudo bool `yaml:"sudo,omitempty"`
	// UpdatedAt is when the context was last modified.
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// IsEmpty returns true if no default target is set.
func (c *Context) IsEmpty() bool {
	return c.Host == ""
}

// SetTarget selects a new default target and resets per-target options.
func (c *Context) SetTarget(host, user string, port int) {
	c.Host = host
	c.User = user
	c.Port = port
	c.Sudo = false
	c.UpdatedAt = time.Now()
}

// Clear removes the default target.
func (c *Context) Clear() {
	c.Host = ""
	c.User = ""
	c.Port = 0
	c.Sudo = false
	c.UpdatedAt = time.Now()
}

// String renders the target as user@host:port.
func (c *Context) String() string {
	if c.IsEmpty() {
		return "(none)"
	}
	target := c.Host
	if c.User != "" {
		target = c.User + "@" + target
	}
	if c.Port > 0 {
		target += ":" + strconv.Itoa(c.Port)
	}
	if c.Sudo {
		target += " (sudo)"
	}
	return target
}

// ContextStore manages loading and saving context.
type ContextStore struct {
	path string
	mu   sync.RWMutex
}

// NewContextStore creates a new context store.
// If path is empty, uses ~/.config/remex/context.yaml.
func NewContextStore(path string) *ContextStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "remex", "context.yaml")
	}
	return &ContextStore{path: path}
}

// Path returns the context file path.
func (s *ContextStore) Path() string {
	return s.path
}

// Load reads the context from disk.
// Returns an empty context if the file doesn't exist.
func (s *ContextStore) Load() (*Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := &Context{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ctx, nil
		}
		return nil, fmt.Errorf("failed to read context file: %w", err)
	}

	if err := yaml.Unmarshal(data, ctx); err != nil {
		return nil, fmt.Errorf("failed to parse context file: %w", err)
	}

	return ctx, nil
}

// Save writes the context to disk. The file is replaced atomically so a
// concurrent Load never sees a partial write.
func (s *ContextStore) Save(ctx *Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create context directory: %w", err)
	}

	data, err := yaml.Marshal(ctx)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".context-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write context file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write context file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace context file: %w", err)
	}
	return nil
}

// Clear removes the context file.
func (s *ContextStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove context file: %w", err)
	}
	return nil
}
