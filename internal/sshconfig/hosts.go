package sshconfig

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// DefaultPort is used when neither the caller nor the config sets one.
const DefaultPort = 22

// DefaultConfigPath is the per-user OpenSSH client config.
const DefaultConfigPath = "~/.ssh/config"

// HostConfig is the resolved connection settings for one host alias.
type HostConfig struct {
	Alias         string
	HostName      string
	Port          int
	User          string
	IdentityFiles []string
	ProxyJump     string
	ProxyCommand  string
	ControlPath   string
	ForwardAgent  *bool
}

// PortOrDefault returns Port, or 22 when unset.
func (c HostConfig) PortOrDefault() int {
	if c.Port > 0 {
		return c.Port
	}
	return DefaultPort
}

// Addr returns host:port for dialing.
func (c HostConfig) Addr() string {
	return net.JoinHostPort(c.HostName, strconv.Itoa(c.PortOrDefault()))
}

// OverriddenBy returns a copy of c where every set field of other wins.
func (c HostConfig) OverriddenBy(other HostConfig) HostConfig {
	out := c
	if other.Alias != "" {
		out.Alias = other.Alias
	}
	if other.HostName != "" {
		out.HostName = other.HostName
	}
	if other.Port > 0 {
		out.Port = other.Port
	}
	if other.User != "" {
		out.User = other.User
	}
	if len(other.IdentityFiles) > 0 {
		out.IdentityFiles = append([]string(nil), other.IdentityFiles...)
	} else {
		out.IdentityFiles = append([]string(nil), c.IdentityFiles...)
	}
	if other.ProxyJump != "" {
		out.ProxyJump = other.ProxyJump
	}
	if other.ProxyCommand != "" {
		out.ProxyCommand = other.ProxyCommand
	}
	if other.ControlPath != "" {
		out.ControlPath = other.ControlPath
	}
	if other.ForwardAgent != nil {
		v := *other.ForwardAgent
		out.ForwardAgent = &v
	}
	return out
}

// Hosts maps host aliases to resolved settings. Entries set explicitly
// win; unknown aliases are resolved from the backing File, if any.
type Hosts struct {
	mu      sync.RWMutex
	file    *File
	entries map[string]HostConfig
}

// NewHosts returns Hosts backed by file (which may be nil).
func NewHosts(file *File) *Hosts {
	return &Hosts{file: file, entries: make(map[string]HostConfig)}
}

// Set registers cfg under alias.
func (h *Hosts) Set(alias string, cfg HostConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cfg.Alias == "" {
		cfg.Alias = alias
	}
	if cfg.HostName == "" {
		cfg.HostName = alias
	}
	h.entries[alias] = cfg
}

// Has reports whether alias was set explicitly.
func (h *Hosts) Has(alias string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.entries[alias]
	return ok
}

// Get resolves alias. It also accepts ProxyJump values: "user@host:port"
// overrides the resolved user and port, and a comma separated jump list
// resolves to its last hop with ProxyJump set to the rest of the list.
func (h *Hosts) Get(alias string) HostConfig {
	jumps := ParseProxyJumpList(alias)
	if len(jumps) > 1 {
		last := h.Get(jumps[len(jumps)-1])
		last.ProxyJump = strings.Join(jumps[:len(jumps)-1], ",")
		return last
	}

	h.mu.RLock()
	cfg, ok := h.entries[alias]
	h.mu.RUnlock()
	if ok {
		return cfg.OverriddenBy(HostConfig{})
	}

	user, host, port := ParseTarget(alias)
	if host != alias {
		base := h.Get(host)
		return base.OverriddenBy(HostConfig{Alias: alias, User: user, Port: port})
	}

	if h.file != nil {
		return h.file.Resolve(alias)
	}
	return HostConfig{Alias: alias, HostName: alias}
}

// Clone returns an independent copy sharing the same backing File.
func (h *Hosts) Clone() *Hosts {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := NewHosts(h.file)
	for k, v := range h.entries {
		out.entries[k] = v
	}
	return out
}

// ParseTarget splits "user@host:port". Missing parts are empty or zero.
func ParseTarget(target string) (user, host string, port int) {
	host = target
	if at := strings.LastIndex(host, "@"); at >= 0 {
		user = host[:at]
		host = host[at+1:]
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return user, h, n
		}
	}
	return user, host, 0
}

// NormalizeProxyJump canonicalizes a ProxyJump value; "none" yields "".
func NormalizeProxyJump(value string) string {
	jumps := ParseProxyJumpList(value)
	if len(jumps) == 0 {
		return ""
	}
	return strings.Join(jumps, ",")
}

// ParseProxyJumpList splits a comma separated jump list.
func ParseProxyJumpList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || strings.EqualFold(trimmed, "none") {
		return nil
	}

	parts := strings.Split(trimmed, ",")
	jumps := make([]string, 0, len(parts))
	for _, part := range parts {
		jump := strings.TrimSpace(part)
		if jump == "" {
			continue
		}
		if strings.EqualFold(jump, "none") {
			return nil
		}
		jumps = append(jumps, jump)
	}
	return jumps
}

// ParseFor builds Hosts from source and pins the requested aliases plus
// every ProxyJump target they reach. source may be a config file path, a
// *File, the dict form, an existing *Hosts (cloned), or nil for the
// default config file.
func ParseFor(source any, aliases ...string) (*Hosts, error) {
	var hosts *Hosts
	switch src := source.(type) {
	case nil:
		file, err := LoadFile(DefaultConfigPath)
		if err != nil {
			return nil, err
		}
		hosts = NewHosts(file)
	case string:
		file, err := LoadFile(src)
		if err != nil {
			return nil, err
		}
		hosts = NewHosts(file)
	case *File:
		hosts = NewHosts(src)
	case map[string]map[string]any:
		var err error
		if hosts, err = FromMap(src, nil); err != nil {
			return nil, err
		}
	case *Hosts:
		hosts = src.Clone()
	default:
		return nil, fmt.Errorf("unsupported ssh config source %T", source)
	}

	seen := make(map[string]bool)
	for _, alias := range aliases {
		for next := alias; next != "" && !seen[next]; {
			seen[next] = true
			cfg := hosts.Get(next)
			hosts.Set(next, cfg)
			next = cfg.ProxyJump
		}
	}
	return hosts, nil
}
