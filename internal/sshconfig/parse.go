// Package sshconfig resolves per-host SSH client settings from OpenSSH
// config files, YAML documents, or plain maps.
package sshconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type option struct {
	key   string
	value string
}

type block struct {
	patterns []string
	all      bool
	options  []option
}

// File is a parsed OpenSSH client config.
type File struct {
	blocks []block
}

// LoadFile parses the config at path. A missing file yields an empty File.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(expandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}
	return cfg, nil
}

// maxIncludeDepth matches the OpenSSH limit on nested Include files.
const maxIncludeDepth = 16

// Parse reads OpenSSH client config syntax from r. Relative Include
// paths are resolved against ~/.ssh.
func Parse(r io.Reader) (*File, error) {
	p := &parser{file: &File{}, current: &block{all: true}}
	if err := p.parse(r, "", 0); err != nil {
		return nil, err
	}
	p.file.blocks = append(p.file.blocks, *p.current)
	return p.file, nil
}

type parser struct {
	file *File
	// Options before the first Host line apply to every host.
	current *block
}

func (p *parser) parse(r io.Reader, name string, depth int) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, err := splitLine(line)
		if err != nil {
			return lineError(name, lineNo, err)
		}

		switch key {
		case "host":
			p.startBlock(block{patterns: strings.Fields(value)})
		case "match":
			// Only "Match all" is understood; other criteria never match.
			p.startBlock(block{all: strings.EqualFold(strings.TrimSpace(value), "all")})
		case "include":
			if err := p.include(value, depth); err != nil {
				return lineError(name, lineNo, err)
			}
		default:
			p.current.options = append(p.current.options, option{key: key, value: unquote(value)})
		}
	}
	return scanner.Err()
}

func (p *parser) startBlock(b block) {
	p.file.blocks = append(p.file.blocks, *p.current)
	p.current = &b
}

// include parses every file matching the patterns in value in the scope
// of the current block. Patterns that match nothing are ignored.
func (p *parser) include(value string, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("Include nested deeper than %d files", maxIncludeDepth)
	}

	outer := block{patterns: p.current.patterns, all: p.current.all}
	for _, pattern := range strings.Fields(value) {
		pattern = expandPath(unquote(pattern))
		if !filepath.IsAbs(pattern) {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("resolve Include %s: %w", pattern, err)
			}
			pattern = filepath.Join(home, ".ssh", pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("bad Include pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if err := p.includeFile(path, depth); err != nil {
				return err
			}
		}
	}

	// Lines after the Include stay under the block that contained it.
	if !sameScope(*p.current, outer) {
		p.startBlock(outer)
	}
	return nil
}

func (p *parser) includeFile(path string, depth int) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("Include %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("Include %s: %w", path, err)
	}
	defer f.Close()
	return p.parse(f, path, depth+1)
}

func sameScope(a, b block) bool {
	if a.all != b.all || len(a.patterns) != len(b.patterns) {
		return false
	}
	for i := range a.patterns {
		if a.patterns[i] != b.patterns[i] {
			return false
		}
	}
	return true
}

func lineError(name string, lineNo int, err error) error {
	if name == "" {
		return fmt.Errorf("line %d: %w", lineNo, err)
	}
	return fmt.Errorf("%s line %d: %w", name, lineNo, err)
}

func splitLine(line string) (string, string, error) {
	idx := strings.IndexAny(line, " \t=")
	if idx < 0 {
		return "", "", fmt.Errorf("missing value for %q", line)
	}
	key := strings.ToLower(line[:idx])
	rest := strings.TrimLeft(line[idx:], " \t")
	rest = strings.TrimPrefix(rest, "=")
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", fmt.Errorf("missing value for %q", key)
	}
	return key, rest, nil
}

func unquote(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return value[1 : len(value)-1]
	}
	return value
}

func (b block) matches(alias string) bool {
	if b.all {
		return true
	}
	matched := false
	for _, pattern := range b.patterns {
		negate := strings.HasPrefix(pattern, "!")
		if negate {
			pattern = pattern[1:]
		}
		if !wildcardMatch(pattern, alias) {
			continue
		}
		if negate {
			return false
		}
		matched = true
	}
	return matched
}

// wildcardMatch implements the OpenSSH pattern language: '*' and '?'.
func wildcardMatch(pattern, s string) bool {
	pattern = strings.ToLower(pattern)
	s = strings.ToLower(s)
	px, sx := 0, 0
	starPx, starSx := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pattern) && (pattern[px] == '?' || pattern[px] == s[sx]):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			starPx, starSx = px, sx
			px++
		case starPx >= 0:
			px = starPx + 1
			starSx++
			sx = starSx
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}

// Resolve returns the settings OpenSSH would use for alias. The first
// value seen for a keyword wins; IdentityFile accumulates.
func (f *File) Resolve(alias string) HostConfig {
	cfg := HostConfig{Alias: alias}
	seen := make(map[string]bool)

	for _, b := range f.blocks {
		if !b.matches(alias) {
			continue
		}
		for _, opt := range b.options {
			if opt.key == "identityfile" {
				cfg.IdentityFiles = append(cfg.IdentityFiles, opt.value)
				continue
			}
			if seen[opt.key] {
				continue
			}
			seen[opt.key] = true
			applyOption(&cfg, opt.key, opt.value)
		}
	}

	if cfg.HostName == "" {
		cfg.HostName = alias
	} else {
		cfg.HostName = strings.ReplaceAll(cfg.HostName, "%h", alias)
	}
	for i, path := range cfg.IdentityFiles {
		cfg.IdentityFiles[i] = expandTokens(expandPath(path), cfg)
	}
	if cfg.ProxyCommand != "" {
		cfg.ProxyCommand = expandTokens(cfg.ProxyCommand, cfg)
	}
	return cfg
}

func applyOption(cfg *HostConfig, key, value string) {
	switch key {
	case "hostname":
		cfg.HostName = value
	case "user":
		cfg.User = value
	case "port":
		if port, err := strconv.Atoi(value); err == nil && port > 0 {
			cfg.Port = port
		}
	case "proxyjump":
		cfg.ProxyJump = NormalizeProxyJump(value)
	case "proxycommand":
		if !strings.EqualFold(value, "none") {
			cfg.ProxyCommand = value
		}
	case "controlpath":
		cfg.ControlPath = value
	case "forwardagent":
		enabled := strings.EqualFold(value, "yes")
		cfg.ForwardAgent = &enabled
	}
}

func expandTokens(value string, cfg HostConfig) string {
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		if value[i] != '%' || i+1 >= len(value) {
			b.WriteByte(value[i])
			continue
		}
		i++
		switch value[i] {
		case 'h':
			b.WriteString(cfg.HostName)
		case 'n':
			b.WriteString(cfg.Alias)
		case 'p':
			b.WriteString(strconv.Itoa(cfg.PortOrDefault()))
		case 'r':
			b.WriteString(cfg.User)
		case 'd':
			home, _ := os.UserHomeDir()
			b.WriteString(home)
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(value[i])
		}
	}
	return b.String()
}

func expandPath(value string) string {
	trimmed := strings.Trim(strings.TrimSpace(value), "\"'")
	if trimmed == "" {
		return ""
	}

	expanded := os.ExpandEnv(trimmed)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
		}
	}
	return expanded
}
