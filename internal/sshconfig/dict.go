package sshconfig

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FromMap builds Hosts from the dict form: alias -> {hostname, port, user,
// identityfile, proxyjump, proxycommand, controlpath, forwardagent}.
// Keys are case-insensitive. file backs aliases missing from m.
func FromMap(m map[string]map[string]any, file *File) (*Hosts, error) {
	hosts := NewHosts(file)

	aliases := make([]string, 0, len(m))
	for alias := range m {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		cfg, err := hostFromMap(alias, m[alias])
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", alias, err)
		}
		hosts.Set(alias, cfg)
	}
	return hosts, nil
}

// LoadYAML reads the dict form from a YAML document.
func LoadYAML(r io.Reader, file *File) (*Hosts, error) {
	var doc map[string]map[string]any
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode hosts yaml: %w", err)
	}
	return FromMap(doc, file)
}

func hostFromMap(alias string, values map[string]any) (HostConfig, error) {
	cfg := HostConfig{Alias: alias}
	for rawKey, raw := range values {
		key := strings.ToLower(strings.ReplaceAll(rawKey, "_", ""))
		switch key {
		case "hostname":
			cfg.HostName = fmt.Sprint(raw)
		case "user":
			cfg.User = fmt.Sprint(raw)
		case "port":
			port, err := toInt(raw)
			if err != nil {
				return cfg, fmt.Errorf("port: %w", err)
			}
			cfg.Port = port
		case "identityfile":
			files, err := toStrings(raw)
			if err != nil {
				return cfg, fmt.Errorf("identityfile: %w", err)
			}
			for _, f := range files {
				cfg.IdentityFiles = append(cfg.IdentityFiles, expandPath(f))
			}
		case "proxyjump":
			cfg.ProxyJump = NormalizeProxyJump(fmt.Sprint(raw))
		case "proxycommand":
			cfg.ProxyCommand = fmt.Sprint(raw)
		case "controlpath":
			cfg.ControlPath = fmt.Sprint(raw)
		case "forwardagent":
			enabled, err := toBool(raw)
			if err != nil {
				return cfg, fmt.Errorf("forwardagent: %w", err)
			}
			cfg.ForwardAgent = &enabled
		}
	}
	if cfg.HostName == "" {
		cfg.HostName = alias
	}
	return cfg, nil
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}
}

func toStrings(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", raw)
	}
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "true", "1":
			return true, nil
		case "no", "false", "0", "":
			return false, nil
		}
		return false, fmt.Errorf("invalid value %q", v)
	default:
		return false, fmt.Errorf("unsupported type %T", raw)
	}
}
