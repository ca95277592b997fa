package ssh

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/remex/internal/sshconfig"
)

// Auth holds the credentials used to log into one host.
type Auth struct {
	Username string
	Password string
	KeyFiles []string
	Signers  []xssh.Signer

	// PassphrasePrompt unlocks encrypted key files. Nil skips them.
	PassphrasePrompt PassphrasePrompt
}

// NewAuth builds an Auth from plain credentials.
func NewAuth(username, password string, keyFiles ...string) *Auth {
	return &Auth{
		Username: username,
		Password: password,
		KeyFiles: append([]string(nil), keyFiles...),
	}
}

// Copy returns a shallow copy with its own slices.
func (a *Auth) Copy() *Auth {
	out := *a
	out.KeyFiles = append([]string(nil), a.KeyFiles...)
	out.Signers = append([]xssh.Signer(nil), a.Signers...)
	return &out
}

// UsernameOr returns the configured username, or fallback when empty.
func (a *Auth) UsernameOr(fallback string) string {
	if a != nil && a.Username != "" {
		return a.Username
	}
	return fallback
}

// EnterPassword answers an interactive prompt (sudo -S) with the password.
func (a *Auth) EnterPassword(w io.Writer) error {
	_, err := io.WriteString(w, a.Password+"\n")
	return err
}

func (a *Auth) String() string {
	password := "None"
	if a.Password != "" {
		password = "<*masked*>"
	}
	return fmt.Sprintf("Auth(username=%q, password=%s, keys=%v)", a.Username, password, a.KeyFiles)
}

// ClientConfig builds the handshake config for user. The returned cleanup
// releases the agent connection and must be called once the handshake ends.
func (a *Auth) ClientConfig(user string, allowAgent bool, hostKeys xssh.HostKeyCallback, logger zerolog.Logger) (*xssh.ClientConfig, func()) {
	signers := append([]xssh.Signer(nil), a.Signers...)
	signers = append(signers, loadIdentities(a.KeyFiles, a.PassphrasePrompt, logger)...)

	cleanup := func() {}
	var keyring *agentKeyring
	if allowAgent {
		if keyring = openAgent(logger); keyring != nil {
			cleanup = func() { _ = keyring.Close() }
		}
	}

	var methods []xssh.AuthMethod
	if len(signers) > 0 || keyring != nil {
		methods = append(methods, xssh.PublicKeysCallback(func() ([]xssh.Signer, error) {
			return append(append([]xssh.Signer(nil), signers...), keyring.signers()...), nil
		}))
	}
	if a.Password != "" {
		password := a.Password
		methods = append(methods,
			xssh.Password(password),
			xssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	// No methods is not an error: the server may still accept "none".
	return &xssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKeys,
	}, cleanup
}

// AuthMapping maps hostnames to credentials. Keys are case-insensitive.
type AuthMapping struct {
	mu      sync.RWMutex
	entries map[string]*Auth
}

// NewAuthMapping copies initial into a new mapping.
func NewAuthMapping(initial map[string]*Auth) *AuthMapping {
	m := &AuthMapping{entries: make(map[string]*Auth, len(initial))}
	for host, auth := range initial {
		m.entries[normalizeHost(host)] = auth
	}
	return m
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// Get returns the entry for host, or def.
func (m *AuthMapping) Get(host string, def *Auth) *Auth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if auth, ok := m.entries[normalizeHost(host)]; ok {
		return auth
	}
	return def
}

// GetWithAlt tries host, then alt, then returns def.
func (m *AuthMapping) GetWithAlt(host, alt string, def *Auth) *Auth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if auth, ok := m.entries[normalizeHost(host)]; ok {
		return auth
	}
	if auth, ok := m.entries[normalizeHost(alt)]; ok {
		return auth
	}
	return def
}

// Set registers auth for host.
func (m *AuthMapping) Set(host string, auth *Auth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[normalizeHost(host)] = auth
}

// Has reports whether host has an entry.
func (m *AuthMapping) Has(host string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[normalizeHost(host)]
	return ok
}

// Clone returns an independent mapping with the same entries.
func (m *AuthMapping) Clone() *AuthMapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := &AuthMapping{entries: make(map[string]*Auth, len(m.entries))}
	for host, auth := range m.entries {
		out.entries[host] = auth
	}
	return out
}

// Len returns the number of entries.
func (m *AuthMapping) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Credentials are the explicit values a caller passed for one connection.
type Credentials struct {
	Username string
	Password string
	Auth     *Auth
}

// ResolveAuth picks the credentials for hostname and registers them in
// mapping. An explicit Auth wins. Explicit username or password, or a
// missing entry, builds a fresh Auth from them plus the config's user and
// identity files. Otherwise the existing entry is reused.
func ResolveAuth(hostname string, creds Credentials, cfg sshconfig.HostConfig, mapping *AuthMapping) *Auth {
	switch {
	case creds.Auth != nil:
		mapping.Set(hostname, creds.Auth)
	case !mapping.Has(hostname) || creds.Username != "" || creds.Password != "":
		username := creds.Username
		if username == "" {
			username = cfg.User
		}
		mapping.Set(hostname, NewAuth(username, creds.Password, cfg.IdentityFiles...))
	}
	return mapping.Get(hostname, nil)
}
