package ssh

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"
)

// passphraseAttempts is how often an encrypted key is retried after a
// wrong passphrase, as ssh(1) does.
const passphraseAttempts = 3

// PassphrasePrompt returns the passphrase for the provided key path.
type PassphrasePrompt func(keyPath string) (string, error)

// LoadPrivateKey loads a private key from disk, prompting for a passphrase
// when the key is encrypted.
func LoadPrivateKey(path string, prompt PassphrasePrompt) (xssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	signer, err := xssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}
	var missing *xssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	if prompt == nil {
		return nil, ErrPassphraseRequired
	}

	for attempt := 1; ; attempt++ {
		passphrase, err := prompt(path)
		if err != nil {
			return nil, fmt.Errorf("passphrase prompt failed: %w", err)
		}
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		signer, err = xssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
		if err == nil {
			return signer, nil
		}
		if !errors.Is(err, x509.IncorrectPasswordError) || attempt == passphraseAttempts {
			return nil, fmt.Errorf("parse private key %s with passphrase: %w", path, err)
		}
	}
}

// identityCache keeps decoded identity files for the life of the process,
// so connecting to many hosts with one encrypted key prompts once. An
// entry is reloaded when the file changes.
type identityCache struct {
	mu      sync.Mutex
	signers map[string]cachedIdentity
}

type cachedIdentity struct {
	modTime time.Time
	signer  xssh.Signer
}

var identities = &identityCache{signers: make(map[string]cachedIdentity)}

// load serializes callers so concurrent handshakes share one prompt.
func (c *identityCache) load(path string, prompt PassphrasePrompt) (xssh.Signer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.signers[path]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.signer, nil
	}
	signer, err := LoadPrivateKey(path, prompt)
	if err != nil {
		return nil, err
	}
	c.signers[path] = cachedIdentity{modTime: info.ModTime(), signer: signer}
	return signer, nil
}

// loadIdentities returns a signer per usable key file. Missing files are
// expected (config defaults often list several) and logged at debug;
// other failures are warnings. Neither stops the connection attempt.
func loadIdentities(paths []string, prompt PassphrasePrompt, logger zerolog.Logger) []xssh.Signer {
	signers := make([]xssh.Signer, 0, len(paths))
	for _, path := range paths {
		signer, err := identities.load(path, prompt)
		if err != nil {
			event := logger.Warn()
			if errors.Is(err, os.ErrNotExist) {
				event = logger.Debug()
			}
			event.Err(err).Str("key", path).Msg("skipping identity file")
			continue
		}
		logger.Debug().
			Str("key", path).
			Str("fingerprint", xssh.FingerprintSHA256(signer.PublicKey())).
			Msg("loaded identity file")
		signers = append(signers, signer)
	}
	return signers
}

// agentKeyring is a connection to the SSH agent named by SSH_AUTH_SOCK.
type agentKeyring struct {
	conn   net.Conn
	client agent.ExtendedAgent
	logger zerolog.Logger
}

// openAgent connects to the agent, or returns nil when none is usable.
func openAgent(logger zerolog.Logger) *agentKeyring {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		logger.Debug().Err(ErrSSHAgentUnavailable).Msg("SSH_AUTH_SOCK not set")
		return nil
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		logger.Debug().Err(err).Str("socket", sock).Msg("ssh agent not usable")
		return nil
	}
	return &agentKeyring{conn: conn, client: agent.NewClient(conn), logger: logger}
}

// signers lists the agent's keys. A failing agent yields no keys.
func (k *agentKeyring) signers() []xssh.Signer {
	if k == nil {
		return nil
	}
	signers, err := k.client.Signers()
	if err != nil {
		k.logger.Debug().Err(err).Msg("listing agent keys failed")
		return nil
	}
	k.logger.Debug().Int("keys", len(signers)).Msg("offering agent keys")
	return signers
}

func (k *agentKeyring) Close() error {
	if k == nil {
		return nil
	}
	return k.conn.Close()
}

// TerminalPassphrasePrompt reads a passphrase from the controlling terminal without echo.
func TerminalPassphrasePrompt(path string) (string, error) {
	return ReadSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
}

var terminalMu sync.Mutex

// ReadSecret prints label on stderr and reads one line from stdin without
// echo. Concurrent callers take turns.
func ReadSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal")
	}

	terminalMu.Lock()
	defer terminalMu.Unlock()
	fmt.Fprint(os.Stderr, label)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}
