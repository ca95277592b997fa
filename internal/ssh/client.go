// Package ssh runs commands and file transfers on remote hosts over SSH,
// including multi-hop ProxyJump chains.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tOgg1/remex/internal/logging"
	"github.com/tOgg1/remex/internal/sshconfig"
)

// ConnectionState describes the transport of a Client.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Client is a persistent SSH connection to one host. It reconnects lazily
// after Close and is safe for concurrent use.
type Client struct {
	alias    string
	hostname string
	port     int
	cfg      sshconfig.HostConfig
	auth     *Auth
	authMap  *AuthMapping
	hosts    *sshconfig.Hosts
	chain    []Hop
	hostKeys xssh.HostKeyCallback
	opts     options
	logger   zerolog.Logger

	// mu guards the transport fields.
	mu            sync.Mutex
	state         ConnectionState
	client        *xssh.Client
	hopClients    []*xssh.Client
	sftp          *sftp.Client
	keepaliveStop chan struct{}

	// settingsMu guards the mutable execution settings. Never acquire mu
	// while holding it.
	settingsMu      sync.Mutex
	sudo            bool
	keepaliveMode   bool
	keepalivePeriod int
	depth           int
}

// New resolves host against the SSH config, builds the connection chain and
// connects. host may be an alias, a hostname, or user@host:port.
func New(ctx context.Context, host string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(ctx, host, o)
}

func newClient(ctx context.Context, host string, o options) (*Client, error) {
	if strings.TrimSpace(host) == "" {
		return nil, ErrMissingHost
	}

	hosts := o.hosts
	if hosts == nil {
		path := o.sshConfigPath
		if path == "" {
			path = sshconfig.DefaultConfigPath
		}
		file, err := sshconfig.LoadFile(path)
		if err != nil {
			return nil, err
		}
		hosts = sshconfig.NewHosts(file)
	} else {
		hosts = hosts.Clone()
	}

	cfg := hosts.Get(host)
	hostname := cfg.HostName
	port := o.port
	if port <= 0 {
		port = cfg.PortOrDefault()
	}

	authMap := o.authMap
	if authMap == nil {
		authMap = NewAuthMapping(nil)
	}
	if !authMap.Has(hostname) && authMap.Has(host) {
		authMap.Set(hostname, authMap.Get(host, nil))
	}
	auth := ResolveAuth(hostname, Credentials{Username: o.username, Password: o.password, Auth: o.auth}, cfg, authMap)

	cfg = cfg.OverriddenBy(sshconfig.HostConfig{
		HostName:      hostname,
		Port:          port,
		User:          auth.Username,
		IdentityFiles: auth.KeyFiles,
	})
	hosts.Set(host, cfg)

	logger := logging.WithHost(hostname, port, auth.UsernameOr(cfg.User))
	if o.logger != nil {
		logger = o.logger.With().Str("host", hostname).Int("port", port).Logger()
	}
	logger = logger.With().Str("component", "ssh").Logger()

	hostKeys := o.hostKeyCallback
	if hostKeys == nil && o.knownHostsPath != "" {
		cb, err := knownhosts.New(o.knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", o.knownHostsPath, err)
		}
		hostKeys = cb
	}
	if hostKeys == nil {
		hostKeys = warnUnknownHostKey(logger)
	}

	var chain []Hop
	if o.conn == nil {
		var err error
		chain, err = BuildChain(host, hosts, authMap)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{
		alias:           host,
		hostname:        hostname,
		port:            port,
		cfg:             cfg,
		auth:            auth,
		authMap:         authMap,
		hosts:           hosts,
		chain:           chain,
		hostKeys:        hostKeys,
		opts:            o,
		logger:          logger,
		keepaliveMode:   o.keepalive != 0,
		keepalivePeriod: o.keepalive,
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	runtime.SetFinalizer(c, func(c *Client) {
		c.logger.Debug().Msg("closing unreferenced connection")
		_ = c.Close()
	})
	return c, nil
}

// Alias returns the host name New was called with.
func (c *Client) Alias() string { return c.alias }

// Hostname returns the resolved network hostname.
func (c *Client) Hostname() string { return c.hostname }

// Port returns the destination port.
func (c *Client) Port() int { return c.port }

// Key identifies the client in fan-out results.
func (c *Client) Key() HostKey { return HostKey{Host: c.hostname, Port: c.port} }

// Auth returns the credentials used for the destination.
func (c *Client) Auth() *Auth { return c.auth }

// AuthMapping returns the mapping shared with proxied clients.
func (c *Client) AuthMapping() *AuthMapping { return c.authMap }

// Hosts returns the host settings this client resolved against.
func (c *Client) Hosts() *sshconfig.Hosts { return c.hosts }

// Chain returns the hops in connection order. It is empty for clients
// running over a caller supplied connection.
func (c *Client) Chain() []Hop { return append([]Hop(nil), c.chain...) }

// State returns the transport state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsAlive reports whether a transport is open.
func (c *Client) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil
}

func (c *Client) String() string {
	return fmt.Sprintf("%s@%s:%d", c.auth.UsernameOr(localUsername()), c.hostname, c.port)
}

// Reconnect closes the transport and opens a new one.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return c.connectLocked(ctx)
}

// Close tears down the transport, the sftp session and every hop. The next
// operation reconnects.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	c.stopKeepaliveLocked()
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("closing sftp session")
		}
		c.sftp = nil
	}
	if c.client != nil {
		if err := c.client.Close(); err != nil && !isClosedErr(err) {
			c.logger.Debug().Err(err).Msg("closing ssh transport")
		}
		c.client = nil
	}
	for i := len(c.hopClients) - 1; i >= 0; i-- {
		if err := c.hopClients[i].Close(); err != nil && !isClosedErr(err) {
			c.logger.Debug().Err(err).Msg("closing proxy hop")
		}
	}
	c.hopClients = nil
	c.state = StateDisconnected
}

// transport returns the live SSH client, reconnecting if it was closed.
func (c *Client) transport(ctx context.Context) (*xssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transportLocked(ctx)
}

func (c *Client) transportLocked(ctx context.Context) (*xssh.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	c.closeLocked()
	if err := c.connectLocked(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return c.client, nil
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked dials with a fixed delay between attempts. Authentication
// failures are returned at once.
func (c *Client) connectLocked(ctx context.Context) error {
	c.state = StateConnecting

	attempts := c.opts.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.retryDelay), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	operation := func() error {
		attempt++
		err := c.dialLocked(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthentication) || isChainError(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("ssh connect failed, retrying")
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		c.state = StateDisconnected
		c.logger.Error().Err(err).Int("attempts", attempt).Msg("ssh connect failed")
		return err
	}

	c.state = StateConnected
	c.logger.Debug().Int("hops", len(c.chain)).Msg("ssh connected")

	c.settingsMu.Lock()
	period := c.keepalivePeriod
	c.settingsMu.Unlock()
	c.startKeepaliveLocked(period)
	return nil
}

func (c *Client) dialLocked(ctx context.Context) error {
	if c.opts.conn != nil {
		client, err := c.handshake(c.opts.conn, c.cfg, c.auth)
		if err != nil {
			return err
		}
		c.client = client
		return nil
	}

	first := c.chain[0]
	conn, err := c.dialFirst(ctx, first.Config)
	if err != nil {
		return err
	}
	// The handshake itself takes no context; closing the conn aborts it.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	client, err := c.handshake(conn, first.Config, first.Auth)
	if !stop() {
		if client != nil {
			_ = client.Close()
		}
		return fmt.Errorf("ssh handshake with %s: %w", first.Config.Addr(), context.Cause(ctx))
	}
	if err != nil {
		_ = conn.Close()
		return err
	}

	var hops []*xssh.Client
	abort := func(err error) error {
		_ = client.Close()
		for i := len(hops) - 1; i >= 0; i-- {
			_ = hops[i].Close()
		}
		return err
	}

	for _, hop := range c.chain[1:] {
		switch {
		case hop.Config.ProxyJump != "":
			next, err := client.Dial("tcp", hop.Config.Addr())
			if err != nil {
				return abort(fmt.Errorf("open direct-tcpip to %s via %s: %w", hop.Config.Addr(), hop.Config.ProxyJump, err))
			}
			hops = append(hops, client)
			client, err = c.handshake(next, hop.Config, hop.Auth)
			if err != nil {
				_ = next.Close()
				client = hops[len(hops)-1]
				hops = hops[:len(hops)-1]
				return abort(err)
			}
		case hop.Config.ProxyCommand != "":
			return abort(fmt.Errorf("%w: %s", ErrProxyCommandAfterFirstHop, hop.Config.Alias))
		default:
			return abort(fmt.Errorf("%w: %s", ErrUnreachableFinalHost, hop.Config.Alias))
		}
	}

	c.client = client
	c.hopClients = hops
	return nil
}

func (c *Client) dialFirst(ctx context.Context, cfg sshconfig.HostConfig) (net.Conn, error) {
	if cfg.ProxyCommand != "" {
		c.logger.Debug().Str("proxy_command", cfg.ProxyCommand).Msg("connecting through proxy command")
		return dialProxyCommand(ctx, cfg.ProxyCommand, c.logger)
	}
	dialer := net.Dialer{Timeout: c.opts.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr(), err)
	}
	return conn, nil
}

func (c *Client) handshake(conn net.Conn, cfg sshconfig.HostConfig, auth *Auth) (*xssh.Client, error) {
	if auth == nil {
		auth = NewAuth(cfg.User, "", cfg.IdentityFiles...)
	}
	if auth.PassphrasePrompt == nil && c.opts.passphrasePrompt != nil {
		auth = auth.Copy()
		auth.PassphrasePrompt = c.opts.passphrasePrompt
	}
	username := auth.UsernameOr(cfg.User)
	if username == "" {
		username = localUsername()
	}

	clientCfg, cleanup := auth.ClientConfig(username, c.opts.allowAgent, c.hostKeys, c.logger)
	defer cleanup()

	if c.opts.connectTimeout > 0 {
		// Channels tunneled through a hop reject deadlines; that is fine.
		_ = conn.SetDeadline(time.Now().Add(c.opts.connectTimeout))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	addr := cfg.Addr()
	sshConn, chans, reqs, err := xssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s@%s: %v", ErrAuthentication, username, addr, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return xssh.NewClient(sshConn, chans, reqs), nil
}

func isChainError(err error) bool {
	return errors.Is(err, ErrProxyCommandAfterFirstHop) || errors.Is(err, ErrUnreachableFinalHost)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed)
}

func warnUnknownHostKey(logger zerolog.Logger) xssh.HostKeyCallback {
	return func(hostname string, _ net.Addr, key xssh.PublicKey) error {
		logger.Warn().
			Str("remote", hostname).
			Str("key_type", key.Type()).
			Str("fingerprint", xssh.FingerprintSHA256(key)).
			Msg("accepting unverified host key")
		return nil
	}
}

func localUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
