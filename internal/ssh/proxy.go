package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ProxyTo opens a direct-tcpip channel from this host to host and returns a
// client logged in over it. Unless overridden by opts, the new client
// shares this client's host settings, auth mapping, host key policy and
// retry settings.
func (c *Client) ProxyTo(ctx context.Context, host string, opts ...Option) (*Client, error) {
	o := c.opts
	o.port = 0
	o.username = ""
	o.password = ""
	o.auth = nil
	o.conn = nil
	o.chrootPath = ""
	o.hosts = c.hosts
	o.authMap = c.authMap
	o.hostKeyCallback = c.hostKeys
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.hosts.Get(host)
	port := o.port
	if port <= 0 {
		port = cfg.PortOrDefault()
	}
	o.port = port

	transport, err := c.transport(ctx)
	if err != nil {
		return nil, err
	}
	dest := net.JoinHostPort(cfg.HostName, strconv.Itoa(port))
	conn, err := transport.Dial("tcp", dest)
	if err != nil {
		return nil, fmt.Errorf("open direct-tcpip from %s to %s: %w", c.hostname, dest, err)
	}
	c.logger.Debug().Str("dest", dest).Msg("proxying connection")

	o.conn = conn
	target, err := newClient(ctx, host, o)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return target, nil
}

// ExecuteThroughHost runs command on host, reached through this client. A
// nil auth reuses this client's credentials; a zero port uses the config.
// The tunneled connection is closed afterwards.
func (c *Client) ExecuteThroughHost(ctx context.Context, host, command string, auth *Auth, port int, opts ...ExecOption) (*ExecResult, error) {
	if auth == nil {
		auth = c.auth
	}
	target, err := c.ProxyTo(ctx, host, WithAuth(auth), WithPort(port), WithKeepalive(0))
	if err != nil {
		return nil, err
	}

	var result *ExecResult
	err = target.Use(func(t *Client) error {
		var execErr error
		result, execErr = t.Execute(ctx, command, opts...)
		return execErr
	})
	return result, err
}
