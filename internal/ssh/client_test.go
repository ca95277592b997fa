package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tOgg1/remex/internal/sshconfig"
)

func TestNewRequiresHost(t *testing.T) {
	_, err := New(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrMissingHost)
}

func TestNewConnects(t *testing.T) {
	srv := newTestServer(t, "a")
	client := dialTestServer(t, srv)

	assert.True(t, client.IsAlive())
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, "127.0.0.1", client.Hostname())
	assert.Equal(t, srv.port(), client.Port())
	assert.Equal(t, HostKey{Host: "127.0.0.1", Port: srv.port()}, client.Key())
	assert.Equal(t, testUser, client.Auth().Username)
	assert.Equal(t, 1, srv.Handshakes())

	chain := client.Chain()
	require.Len(t, chain, 1)
	assert.Equal(t, srv.port(), chain[0].Config.Port)
}

func TestAuthenticationFailureIsNotRetried(t *testing.T) {
	srv := newTestServer(t, "a")

	start := time.Now()
	_, err := New(context.Background(), "127.0.0.1", testOptions(
		WithPort(srv.port()),
		WithPassword("wrong"),
		WithRetry(3, 2*time.Second),
	)...)
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, srv.Handshakes())
}

func TestConnectRetriesTransportErrors(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	start := time.Now()
	_, err = New(context.Background(), "127.0.0.1", testOptions(
		WithPort(port),
		WithRetry(3, 100*time.Millisecond),
	)...)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthentication)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestCloseThenExecuteReconnects(t *testing.T) {
	srv := newTestServer(t, "a")
	client := dialTestServer(t, srv)

	require.NoError(t, client.Close())
	assert.False(t, client.IsAlive())
	assert.Equal(t, StateDisconnected, client.State())

	result, err := client.Execute(context.Background(), "echo back")
	require.NoError(t, err)
	assert.Equal(t, "back\n", result.StdoutString())
	assert.True(t, client.IsAlive())
	assert.Equal(t, 2, srv.Handshakes())
}

func TestReconnect(t *testing.T) {
	srv := newTestServer(t, "a")
	client := dialTestServer(t, srv)

	require.NoError(t, client.Reconnect(context.Background()))
	assert.True(t, client.IsAlive())
	assert.Equal(t, 2, srv.Handshakes())
}

func TestUseClosesWithoutKeepaliveMode(t *testing.T) {
	srv := newTestServer(t, "a")
	client := dialTestServer(t, srv, WithKeepalive(0))
	require.False(t, client.KeepaliveMode())

	err := client.Use(func(c *Client) error {
		return c.Use(func(c *Client) error {
			_, err := c.Execute(context.Background(), "true")
			return err
		})
	})
	require.NoError(t, err)
	assert.False(t, client.IsAlive())
}

func TestUseKeepsConnectionInKeepaliveMode(t *testing.T) {
	srv := newTestServer(t, "a")
	client := dialTestServer(t, srv)
	require.True(t, client.KeepaliveMode())

	require.NoError(t, client.Use(func(*Client) error { return nil }))
	assert.True(t, client.IsAlive())
	assert.NoError(t, client.Release())
}

func TestKeepAliveScopeRestoresSettings(t *testing.T) {
	srv := newTestServer(t, "a")
	client := dialTestServer(t, srv, WithKeepalive(0))

	restore := client.KeepAlive(5)
	assert.True(t, client.KeepaliveMode())
	assert.Equal(t, 5, client.KeepalivePeriod())

	require.NoError(t, restore())
	assert.False(t, client.KeepaliveMode())
	assert.Equal(t, 0, client.KeepalivePeriod())
	// The scope ended while keepalive mode was still on.
	assert.True(t, client.IsAlive())
}

func TestKeepAliveZeroClosesOnExit(t *testing.T) {
	srv := newTestServer(t, "a")
	client := dialTestServer(t, srv)

	restore := client.KeepAlive(0)
	assert.False(t, client.KeepaliveMode())
	require.NoError(t, restore())
	assert.False(t, client.IsAlive())
	assert.True(t, client.KeepaliveMode())
	assert.Equal(t, 1, client.KeepalivePeriod())
}

func TestKeepalivePacketsAreSent(t *testing.T) {
	srv := newTestServer(t, "a")
	dialTestServer(t, srv, WithKeepalive(1))

	require.Eventually(t, func() bool { return srv.Keepalives() > 0 }, 5*time.Second, 100*time.Millisecond)
}

func jumpHosts(jump, target *testServer) *sshconfig.Hosts {
	hosts := sshconfig.NewHosts(nil)
	hosts.Set("jump", sshconfig.HostConfig{HostName: "127.0.0.1", Port: jump.port(), User: testUser})
	hosts.Set("target", sshconfig.HostConfig{HostName: "127.0.0.1", Port: target.port(), User: testUser, ProxyJump: "jump"})
	return hosts
}

func TestConnectThroughProxyJump(t *testing.T) {
	jump := newTestServer(t, "jump")
	target := newTestServer(t, "target")

	client, err := New(context.Background(), "target", testOptions(WithHosts(jumpHosts(jump, target)))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	chain := client.Chain()
	require.Len(t, chain, 2)
	assert.Equal(t, "jump", chain[0].Config.Alias)
	assert.Equal(t, "target", chain[1].Config.Alias)

	result, err := client.Execute(context.Background(), "echo $REMEX_TEST_SERVER")
	require.NoError(t, err)
	assert.Equal(t, "target\n", result.StdoutString())

	assert.Equal(t, []string{net.JoinHostPort("127.0.0.1", strconv.Itoa(target.port()))}, jump.Tunnels())
	assert.Empty(t, jump.Commands())

	// Close tears down every hop; the next call rebuilds the chain.
	require.NoError(t, client.Close())
	_, err = client.Execute(context.Background(), "true")
	require.NoError(t, err)
	assert.Equal(t, 2, jump.Handshakes())
	assert.Equal(t, 2, target.Handshakes())
}

func TestProxyCommandAfterFirstHopFails(t *testing.T) {
	jump := newTestServer(t, "jump")

	hosts := sshconfig.NewHosts(nil)
	hosts.Set("jump", sshconfig.HostConfig{HostName: "127.0.0.1", Port: jump.port(), User: testUser})
	hosts.Set("target", sshconfig.HostConfig{HostName: "10.0.0.1", User: testUser, ProxyJump: "jump"})
	auth := NewAuthMapping(nil)

	client, err := New(context.Background(), "jump", testOptions(WithHosts(hosts), WithAuthMapping(auth))...)
	require.NoError(t, err)
	defer client.Close()

	// Swap the chain for one whose second hop carries a ProxyCommand.
	client.chain = []Hop{
		client.chain[0],
		{Config: sshconfig.HostConfig{Alias: "bad", HostName: "10.0.0.2", ProxyCommand: "nc %h %p"}, Auth: client.Auth()},
	}
	err = client.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrProxyCommandAfterFirstHop)

	client.chain[1].Config.ProxyCommand = ""
	err = client.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrUnreachableFinalHost)
}

func TestProxyTo(t *testing.T) {
	jump := newTestServer(t, "jump")
	target := newTestServer(t, "target")
	client := dialTestServer(t, jump)

	proxied, err := client.ProxyTo(context.Background(), "127.0.0.1", WithPort(target.port()))
	require.NoError(t, err)
	defer proxied.Close()

	assert.Empty(t, proxied.Chain())
	assert.Same(t, client.AuthMapping(), proxied.AuthMapping())

	result, err := proxied.Execute(context.Background(), "echo $REMEX_TEST_SERVER")
	require.NoError(t, err)
	assert.Equal(t, "target\n", result.StdoutString())
	assert.Len(t, jump.Tunnels(), 1)
}

func TestExecuteThroughHost(t *testing.T) {
	jump := newTestServer(t, "jump")
	target := newTestServer(t, "target")
	client := dialTestServer(t, jump)

	result, err := client.ExecuteThroughHost(context.Background(), "127.0.0.1", "echo $REMEX_TEST_SERVER; exit 4", nil, target.port())
	require.NoError(t, err)
	assert.Equal(t, "target\n", result.StdoutString())
	assert.Equal(t, 4, result.ExitCode())
	assert.True(t, client.IsAlive())
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}

func writeKnownHosts(t *testing.T, port int, key xssh.PublicKey) string {
	t.Helper()
	addr := knownhosts.Normalize(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, []byte(knownhosts.Line([]string{addr}, key)+"\n"), 0o600))
	return path
}

func TestKnownHosts(t *testing.T) {
	srv := newTestServer(t, "a")

	t.Run("matching key", func(t *testing.T) {
		client := dialTestServer(t, srv, WithKnownHosts(writeKnownHosts(t, srv.port(), srv.hostKey)))
		assert.True(t, client.IsAlive())
	})

	t.Run("mismatched key", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		other, err := xssh.NewPublicKey(pub)
		require.NoError(t, err)

		_, err = New(context.Background(), "127.0.0.1", testOptions(
			WithPort(srv.port()),
			WithKnownHosts(writeKnownHosts(t, srv.port(), other)),
		)...)
		assert.ErrorContains(t, err, "key mismatch")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := New(context.Background(), "127.0.0.1", testOptions(
			WithPort(srv.port()),
			WithKnownHosts(filepath.Join(t.TempDir(), "absent")),
		)...)
		assert.ErrorContains(t, err, "load known hosts")
	})
}
