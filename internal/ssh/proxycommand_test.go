package ssh

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/remex/internal/sshconfig"
)

const proxyHelperEnv = "REMEX_PROXY_HELPER_ADDR"

// TestProxyCommandHelper is not a real test: the proxy command tests run
// the test binary with it selected to relay stdin/stdout to a TCP address.
func TestProxyCommandHelper(t *testing.T) {
	addr := os.Getenv(proxyHelperEnv)
	if addr == "" {
		t.Skip("helper process for proxy command tests")
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		os.Exit(2)
	}
	go func() {
		_, _ = io.Copy(conn, os.Stdin)
		_ = conn.(*net.TCPConn).CloseWrite()
	}()
	_, _ = io.Copy(os.Stdout, conn)
	os.Exit(0)
}

// proxyHelperCommand relays to srv from a backgrounded child of the proxy
// shell, so the shell is not the process holding the pipes.
func proxyHelperCommand(t *testing.T, srv *testServer) string {
	t.Helper()
	t.Setenv(proxyHelperEnv, net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.port())))
	return ShellQuote(os.Args[0]) + " -test.run='^TestProxyCommandHelper$' <&0 & wait"
}

func closeWithin(t *testing.T, c *Client, limit time.Duration) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(limit):
		t.Fatalf("Close did not return within %s", limit)
	}
}

func TestProxyCommandFirstHop(t *testing.T) {
	srv := newTestServer(t, "behind-proxy")

	hosts := sshconfig.NewHosts(nil)
	hosts.Set("proxied", sshconfig.HostConfig{
		HostName:     "proxied.internal",
		User:         testUser,
		ProxyCommand: proxyHelperCommand(t, srv),
	})

	client, err := New(context.Background(), "proxied", testOptions(WithHosts(hosts))...)
	require.NoError(t, err)

	result, err := client.Execute(context.Background(), "echo $REMEX_TEST_SERVER")
	require.NoError(t, err)
	assert.Equal(t, "behind-proxy\n", result.StdoutString())
	assert.Equal(t, 0, result.ExitCode())

	closeWithin(t, client, 5*time.Second)
	assert.Equal(t, StateDisconnected, client.State())

	// The next call starts a new proxy process.
	_, err = client.Execute(context.Background(), "true")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Handshakes())
	closeWithin(t, client, 5*time.Second)
}

func TestProxyCommandStalled(t *testing.T) {
	hosts := sshconfig.NewHosts(nil)
	hosts.Set("stalled", sshconfig.HostConfig{HostName: "stalled.internal", User: testUser, ProxyCommand: "sleep 30"})

	tests := []struct {
		name    string
		timeout time.Duration
		ctx     func() (context.Context, context.CancelFunc)
	}{
		{
			name:    "connect timeout",
			timeout: 200 * time.Millisecond,
			ctx:     func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
		},
		{
			name: "context deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 200*time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := tt.ctx()
			defer cancel()

			started := time.Now()
			_, err := New(ctx, "stalled", testOptions(WithHosts(hosts), WithConnectTimeout(tt.timeout))...)
			require.Error(t, err)
			assert.Less(t, time.Since(started), 5*time.Second)
		})
	}
}

func TestProxyCommandConnDeadline(t *testing.T) {
	conn, err := dialProxyCommand(context.Background(), "sleep 30", zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestDialProxyCommandCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := dialProxyCommand(ctx, "true", zerolog.Nop())
	assert.ErrorIs(t, err, context.Canceled)
}
