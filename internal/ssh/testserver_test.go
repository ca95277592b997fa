package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"

	"github.com/tOgg1/remex/internal/sshconfig"
)

const (
	testUser     = "tester"
	testPassword = "s3cret"
)

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

// testServer is an in-process SSH server that runs exec requests with the
// local sh, serves sftp from the local filesystem and forwards
// direct-tcpip channels.
type testServer struct {
	name     string
	listener net.Listener
	config   *xssh.ServerConfig
	hostKey  xssh.PublicKey

	mu            sync.Mutex
	handshakes    int
	commands      []string
	sudoPasswords []string
	ptys          []ptyRequest
	tunnels       []string
	keepalives    int
}

func newTestServer(t *testing.T, name string) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := xssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	s := &testServer{name: name, hostKey: signer.PublicKey()}
	s.config = &xssh.ServerConfig{
		PasswordCallback: func(meta xssh.ConnMetadata, password []byte) (*xssh.Permissions, error) {
			if meta.User() == testUser && string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", meta.User())
		},
	}
	s.config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = listener
	t.Cleanup(func() { _ = listener.Close() })

	go s.serve()
	return s
}

func (s *testServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *testServer) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := xssh.NewServerConn(conn, s.config)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.handshakes++
	s.mu.Unlock()

	go func() {
		for req := range reqs {
			if req.Type == keepaliveRequest {
				s.mu.Lock()
				s.keepalives++
				s.mu.Unlock()
			}
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}()

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			go s.handleSession(newCh)
		case "direct-tcpip":
			go s.handleDirectTCPIP(newCh)
		default:
			_ = newCh.Reject(xssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

func (s *testServer) handleSession(newCh xssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}

	closed := make(chan struct{})
	defer close(closed)

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var pty ptyRequest
			if err := xssh.Unmarshal(req.Payload, &pty); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.ptys = append(s.ptys, pty)
			s.mu.Unlock()
			_ = req.Reply(true, nil)
		case "exec":
			var payload struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go s.exec(ch, payload.Command, closed)
		case "subsystem":
			var payload struct{ Name string }
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					_ = ch.Close()
					return
				}
				_ = server.Serve()
				_ = server.Close()
			}()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) exec(ch xssh.Channel, command string, closed <-chan struct{}) {
	defer ch.Close()

	command = strings.TrimSuffix(command, "\n")
	s.mu.Lock()
	s.commands = append(s.commands, command)
	s.mu.Unlock()

	stdin := bufio.NewReader(ch)
	if rest, ok := strings.CutPrefix(command, "sudo -S "); ok {
		password, _ := stdin.ReadString('\n')
		s.mu.Lock()
		s.sudoPasswords = append(s.sudoPasswords, strings.TrimSuffix(password, "\n"))
		s.mu.Unlock()
		command = rest
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Env = append(os.Environ(), "REMEX_TEST_SERVER="+s.name)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	cmd.WaitDelay = time.Second
	procStdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(ch, 127)
		return
	}
	if err := cmd.Start(); err != nil {
		sendExitStatus(ch, 127)
		return
	}
	go func() {
		_, _ = io.Copy(procStdin, stdin)
		_ = procStdin.Close()
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		sendExitStatus(ch, code)
	case <-closed:
		_ = cmd.Process.Kill()
		<-waitErr
	}
}

func sendExitStatus(ch xssh.Channel, code int) {
	_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{uint32(code)}))
}

func (s *testServer) handleDirectTCPIP(newCh xssh.NewChannel) {
	var payload struct {
		Host       string
		Port       uint32
		OriginHost string
		OriginPort uint32
	}
	if err := xssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
		_ = newCh.Reject(xssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	dest := net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port)))
	target, err := net.Dial("tcp", dest)
	if err != nil {
		_ = newCh.Reject(xssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		_ = target.Close()
		return
	}
	go xssh.DiscardRequests(reqs)

	s.mu.Lock()
	s.tunnels = append(s.tunnels, dest)
	s.mu.Unlock()

	go func() {
		_, _ = io.Copy(ch, target)
		_ = ch.Close()
	}()
	go func() {
		_, _ = io.Copy(target, ch)
		_ = target.Close()
	}()
}

func (s *testServer) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *testServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) SudoPasswords() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sudoPasswords...)
}

func (s *testServer) Ptys() []ptyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ptyRequest(nil), s.ptys...)
}

func (s *testServer) Tunnels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tunnels...)
}

func (s *testServer) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

func testOptions(extra ...Option) []Option {
	base := []Option{
		WithHosts(sshconfig.NewHosts(nil)),
		WithUser(testUser),
		WithPassword(testPassword),
		WithAllowAgent(false),
		WithRetry(1, 0),
		WithConnectTimeout(5 * time.Second),
		WithLogger(zerolog.Nop()),
	}
	return append(base, extra...)
}

func dialTestServer(t *testing.T, srv *testServer, extra ...Option) *Client {
	t.Helper()
	opts := testOptions(append([]Option{WithPort(srv.port())}, extra...)...)
	client, err := New(context.Background(), "127.0.0.1", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
