package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// proxyWaitDelay bounds how long Close waits for the proxy's output pipes
// after the process group was killed.
const proxyWaitDelay = time.Second

// proxyCommandConn adapts a ProxyCommand subprocess to net.Conn: writes go
// to its stdin, reads come from its stdout.
type proxyCommandConn struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	command string

	mu       sync.Mutex
	deadline *time.Timer
	expired  bool

	closeOnce sync.Once
	closeErr  error
}

// dialProxyCommand starts command under sh in its own process group. ctx
// only bounds the start; the connection lives until Close.
func dialProxyCommand(ctx context.Context, command string, logger zerolog.Logger) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start proxycommand %q: %w", command, err)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Stderr = logger.With().Str("stream", "proxycommand").Logger()
	cmd.WaitDelay = proxyWaitDelay
	configureProxyProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proxycommand stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proxycommand stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start proxycommand %q: %w", command, err)
	}

	return &proxyCommandConn{cmd: cmd, stdin: stdin, stdout: stdout, command: command}, nil
}

func (p *proxyCommandConn) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	return n, p.wrapErr(err)
}

func (p *proxyCommandConn) Write(b []byte) (int, error) {
	n, err := p.stdin.Write(b)
	return n, p.wrapErr(err)
}

func (p *proxyCommandConn) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expired {
		return os.ErrDeadlineExceeded
	}
	return err
}

// Close kills the whole process group so helpers forked by the command
// do not keep the pipes open.
func (p *proxyCommandConn) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		if p.deadline != nil {
			p.deadline.Stop()
		}
		p.mu.Unlock()

		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			killProxyProcess(p.cmd)
		}
		if err := p.cmd.Wait(); err != nil && errors.Is(err, exec.ErrWaitDelay) {
			p.closeErr = err
		}
	})
	return p.closeErr
}

func (p *proxyCommandConn) LocalAddr() net.Addr  { return proxyAddr(p.command) }
func (p *proxyCommandConn) RemoteAddr() net.Addr { return proxyAddr(p.command) }

// SetDeadline arms a timer that closes the connection when t passes.
// Pipes cannot resume after a timeout, so reads and writes do not survive
// an expired deadline. The zero time disarms it.
func (p *proxyCommandConn) SetDeadline(t time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadline != nil {
		p.deadline.Stop()
		p.deadline = nil
	}
	if t.IsZero() {
		return nil
	}
	p.deadline = time.AfterFunc(time.Until(t), func() {
		p.mu.Lock()
		p.expired = true
		p.mu.Unlock()
		_ = p.Close()
	})
	return nil
}

func (p *proxyCommandConn) SetReadDeadline(t time.Time) error  { return p.SetDeadline(t) }
func (p *proxyCommandConn) SetWriteDeadline(t time.Time) error { return p.SetDeadline(t) }

type proxyAddr string

func (a proxyAddr) Network() string { return "proxycommand" }
func (a proxyAddr) String() string  { return string(a) }
