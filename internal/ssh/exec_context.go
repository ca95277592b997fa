package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"
)

// AsyncResult exposes a running command's streams. Stdout and Stderr are
// nil when not opened.
type AsyncResult struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader
	Started time.Time

	done     chan struct{}
	exitCode int
	err      error
}

// Done is closed once the remote command has exited and the channel closed.
func (a *AsyncResult) Done() <-chan struct{} { return a.done }

// Wait blocks until Done and returns the exit code. A command ended without
// an exit status yields ExitCodeInvalid.
func (a *AsyncResult) Wait() (int, error) {
	<-a.done
	return a.exitCode, a.err
}

// ExecuteContext runs one command on its own session. Close always
// releases the session, whatever happened after Start.
type ExecuteContext struct {
	client  *Client
	command string
	sudo    bool
	opts    execOptions
	logger  zerolog.Logger

	mu      sync.Mutex
	session *xssh.Session
	closed  bool
}

// OpenExecuteContext prepares command for execution with the client's
// current sudo mode.
func (c *Client) OpenExecuteContext(command string, opts ...ExecOption) *ExecuteContext {
	o := c.execOptions(opts)
	sudo := c.SudoMode()
	return &ExecuteContext{
		client:  c,
		command: PrepareCommand(command, sudo, o.chrootPath, o.chrootExe) + "\n",
		sudo:    sudo,
		opts:    o,
		logger:  c.logger,
	}
}

// Command returns the wrapped command line sent to the server.
func (e *ExecuteContext) Command() string { return e.command }

// Start opens a session and launches the command.
func (e *ExecuteContext) Start(ctx context.Context) (*AsyncResult, error) {
	transport, err := e.client.transport(ctx)
	if err != nil {
		return nil, err
	}

	session, err := transport.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = session.Close()
		return nil, errors.New("execute context already closed")
	}
	e.session = session
	e.mu.Unlock()

	if e.opts.pty {
		if err := session.RequestPty("vt100", e.opts.height, e.opts.width, xssh.TerminalModes{}); err != nil {
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}

	result := &AsyncResult{done: make(chan struct{}), exitCode: ExitCodeInvalid}
	if e.opts.openStdout {
		if result.Stdout, err = session.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
	}
	if e.opts.openStderr {
		if result.Stderr, err = session.StderrPipe(); err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
	}
	if result.Stdin, err = session.StdinPipe(); err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	result.Started = time.Now().UTC()
	if err := session.Start(e.command); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	go func() {
		result.exitCode, result.err = exitStatus(session.Wait())
		close(result.done)
	}()

	if e.sudo && e.client.auth.Password != "" {
		if err := e.client.auth.EnterPassword(result.Stdin); err != nil {
			e.logger.Debug().Err(err).Msg("sudo password not sent")
		}
	}
	if e.opts.stdin != nil {
		if _, err := result.Stdin.Write(e.opts.stdin); err != nil {
			e.logger.Warn().Err(err).Msg("STDIN Send failed: closed channel")
		}
		_ = result.Stdin.Close()
	}

	return result, nil
}

// Close closes the session. It is safe to call more than once.
func (e *ExecuteContext) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.session == nil {
		return nil
	}
	if err := e.session.Close(); err != nil && !isClosedErr(err) {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *xssh.ExitMissingError
	if errors.As(err, &missing) {
		return ExitCodeInvalid, nil
	}
	if isClosedErr(err) {
		return ExitCodeInvalid, nil
	}
	return ExitCodeInvalid, err
}
