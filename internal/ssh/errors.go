package ssh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrPassphraseRequired  = errors.New("passphrase required for private key")
	ErrSSHAgentUnavailable = errors.New("ssh agent not available")

	// ErrMissingHost indicates no host was given to New.
	ErrMissingHost = errors.New("ssh host is required")

	// ErrAuthentication wraps handshake failures caused by rejected credentials.
	// Connects failing with it are never retried.
	ErrAuthentication = errors.New("ssh authentication failed")

	// ErrProxyCommandAfterFirstHop is returned when a hop past the first one
	// declares a ProxyCommand.
	ErrProxyCommandAfterFirstHop = errors.New("ProxyCommand found in connection chain after first host reached")

	// ErrUnreachableFinalHost is returned when a later hop has neither ProxyJump nor ProxyCommand.
	ErrUnreachableFinalHost = errors.New("unexpected state: final host by configuration, but requested host is not reached")

	// ErrProxyJumpLoop is returned when ProxyJump entries form a cycle.
	ErrProxyJumpLoop = errors.New("ProxyJump chain loops back on itself")

	// ErrNotConnected is returned when no transport is available even after reconnect.
	ErrNotConnected = errors.New("can not get SSH transport (with reconnect)")

	// ErrSFTPUnavailable is returned when the remote refuses the sftp subsystem.
	ErrSFTPUnavailable = errors.New("sftp connection failed")
)

// TimeoutError reports a command that did not finish in time. Result holds
// whatever output was read before the channel was closed.
type TimeoutError struct {
	Result  *ExecResult
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wait for %q during %s failed: no return code", e.Result.Command, e.Timeout)
}

// Unwrap lets errors.Is match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// CalledProcessError reports an exit code outside the expected set.
// A non-empty Reason replaces the exit code summary, as for CheckStderr.
type CalledProcessError struct {
	Result   *ExecResult
	Expected []int
	Reason   string
}

func (e *CalledProcessError) Error() string {
	var b strings.Builder
	if e.Reason != "" {
		fmt.Fprintf(&b, "ssh command failed (%s): %s", e.Reason, e.Result.Command)
	} else {
		fmt.Fprintf(&b, "ssh command failed (exit=%d, expected %v): %s", e.Result.ExitCode(), e.Expected, e.Result.Command)
	}
	if stderr := strings.TrimSpace(e.Result.StderrString()); stderr != "" {
		fmt.Fprintf(&b, "\nstderr:\n%s", stderr)
	}
	return b.String()
}

// ParallelCallError reports remotes whose exit codes were not expected.
type ParallelCallError struct {
	Command  string
	Errors   map[HostKey]*ExecResult
	Results  map[HostKey]*ExecResult
	Expected []int
}

func (e *ParallelCallError) Error() string {
	lines := make([]string, 0, len(e.Errors))
	for _, key := range sortedKeys(e.Errors) {
		lines = append(lines, fmt.Sprintf("\t%s: %d", key, e.Errors[key].ExitCode()))
	}
	return fmt.Sprintf("command %q returned exit code(s) not in %v:\n%s", e.Command, e.Expected, strings.Join(lines, "\n"))
}

// ParallelExceptionsError reports remotes that failed outright. It is
// returned whenever any remote fails, regardless of raise-on-error.
type ParallelExceptionsError struct {
	Command    string
	Exceptions map[HostKey]error
	Errors     map[HostKey]*ExecResult
	Results    map[HostKey]*ExecResult
	Expected   []int
}

func (e *ParallelExceptionsError) Error() string {
	lines := make([]string, 0, len(e.Exceptions))
	for _, key := range sortedKeys(e.Exceptions) {
		lines = append(lines, fmt.Sprintf("\t%s: %v", key, e.Exceptions[key]))
	}
	return fmt.Sprintf("command %q failed on %d remote(s):\n%s", e.Command, len(e.Exceptions), strings.Join(lines, "\n"))
}

// Unwrap exposes every per-remote failure to errors.Is and errors.As.
func (e *ParallelExceptionsError) Unwrap() []error {
	out := make([]error, 0, len(e.Exceptions))
	for _, key := range sortedKeys(e.Exceptions) {
		out = append(out, e.Exceptions[key])
	}
	return out
}

func sortedKeys[V any](m map[HostKey]V) []HostKey {
	keys := make([]HostKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Host != keys[j].Host {
			return keys[i].Host < keys[j].Host
		}
		return keys[i].Port < keys[j].Port
	})
	return keys
}
