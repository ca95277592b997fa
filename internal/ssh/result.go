package ssh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ExitCodeInvalid marks a result whose command has not reported an exit
// status, either because it is still running or because it was killed.
// Real exit statuses are never negative.
const ExitCodeInvalid = -1

// HostKey identifies a remote endpoint in fan-out results.
type HostKey struct {
	Host string
	Port int
}

func (k HostKey) String() string {
	return k.Host + ":" + strconv.Itoa(k.Port)
}

// ExecResult collects the output of one remote command. Output accessors
// are safe to call while the command is still running.
type ExecResult struct {
	// Command is the command as logged, with masked parts replaced.
	Command string
	Stdin   []byte
	Started time.Time

	mu        sync.RWMutex
	stdout    []byte
	stderr    []byte
	exitCode  int
	timestamp time.Time
	frozen    bool
}

// NewExecResult returns a result for command with an invalid exit code.
func NewExecResult(command string, stdin []byte, started time.Time) *ExecResult {
	return &ExecResult{
		Command:  command,
		Stdin:    stdin,
		Started:  started,
		exitCode: ExitCodeInvalid,
	}
}

type stream int

const (
	streamStdout stream = iota
	streamStderr
)

func (s stream) String() string {
	if s == streamStderr {
		return "stderr"
	}
	return "stdout"
}

// append adds data to a stream. It reports false once the result is frozen.
func (r *ExecResult) append(s stream, data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return false
	}
	if s == streamStderr {
		r.stderr = append(r.stderr, data...)
	} else {
		r.stdout = append(r.stdout, data...)
	}
	return true
}

// finish records the exit code and completion time and stops further output.
func (r *ExecResult) finish(exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitCode = exitCode
	r.timestamp = time.Now().UTC()
	r.frozen = true
}

// ExitCode returns the exit status, or ExitCodeInvalid.
func (r *ExecResult) ExitCode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exitCode
}

// Finished reports whether the result is final.
func (r *ExecResult) Finished() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Timestamp is when the result became final. Zero while running.
func (r *ExecResult) Timestamp() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timestamp
}

// Duration is the time from start to completion, or to now while running.
func (r *ExecResult) Duration() time.Duration {
	end := r.Timestamp()
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(r.Started)
}

// Stdout returns a copy of the captured stdout.
func (r *ExecResult) Stdout() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bytes.Clone(r.stdout)
}

// Stderr returns a copy of the captured stderr.
func (r *ExecResult) Stderr() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bytes.Clone(r.stderr)
}

// StdoutString returns stdout as text.
func (r *ExecResult) StdoutString() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.stdout)
}

// StderrString returns stderr as text.
func (r *ExecResult) StderrString() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return string(r.stderr)
}

// StdoutLines splits stdout on newlines without the trailing empty line.
func (r *ExecResult) StdoutLines() []string {
	out := strings.TrimRight(r.StdoutString(), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// DecodeStdoutJSON unmarshals stdout as JSON into v.
func (r *ExecResult) DecodeStdoutJSON(v any) error {
	if err := json.Unmarshal(r.Stdout(), v); err != nil {
		return fmt.Errorf("decode stdout of %q as json: %w", r.Command, err)
	}
	return nil
}

// DecodeStdoutYAML unmarshals stdout as YAML into v.
func (r *ExecResult) DecodeStdoutYAML(v any) error {
	if err := yaml.Unmarshal(r.Stdout(), v); err != nil {
		return fmt.Errorf("decode stdout of %q as yaml: %w", r.Command, err)
	}
	return nil
}

func (r *ExecResult) String() string {
	return fmt.Sprintf("ExecResult(cmd=%q, exit_code=%d, stdout=%dB, stderr=%dB)",
		r.Command, r.ExitCode(), len(r.Stdout()), len(r.Stderr()))
}
