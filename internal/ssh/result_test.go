package ssh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecResultLifecycle(t *testing.T) {
	started := time.Now().UTC()
	r := NewExecResult("cat config", nil, started)
	assert.Equal(t, ExitCodeInvalid, r.ExitCode())
	assert.False(t, r.Finished())
	assert.True(t, r.Timestamp().IsZero())

	require.True(t, r.append(streamStdout, []byte(`{"name": "web", "replicas": 2}`+"\n")))
	require.True(t, r.append(streamStderr, []byte("warn\n")))
	r.finish(0)

	assert.False(t, r.append(streamStdout, []byte("late")), "frozen results drop output")
	assert.Equal(t, 0, r.ExitCode())
	assert.True(t, r.Finished())
	assert.Equal(t, "warn\n", r.StderrString())
	assert.GreaterOrEqual(t, r.Duration(), time.Duration(0))

	var decoded struct {
		Name     string `json:"name" yaml:"name"`
		Replicas int    `json:"replicas" yaml:"replicas"`
	}
	require.NoError(t, r.DecodeStdoutJSON(&decoded))
	assert.Equal(t, "web", decoded.Name)
	assert.Equal(t, 2, decoded.Replicas)

	decoded.Name = ""
	require.NoError(t, r.DecodeStdoutYAML(&decoded))
	assert.Equal(t, "web", decoded.Name)
}

func TestExecResultStdoutLines(t *testing.T) {
	r := NewExecResult("ls", nil, time.Now())
	assert.Nil(t, r.StdoutLines())
	r.append(streamStdout, []byte("a\nb\n\n"))
	assert.Equal(t, []string{"a", "b"}, r.StdoutLines())
}

func TestErrorMessages(t *testing.T) {
	failed := NewExecResult("false", nil, time.Now())
	failed.append(streamStderr, []byte("nope\n"))
	failed.finish(1)
	ok := NewExecResult("false", nil, time.Now())
	ok.finish(0)

	keyA := HostKey{Host: "a", Port: 22}
	keyB := HostKey{Host: "b", Port: 2222}

	procErr := &CalledProcessError{Result: failed, Expected: []int{0}}
	assert.Contains(t, procErr.Error(), "exit=1")
	assert.Contains(t, procErr.Error(), "nope")

	callErr := &ParallelCallError{
		Command:  "false",
		Errors:   map[HostKey]*ExecResult{keyB: failed},
		Results:  map[HostKey]*ExecResult{keyA: ok, keyB: failed},
		Expected: []int{0},
	}
	assert.Contains(t, callErr.Error(), "b:2222: 1")

	timeoutErr := &TimeoutError{Result: failed, Timeout: time.Second}
	excErr := &ParallelExceptionsError{
		Command:    "false",
		Exceptions: map[HostKey]error{keyA: timeoutErr, keyB: errors.New("boom")},
	}
	assert.Contains(t, excErr.Error(), "failed on 2 remote(s)")
	assert.ErrorIs(t, excErr, context.DeadlineExceeded)
	var asTimeout *TimeoutError
	require.ErrorAs(t, excErr, &asTimeout)
	assert.Same(t, timeoutErr, asTimeout)
}

func TestHostKeyString(t *testing.T) {
	assert.Equal(t, "10.0.0.1:22", HostKey{Host: "10.0.0.1", Port: 22}.String())
}

func TestExitCodeInvalidIsPortable(t *testing.T) {
	assert.Equal(t, ExitCodeInvalid, int(int32(ExitCodeInvalid)), "sentinel fits a 32-bit int")
	assert.Negative(t, ExitCodeInvalid, "sentinel never collides with a remote exit status")
}
