package history

import (
	"context"
	"time"

	"github.com/tOgg1/remex/internal/ssh"
)

// outputLimit caps the stored bytes of each stream; the tail is kept.
const outputLimit = 4096

// Recorder writes execution results to a Store. A nil Recorder or one
// without a store records nothing.
type Recorder struct {
	store   *Store
	maxRows int
	runID   string
}

// NewRecorder returns a Recorder that prunes to maxRows after each write.
func NewRecorder(store *Store, maxRows int) *Recorder {
	return &Recorder{store: store, maxRows: maxRows}
}

// WithRun returns a copy tagging entries with runID.
func (r *Recorder) WithRun(runID string) *Recorder {
	if r == nil {
		return nil
	}
	out := *r
	out.runID = runID
	return &out
}

// Record stores the outcome of one command run as user on key. result may
// be nil when the command never started.
func (r *Recorder) Record(ctx context.Context, key ssh.HostKey, user, command string, result *ssh.ExecResult, execErr error) error {
	if r == nil || r.store == nil {
		return nil
	}

	entry := NewEntry(key, user, command, result, execErr)
	entry.RunID = r.runID
	if err := r.store.Record(ctx, entry); err != nil {
		return err
	}
	if r.maxRows > 0 {
		if _, err := r.store.Cleanup(ctx, r.maxRows); err != nil {
			return err
		}
	}
	return nil
}

// NewEntry converts an execution outcome into an Entry.
func NewEntry(key ssh.HostKey, user, command string, result *ssh.ExecResult, execErr error) *Entry {
	entry := &Entry{
		Host:      key.Host,
		Port:      key.Port,
		User:      user,
		Command:   command,
		ExitCode:  ssh.ExitCodeInvalid,
		StartedAt: time.Now().UTC(),
	}
	if result != nil {
		entry.Command = result.Command
		entry.ExitCode = result.ExitCode()
		entry.Stdout = tail(result.StdoutString())
		entry.Stderr = tail(result.StderrString())
		entry.StartedAt = result.Started
		entry.Duration = result.Duration()
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	}
	return entry
}

func tail(s string) string {
	if len(s) <= outputLimit {
		return s
	}
	return s[len(s)-outputLimit:]
}
