package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/remex/internal/ssh"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *Store, base time.Time, entries ...Entry) {
	t.Helper()
	for i := range entries {
		e := entries[i]
		if e.StartedAt.IsZero() {
			e.StartedAt = base.Add(time.Duration(i) * time.Second)
		}
		require.NoError(t, store.Record(context.Background(), &e))
	}
}

func TestRecordAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 4, 5, 6, 7, 890, time.FixedZone("x", 3600))
	entry := &Entry{
		RunID:     "run-1",
		Host:      "web01",
		Port:      2222,
		User:      "deploy",
		Command:   "uptime",
		ExitCode:  0,
		Stdout:    "up 3 days\n",
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	}
	require.NoError(t, store.Record(ctx, entry))
	require.NotEmpty(t, entry.ID)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "web01", got.Host)
	assert.Equal(t, 2222, got.Port)
	assert.Equal(t, "deploy", got.User)
	assert.Equal(t, "uptime", got.Command)
	assert.Equal(t, "up 3 days\n", got.Stdout)
	assert.Empty(t, got.Stderr)
	assert.Empty(t, got.Error)
	assert.True(t, got.StartedAt.Equal(started))
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
}

func TestRecordValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	assert.ErrorContains(t, store.Record(ctx, &Entry{Command: "ls"}), "host is required")
	assert.ErrorContains(t, store.Record(ctx, &Entry{Host: "h"}), "command is required")
}

func TestGetMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}

func TestListFiltered(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	seed(t, store, base,
		Entry{Host: "a", Port: 22, Command: "ls -la", RunID: "r1"},
		Entry{Host: "b", Port: 22, Command: "false", ExitCode: 1, RunID: "r1"},
		Entry{Host: "a", Port: 22, Command: "echo 100%", Error: "timeout"},
		Entry{Host: "a", Port: 22, Command: "echo 100x"},
	)

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "echo 100x", all[0].Command, "newest first")
	assert.Equal(t, "ls -la", all[3].Command)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "host", filter: Filter{Host: "b"}, want: []string{"false"}},
		{name: "run", filter: Filter{RunID: "r1"}, want: []string{"false", "ls -la"}},
		{name: "failed", filter: Filter{FailedOnly: true}, want: []string{"echo 100%", "false"}},
		{name: "like escapes wildcards", filter: Filter{CommandLike: "100%"}, want: []string{"echo 100%"}},
		{name: "limit", filter: Filter{Limit: 1}, want: []string{"echo 100x"}},
		{name: "since", filter: Filter{Since: timePtr(base.Add(2 * time.Second))}, want: []string{"echo 100x", "echo 100%"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.ListFiltered(ctx, tt.filter)
			require.NoError(t, err)
			var commands []string
			for _, e := range entries {
				commands = append(commands, e.Command)
			}
			assert.Equal(t, tt.want, commands)
		})
	}
}

func TestCleanupKeepsNewest(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	seed(t, store, base,
		Entry{Host: "h", Command: "one"},
		Entry{Host: "h", Command: "two"},
		Entry{Host: "h", Command: "three"},
	)

	deleted, err := store.Cleanup(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = store.Cleanup(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	entries, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "three", entries[0].Command)
	assert.Equal(t, "two", entries[1].Command)
}

func TestDeleteHost(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seed(t, store, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Entry{Host: "a", Command: "x"},
		Entry{Host: "b", Command: "y"},
		Entry{Host: "a", Command: "z"},
	)

	deleted, err := store.DeleteHost(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestNewEntry(t *testing.T) {
	key := ssh.HostKey{Host: "db", Port: 22}

	e := NewEntry(key, "root", "ls", nil, errors.New("dial failed"))
	assert.Equal(t, "db", e.Host)
	assert.Equal(t, "root", e.User)
	assert.Equal(t, "ls", e.Command)
	assert.Equal(t, ssh.ExitCodeInvalid, e.ExitCode)
	assert.Equal(t, "dial failed", e.Error)
	assert.False(t, e.StartedAt.IsZero())

	started := time.Now().UTC().Add(-time.Second)
	result := ssh.NewExecResult("masked ******", nil, started)
	e = NewEntry(key, "root", "raw secret", result, nil)
	assert.Equal(t, "masked ******", e.Command, "stored command is the masked one")
	assert.Equal(t, started, e.StartedAt)
	assert.Empty(t, e.Error)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", tail("short"))
	long := strings.Repeat("a", outputLimit) + "end"
	got := tail(long)
	assert.Len(t, got, outputLimit)
	assert.True(t, strings.HasSuffix(got, "end"))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.Nil(t, r.WithRun("x"))
	assert.NoError(t, r.Record(context.Background(), ssh.HostKey{}, "", "ls", nil, nil))
}

func timePtr(t time.Time) *time.Time { return &t }
