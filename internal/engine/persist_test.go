package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(id string) *TaskState {
	created := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return &TaskState{
		ID:            id,
		URL:           "http://example.test/file.bin",
		Destination:   "/tmp/downloads/file.bin",
		TotalSize:     4096,
		SupportsRange: true,
		ETag:          `"v1"`,
		LastModified:  "Mon, 02 Jan 2006 15:04:05 GMT",
		Chunks: []ChunkState{
			{Index: 0, Start: 0, End: 2048, BytesDownloaded: 2048, Status: ChunkCompleted},
			{Index: 1, Start: 2048, End: 4096, BytesDownloaded: 100, Status: ChunkPaused, Attempts: 1},
		},
		Status:    TaskPaused,
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
	}
}

func TestStateStore(t *testing.T) {
	t.Run("round trips a task", func(t *testing.T) {
		store, err := newStateStore(t.TempDir())
		require.NoError(t, err)

		want := sampleState("t1")
		require.NoError(t, store.save(want))

		got, err := store.load("t1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("keeps per-task overrides", func(t *testing.T) {
		store, err := newStateStore(t.TempDir())
		require.NoError(t, err)

		want := sampleState("t2")
		want.Overrides = &SubmitOptions{TargetChunks: 2, SpeedLimit: 1 << 20}
		require.NoError(t, store.save(want))

		got, err := store.load("t2")
		require.NoError(t, err)
		require.NotNil(t, got.Overrides)
		assert.Equal(t, 2, got.Overrides.TargetChunks)
		assert.Equal(t, int64(1<<20), got.Overrides.SpeedLimit)
	})

	t.Run("leaves no temp files behind", func(t *testing.T) {
		dir := t.TempDir()
		store, err := newStateStore(dir)
		require.NoError(t, err)
		require.NoError(t, store.save(sampleState("t3")))

		matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
		require.NoError(t, err)
		assert.Empty(t, matches)
	})

	t.Run("missing task is not-exist", func(t *testing.T) {
		store, err := newStateStore(t.TempDir())
		require.NoError(t, err)

		_, err = store.load("nope")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("unreadable sidecar is corruption", func(t *testing.T) {
		dir := t.TempDir()
		store, err := newStateStore(dir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "task_bad.json"), []byte("{nope"), 0644))

		_, err = store.load("bad")
		var ce *StateCorruptionError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "bad", ce.TaskID)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store, err := newStateStore(t.TempDir())
		require.NoError(t, err)
		require.NoError(t, store.save(sampleState("t4")))

		require.NoError(t, store.delete("t4"))
		_, err = store.load("t4")
		assert.True(t, os.IsNotExist(err))
		assert.NoError(t, store.delete("t4"))
	})

	t.Run("loadAll returns oldest first and collects damage", func(t *testing.T) {
		dir := t.TempDir()
		store, err := newStateStore(dir)
		require.NoError(t, err)

		oldest := sampleState("oldest")
		middle := sampleState("middle")
		middle.CreatedAt = middle.CreatedAt.Add(time.Hour)
		newest := sampleState("newest")
		newest.CreatedAt = newest.CreatedAt.Add(2 * time.Hour)
		for _, s := range []*TaskState{newest, oldest, middle} {
			require.NoError(t, store.save(s))
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, "task_broken.json"), []byte("not json"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0644))

		states, damaged, err := store.loadAll()
		require.NoError(t, err)
		require.Len(t, states, 3)
		ids := []string{states[0].ID, states[1].ID, states[2].ID}
		assert.Equal(t, []string{"oldest", "middle", "newest"}, ids)
		require.Len(t, damaged, 1)
		assert.Equal(t, "broken", damaged[0].ID)
	})
}

func TestValidateState(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TaskState)
		reason string
	}{
		{"missing identity", func(s *TaskState) { s.URL = "" }, "identity"},
		{"unknown status", func(s *TaskState) { s.Status = "melting" }, "unknown status"},
		{"first chunk offset", func(s *TaskState) { s.Chunks[0].Start = 1 }, "first chunk"},
		{"range gap", func(s *TaskState) { s.Chunks[1].Start = 3000 }, "gap or overlap"},
		{"index mismatch", func(s *TaskState) { s.Chunks[1].Index = 5 }, "index"},
		{"inverted range", func(s *TaskState) { s.Chunks[1].End = 1024 }, "inverted"},
		{"progress beyond range", func(s *TaskState) { s.Chunks[1].BytesDownloaded = 4000 }, "outside range"},
		{"negative progress", func(s *TaskState) { s.Chunks[0].BytesDownloaded = -1 }, "outside range"},
		{"coverage mismatch", func(s *TaskState) { s.TotalSize = 5000 }, "cover"},
		{"open-ended in multi-chunk plan", func(s *TaskState) { s.Chunks[1].End = -1 }, "open-ended"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := sampleState("v")
			tc.mutate(s)
			err := validateState(s)
			var ce *StateCorruptionError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Contains(t, ce.Reason, tc.reason)
		})
	}

	t.Run("fresh queued state passes", func(t *testing.T) {
		s := &TaskState{ID: "q", URL: "http://example.test/f", Destination: "/tmp/f", TotalSize: -1, Status: TaskQueued}
		assert.NoError(t, validateState(s))
	})

	t.Run("single open-ended chunk passes", func(t *testing.T) {
		s := sampleState("o")
		s.TotalSize = -1
		s.Chunks = []ChunkState{{Index: 0, Start: 0, End: -1, BytesDownloaded: 100, Status: ChunkPaused}}
		assert.NoError(t, validateState(s))
	})

	t.Run("intact state passes", func(t *testing.T) {
		assert.NoError(t, validateState(sampleState("ok")))
	})
}
