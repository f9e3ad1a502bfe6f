package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-xfer/internal/transfer"
)

func TestFileStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "transfers.json")

	fs, err := OpenFileStore(path)
	require.NoError(t, err)

	rec := Record{
		Key:        "https://example.com/a.bin",
		URL:        "https://example.com/a.bin",
		LocalPath:  "/tmp/a.bin",
		Direction:  "download",
		Status:     transfer.StatusCompleted,
		TotalBytes: 42,
	}
	require.NoError(t, fs.Put(rec))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	got, ok, err := reopened.Get(rec.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.LocalPath, got.LocalPath)
	assert.Equal(t, transfer.StatusCompleted, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, reopened.Delete(rec.Key))
	again, err := OpenFileStore(path)
	require.NoError(t, err)
	list, err := again.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := OpenFileStore(path)
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(Record{Key: "b"}))
	require.NoError(t, s.Put(Record{Key: "a"}))
	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{list[0].Key, list[1].Key})

	prev, _, _ := s.Get("b")
	first := prev.CreatedAt
	require.NoError(t, s.Put(Record{Key: "b", CreatedAt: first, Status: transfer.StatusRunning}))
	got, _, _ := s.Get("b")
	assert.Equal(t, first, got.CreatedAt)
	assert.Equal(t, transfer.StatusRunning, got.Status)
}

func TestPrune(t *testing.T) {
	s := NewMemoryStore()
	old := time.Now().Add(-2 * MaxRecordAge)
	s.records["stale"] = Record{Key: "stale", Status: transfer.StatusFailed, UpdatedAt: old}
	s.records["done"] = Record{Key: "done", Status: transfer.StatusCompleted, UpdatedAt: old}
	s.records["fresh"] = Record{Key: "fresh", Status: transfer.StatusRunning, UpdatedAt: time.Now()}

	n, err := Prune(s, MaxRecordAge)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := s.Get("stale")
	assert.False(t, ok)
	_, ok, _ = s.Get("done")
	assert.True(t, ok)
}
