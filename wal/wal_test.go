package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")

	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.LogPut([]byte("user_1"), []byte("Alice")))
	require.NoError(t, w.LogPut([]byte("user_2"), []byte("Bob")))
	require.NoError(t, w.LogDelete([]byte("user_1")))
	require.NoError(t, w.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.Equal(t, OpPut, records[0].Op)
	require.Equal(t, "user_1", string(records[0].Key))
	require.Equal(t, "Alice", string(records[0].Value))

	require.Equal(t, OpPut, records[1].Op)
	require.Equal(t, "user_2", string(records[1].Key))
	require.Equal(t, "Bob", string(records[1].Value))

	require.Equal(t, OpDelete, records[2].Op)
	require.Equal(t, "user_1", string(records[2].Key))
}

func TestWireFormatIsLineOriented(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.LogPut([]byte("user_1"), []byte("Alice")))
	require.NoError(t, w.LogPut([]byte("user_2"), []byte("Bob")))
	require.NoError(t, w.LogDelete([]byte("user_1")))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "PUT,user_1,Alice\nPUT,user_2,Bob\nDELETE,user_1\n", string(raw))
}

func TestReplayOfMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.log")
	records, err := Replay(path)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestReplayDiscardsMalformedTrailingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")
	content := "PUT,a,1\nPUT,b,2\nPUT,c" // truncated mid-append, no trailing newline
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", string(records[0].Key))
	require.Equal(t, "b", string(records[1].Key))
}

func TestReplayFailsOnInteriorCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")
	content := "PUT,a,1\nGARBAGE\nPUT,c,3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Replay(path)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReplayPreservesExistingContentOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.LogPut([]byte("a"), []byte("1")))
	require.NoError(t, w.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w2.LogPut([]byte("b"), []byte("2")))
	require.NoError(t, w2.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestTruncateEmptiesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.log")

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.LogPut([]byte("a"), []byte("1")))
	require.NoError(t, w.Truncate())
	require.NoError(t, w.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}
