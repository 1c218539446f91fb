package sstable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/E-ugine/storage-engine/memtable"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sstable_000000.sst")
	entries := []memtable.Entry{
		{Key: []byte("alice"), Value: []byte("Alice Smith")},
		{Key: []byte("bob"), Value: []byte("Bob Jones")},
	}

	require.NoError(t, Write(path, entries))

	got, err := Read(path)
	require.NoError(t, err)
	require.Equal(t, entries, got)
}

func TestByteLayoutIsBitExact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sstable_000000.sst")
	entries := []memtable.Entry{
		{Key: []byte("alice"), Value: []byte("Alice Smith")},
		{Key: []byte("bob"), Value: []byte("Bob Jones")},
	}
	require.NoError(t, Write(path, entries))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	expected := []byte{
		0x02, 0x00, 0x00, 0x00, // num_entries = 2
		0x05, 0x00, 0x00, 0x00, // key_len("alice")
	}
	expected = append(expected, []byte("alice")...)
	expected = append(expected, 0x0B, 0x00, 0x00, 0x00) // value_len("Alice Smith") = 11
	expected = append(expected, []byte("Alice Smith")...)
	expected = append(expected, 0x03, 0x00, 0x00, 0x00) // key_len("bob")
	expected = append(expected, []byte("bob")...)
	expected = append(expected, 0x09, 0x00, 0x00, 0x00) // value_len("Bob Jones") = 9
	expected = append(expected, []byte("Bob Jones")...)

	require.Equal(t, expected, raw)
	require.Len(t, raw, 48)
}

func TestGetFindsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sstable_000000.sst")
	entries := []memtable.Entry{
		{Key: []byte("k1"), Value: []byte("v1")},
		{Key: []byte("k2"), Value: []byte("v2")},
	}
	require.NoError(t, Write(path, entries))

	v, ok, err := Get(path, []byte("k2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(v))

	_, ok, err = Get(path, []byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadMissingFileFails(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.sst"))
	require.Error(t, err)
}

func TestReadTruncatedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sstable_000000.sst")
	entries := []memtable.Entry{{Key: []byte("k"), Value: []byte("v")}}
	require.NoError(t, Write(path, entries))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-2], 0o644))

	_, err = Read(path)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReadRejectsTrailingGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sstable_000000.sst")
	entries := []memtable.Entry{{Key: []byte("k"), Value: []byte("v")}}
	require.NoError(t, Write(path, entries))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = append(raw, 0xFF)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Read(path)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestWriteOfEmptyMapProducesFourByteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sstable_000000.sst")
	require.NoError(t, Write(path, nil))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, raw)

	entries, err := Read(path)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFormatFilename(t *testing.T) {
	require.Equal(t, "sstable_000000.sst", FormatFilename(0))
	require.Equal(t, "sstable_000042.sst", FormatFilename(42))
}
