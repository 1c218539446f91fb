// Package sstable implements the on-disk, immutable Sorted String Table
// format: a self-contained file holding a key-ordered mapping, with no
// trailer, checksum, block index, or bloom filter (those are explicit
// non-goals — see SPEC_FULL.md §1).
//
// File format, little-endian throughout:
//
//	offset 0: u32 num_entries
//	repeat num_entries times, in ascending key order:
//	  u32 key_len
//	  key_len bytes: key
//	  u32 value_len
//	  value_len bytes: value
package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/E-ugine/storage-engine/memtable"
)

// FormatFilename renders an SSTable generation as the fixed-width,
// zero-padded file name convention: sstable_NNNNNN.sst.
func FormatFilename(generation uint64) string {
	return fmt.Sprintf("sstable_%06d.sst", generation)
}

// ErrCorrupt is returned when a file's contents don't match the format:
// a bad length prefix, or fewer entries than num_entries promised.
var ErrCorrupt = errors.New("sstable: corrupt file")

// Write creates path (truncating if it exists), encodes entries — which
// the caller must already have sorted ascending by key (I5) — and forces
// the bytes to stable storage before returning. On any failure the
// caller is responsible for removing the partial file (see engine's
// flush failure policy, SPEC_FULL.md §9 OQ6); Write itself does not
// attempt cleanup so that callers retain control of that decision.
func Write(path string, entries []memtable.Entry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "sstable: create %s", path)
	}
	defer func() { _ = f.Close() }()

	w := bufio.NewWriter(f)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(entries)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrapf(err, "sstable: write header to %s", path)
	}

	for _, e := range entries {
		if err := writeEntry(w, e); err != nil {
			return errors.Wrapf(err, "sstable: write entry to %s", path)
		}
	}

	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "sstable: flush %s", path)
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "sstable: sync %s", path)
	}
	return nil
}

func writeEntry(w *bufio.Writer, e memtable.Entry) error {
	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.Key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.Key); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(e.Value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.Value); err != nil {
		return err
	}
	return nil
}

// Read reconstructs the full mapping held by the SSTable at path.
func Read(path string) ([]memtable.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", path)
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)

	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, errors.Wrapf(wrapEOF(err), "sstable: read header of %s", path)
	}
	numEntries := binary.LittleEndian.Uint32(hdr[:])

	entries := make([]memtable.Entry, 0, numEntries)
	for i := uint32(0); i < numEntries; i++ {
		e, err := readEntry(r)
		if err != nil {
			return nil, errors.Wrapf(err, "sstable: read entry %d of %s", i, path)
		}
		entries = append(entries, e)
	}

	// A well-formed file must end exactly where its last entry ends: any
	// further bytes mean num_entries understated the payload.
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, errors.Wrapf(ErrCorrupt, "sstable: trailing bytes after %d entries in %s", numEntries, path)
	}

	return entries, nil
}

func readEntry(r *bufio.Reader) (memtable.Entry, error) {
	key, err := readLengthPrefixed(r)
	if err != nil {
		return memtable.Entry{}, err
	}
	if !utf8.Valid(key) {
		return memtable.Entry{}, errors.Wrap(ErrCorrupt, "key is not valid UTF-8")
	}
	value, err := readLengthPrefixed(r)
	if err != nil {
		return memtable.Entry{}, err
	}
	if !utf8.Valid(value) {
		return memtable.Entry{}, errors.Wrap(ErrCorrupt, "value is not valid UTF-8")
	}
	return memtable.Entry{Key: key, Value: value}, nil
}

func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, wrapEOF(err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, wrapEOF(err)
	}
	return buf, nil
}

// wrapEOF turns any EOF met while num_entries still promises more bytes
// into ErrCorrupt: a premature EOF inside a field, and a clean EOF at a
// record boundary alike, since both mean the file ended with entries
// remaining. Other errors are returned unchanged.
func wrapEOF(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	return err
}

// Get is a convenience equivalent to Read(path) followed by a lookup. In
// the baseline this loads the entire file for every call — an
// acknowledged performance limitation (SPEC_FULL.md §4.1) that a future
// sparse index would fix, but that block-level indexing is itself an
// explicit non-goal for now.
func Get(path string, key []byte) ([]byte, bool, error) {
	entries, err := Read(path)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if string(e.Key) == string(key) {
			return e.Value, true, nil
		}
	}
	return nil, false, nil
}
