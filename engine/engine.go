// Package engine is the store's front door: it orders WAL append,
// in-memory mutation, flush, and SSTable rotation so that I1–I6 hold,
// and it performs the cascaded newest-first read across the MemTable and
// every SSTable generation.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/E-ugine/storage-engine/memtable"
	"github.com/E-ugine/storage-engine/sstable"
	"github.com/E-ugine/storage-engine/wal"
)

const (
	walFileName  = "data.log"
	lockFileName = ".lsmkv.lock"

	sstablePrefix = "sstable_"
	sstableSuffix = ".sst"
)

// Sentinel errors distinguishable via errors.Is.
var (
	ErrClosed       = errors.New("engine: closed")
	ErrLocked       = errors.New("engine: directory already held by another engine")
	ErrFailed       = errors.New("engine: failed, unusable until reopened")
	ErrEmptyKey     = errors.New("engine: empty key")
	ErrBadThreshold = errors.New("engine: flush threshold must be positive")
)

// state is the Engine's position in the state machine described in
// SPEC_FULL.md §4.4.
type state uint8

const (
	stateServing state = iota
	stateFailed
	stateClosed
)

// Engine owns the MemTable, the open WAL, the generation counter, and
// the set of on-disk SSTables for one working directory. The mutex below
// serializes every call, so accidental concurrent use from several
// goroutines blocks until the other call returns instead of corrupting
// memory (SPEC_FULL.md §5); no two calls ever run at the same time.
type Engine struct {
	mu    sync.Mutex
	state state

	dir     string
	opts    Options
	log     *logrus.Entry
	lock    *flock.Flock

	mem     *memtable.Memtable
	w       *wal.WAL
	walPath string

	nextGen  uint64
	sstPaths []string // ascending by generation; newest is last
}

// Open acquires the working directory's exclusion lock, replays any
// existing WAL into a fresh MemTable, discovers existing SSTables to
// resume the generation counter past the highest one found, and opens
// the WAL for further appends.
func Open(opts Options) (*Engine, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.FlushThreshold <= 0 {
		return nil, ErrBadThreshold
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "engine: create directory %s", opts.Dir)
	}

	log := logrus.WithField("dir", opts.Dir)
	if opts.Verbose {
		log.Logger.SetLevel(logrus.DebugLevel)
	}

	lockPath := filepath.Join(opts.Dir, lockFileName)
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "engine: lock %s", lockPath)
	}
	if !locked {
		return nil, ErrLocked
	}

	e := &Engine{
		dir:     opts.Dir,
		opts:    opts,
		log:     log,
		lock:    lock,
		mem:     memtable.New(),
		walPath: filepath.Join(opts.Dir, walFileName),
	}

	if err := e.replayWAL(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := e.discoverSSTables(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	w, err := wal.Open(e.walPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	e.w = w

	log.WithFields(logrus.Fields{
		"memtable_entries": e.mem.Len(),
		"sstables":         len(e.sstPaths),
		"next_generation":  e.nextGen,
	}).Info("engine: opened")
	return e, nil
}

func (e *Engine) replayWAL() error {
	records, err := wal.Replay(e.walPath)
	if err != nil {
		return errors.Wrap(err, "engine: replay WAL")
	}
	for _, r := range records {
		switch r.Op {
		case wal.OpPut:
			e.mem.Put(r.Key, r.Value)
		case wal.OpDelete:
			e.mem.Delete(r.Key)
		}
	}
	return nil
}

func (e *Engine) discoverSSTables() error {
	ents, err := os.ReadDir(e.dir)
	if err != nil {
		return errors.Wrapf(err, "engine: scan %s", e.dir)
	}

	type found struct {
		gen  uint64
		path string
	}
	var all []found
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		gen, ok := parseGeneration(ent.Name())
		if !ok {
			continue
		}
		all = append(all, found{gen: gen, path: filepath.Join(e.dir, ent.Name())})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].gen < all[j].gen })

	e.sstPaths = make([]string, 0, len(all))
	e.nextGen = 0
	for _, f := range all {
		e.sstPaths = append(e.sstPaths, f.path)
		if f.gen+1 > e.nextGen {
			e.nextGen = f.gen + 1
		}
	}
	return nil
}

func parseGeneration(name string) (uint64, bool) {
	if !strings.HasPrefix(name, sstablePrefix) || !strings.HasSuffix(name, sstableSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, sstablePrefix), sstableSuffix)
	gen, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// Put durably appends a PUT record, then applies it to the MemTable, then
// flushes if the threshold is reached. See SPEC_FULL.md §4.4 for why the
// WAL append must precede the in-memory update.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkUsable(); err != nil {
		return err
	}
	if err := e.w.LogPut(key, value); err != nil {
		return errors.Wrap(err, "engine: put")
	}
	e.mem.Put(key, value)
	e.log.WithField("key", string(key)).Debug("engine: put applied")
	return e.maybeFlushLocked()
}

// Delete durably appends a DELETE record, then removes the key from the
// MemTable. Deleting an absent key, or one that exists only in an older
// SSTable, is not an error (SPEC_FULL.md §4.4, §9 Open Question 5).
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkUsable(); err != nil {
		return err
	}
	if err := e.w.LogDelete(key); err != nil {
		return errors.Wrap(err, "engine: delete")
	}
	e.mem.Delete(key)
	e.log.WithField("key", string(key)).Debug("engine: delete applied")
	return e.maybeFlushLocked()
}

// Get performs the newest-first read cascade: the MemTable, then each
// SSTable generation from newest to oldest.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkUsable(); err != nil {
		return nil, false, err
	}

	if v, ok := e.mem.Get(key); ok {
		e.log.WithField("key", string(key)).Debug("engine: found in memtable")
		return v, true, nil
	}

	for i := len(e.sstPaths) - 1; i >= 0; i-- {
		path := e.sstPaths[i]
		v, ok, err := sstable.Get(path, key)
		if err != nil {
			return nil, false, errors.Wrapf(err, "engine: get %s from %s", key, path)
		}
		if ok {
			e.log.WithFields(logrus.Fields{"key": string(key), "sstable": path}).Debug("engine: found in sstable")
			return v, true, nil
		}
	}

	e.log.WithField("key", string(key)).Debug("engine: not found")
	return nil, false, nil
}

// Flush forces an out-of-band flush of the current MemTable, regardless
// of the configured threshold. Put/Delete call this internally once the
// threshold is reached; it is also exported for callers that want a
// quiescent, fully-flushed store before shutting down.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkUsable(); err != nil {
		return err
	}
	if e.mem.Len() == 0 {
		return nil
	}
	return e.flushLocked()
}

func (e *Engine) maybeFlushLocked() error {
	if e.mem.Len() < e.opts.FlushThreshold {
		return nil
	}
	return e.flushLocked()
}

// flushLocked implements SPEC_FULL.md §4.4's flush steps. On a write
// failure the MemTable and WAL are left untouched and the partial
// SSTable is removed (§9 Open Question 6); on a WAL-truncation failure
// after the SSTable is already durable, the Engine transitions to the
// terminal Failed state since durability of prior writes is preserved
// but the Engine itself can no longer safely accept new ones.
func (e *Engine) flushLocked() error {
	entries := e.mem.SortedEntries()
	gen := e.nextGen
	path := filepath.Join(e.dir, sstable.FormatFilename(gen))

	if err := sstable.Write(path, entries); err != nil {
		_ = os.Remove(path)
		return errors.Wrapf(err, "engine: flush to generation %d", gen)
	}
	e.nextGen = gen + 1

	e.mem = memtable.New()

	if err := e.w.Truncate(); err != nil {
		e.state = stateFailed
		return errors.Wrapf(ErrFailed, "engine: wal truncate after flush to generation %d (%v)", gen, err)
	}

	e.sstPaths = append(e.sstPaths, path)
	e.log.WithFields(logrus.Fields{
		"generation": gen,
		"entries":    len(entries),
	}).Info("engine: flushed")
	return nil
}

// Close releases the WAL handle and the exclusion lock. It does not
// flush: a caller that wants a flushed store before shutdown calls
// Flush() explicitly first.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateClosed {
		return nil
	}
	var closeErr error
	if e.w != nil {
		closeErr = e.w.Close()
	}
	if err := e.lock.Unlock(); err != nil && closeErr == nil {
		closeErr = errors.Wrap(err, "engine: release lock")
	}
	e.state = stateClosed
	return closeErr
}

func (e *Engine) checkUsable() error {
	switch e.state {
	case stateClosed:
		return ErrClosed
	case stateFailed:
		return ErrFailed
	default:
		return nil
	}
}
