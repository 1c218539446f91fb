// Command lsmkv is the demo/clear driver for the storage engine. It is
// an external collaborator to the core library (SPEC_FULL.md §1): the
// durability and correctness contracts live in package engine, not here.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/E-ugine/storage-engine/engine"
)

func init() {
	if lvl, err := logrus.ParseLevel(os.Getenv("LSMKV_LOG_LEVEL")); err == nil {
		logrus.SetLevel(lvl)
	}
}

func main() {
	fs := flag.NewFlagSet("lsmkv", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.String("dir", "data", "working directory (WAL + SSTables live here)")
	threshold := fs.Int("threshold", 100, "MemTable flush threshold, in entries")
	verbose := fs.Bool("verbose", false, "enable per-operation debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()

	if len(args) == 1 && args[0] == "clear" {
		if err := clear(*dir); err != nil {
			fatal(err)
		}
		fmt.Println("cleared", *dir)
		return
	}
	if len(args) > 0 {
		usage()
		os.Exit(2)
	}

	opts := engine.DefaultOptions()
	opts.Dir = *dir
	opts.FlushThreshold = *threshold
	opts.Verbose = *verbose

	if err := demo(opts); err != nil {
		fatal(err)
	}
}

// demo writes a small scripted sequence of puts, deletes, and reads,
// printing progress as it goes, then forces a flush to show the full
// write/flush path working end to end.
func demo(opts engine.Options) error {
	sessionID := uuid.NewString()
	fmt.Printf("session %s: opening store at %s (flush threshold %d)\n", sessionID, opts.Dir, opts.FlushThreshold)

	e, err := engine.Open(opts)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	seed := []struct{ key, value string }{
		{"user_1", "Alice"},
		{"user_2", "Bob"},
		{"user_3", "Carol"},
	}
	for _, kv := range seed {
		if err := e.Put([]byte(kv.key), []byte(kv.value)); err != nil {
			return err
		}
		fmt.Printf("  put %s = %s\n", kv.key, kv.value)
	}

	if err := e.Delete([]byte("user_1")); err != nil {
		return err
	}
	fmt.Println("  deleted user_1")

	for _, key := range []string{"user_1", "user_2", "user_3"} {
		v, ok, err := e.Get([]byte(key))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Printf("  get %s -> (not found)\n", key)
			continue
		}
		fmt.Printf("  get %s -> %s\n", key, v)
	}

	fmt.Println("  forcing a flush...")
	start := time.Now()
	if err := e.Flush(); err != nil {
		return err
	}
	fmt.Printf("  flushed in %s\n", time.Since(start))

	size, err := dirSize(opts.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("session %s: done, %s on disk in %s\n", sessionID, humanize.Bytes(uint64(size)), opts.Dir)
	return nil
}

// clear removes the WAL, the lock file, and every SSTable in dir. It
// does not go through an Engine: a live Engine already holds the
// exclusion lock, so clear is meant to run against a directory with no
// open Engine.
func clear(dir string) error {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, ent := range ents {
		name := ent.Name()
		if name == "data.log" || name == ".lsmkv.lock" || isSSTableName(name) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func isSSTableName(name string) bool {
	return strings.HasPrefix(name, "sstable_") && strings.HasSuffix(name, ".sst")
}

func dirSize(dir string) (int64, error) {
	var total int64
	ents, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, ent := range ents {
		info, err := ent.Info()
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			total += info.Size()
		}
	}
	return total, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  lsmkv [-dir=data] [-threshold=100] [-verbose]       run the demo")
	fmt.Fprintln(os.Stderr, "  lsmkv [-dir=data] clear                            remove WAL + SSTables")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
