package engine

// Options configures an Engine at Open time.
type Options struct {
	// Dir is the working directory holding the WAL, SSTables, and the
	// exclusion lock file. Defaults to "." if empty.
	Dir string

	// FlushThreshold is the MemTable entry count at or above which a
	// flush is triggered after a Put/Delete. Must be strictly positive;
	// DefaultOptions sets 100 per SPEC_FULL.md §3.
	FlushThreshold int

	// Verbose enables per-operation debug logging (cascade lookups,
	// flush/recovery progress) in addition to the default info level.
	Verbose bool
}

// DefaultOptions returns the baseline configuration: current directory,
// a flush threshold of 100 entries, and quiet logging.
func DefaultOptions() Options {
	return Options{
		Dir:            ".",
		FlushThreshold: 100,
	}
}
