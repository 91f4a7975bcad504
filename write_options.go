package lgkv

// WriteOptions controls the behavior of write operations
type WriteOptions struct {
	// Sync makes the write wait until its WAL record is fsynced.
	// Without it the record reaches the OS on return and is synced by
	// the WAL's background sync or the next synced write.
	Sync bool
}

// Predefined WriteOptions
var (
	// Sync forces an fsync on every write
	Sync = &WriteOptions{Sync: true}

	// NoSync returns once the record is written to the log file
	NoSync = &WriteOptions{Sync: false}
)
