package main

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/twlk9/lgkv"
	"github.com/twlk9/lgkv/sstable"
	"golang.org/x/sync/errgroup"
)

func tablePath(dbPath string, num uint64) string {
	return filepath.Join(dbPath, fmt.Sprintf("%06d.sst", num))
}

func listCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("list command requires database path")
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	v := db.Version()
	defer v.Unref()

	fmt.Printf("Database: %s\n", db.Path())
	fmt.Printf("Last sequence: %d\n\n", v.LastSeq())

	var totalFiles int
	var totalBytes uint64
	for level := 0; level < v.NumLevels(); level++ {
		files := v.Files(level)
		if len(files) == 0 {
			continue
		}
		fmt.Printf("Level %d (%d files, %s)\n", level, len(files), formatBytes(uint64(v.LevelSize(level))))
		for _, f := range files {
			fmt.Printf("  %06d  %10s  entries=%-8d tombstones=%-6d seq=[%d,%d]  %s .. %s\n",
				f.FileNum, formatBytes(f.Size), f.NumEntries, f.NumTombstones, f.SmallestSeq, f.LargestSeq,
				formatKey(f.SmallestKey.UserKey(), 32), formatKey(f.LargestKey.UserKey(), 32))
			totalBytes += f.Size
		}
		totalFiles += len(files)
		fmt.Println()
	}
	fmt.Printf("Total: %d files, %s\n", totalFiles, formatBytes(totalBytes))
	return nil
}

func dumpCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("dump command requires database path and file number")
	}
	num, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid file number %q: %w", args[1], err)
	}

	r, err := sstable.Open(tablePath(args[0], num), sstable.ReaderOptions{FileNum: num})
	if err != nil {
		return err
	}
	defer r.Close()

	fmt.Printf("Table %06d: %s\n\n", num, r.Properties())
	it := r.NewIterator(nil)
	defer it.Close()
	var count int
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := it.Key()
		fmt.Printf("%-6s seq=%-10d %s", k.Kind(), k.Seq(), formatKey(k.UserKey(), 64))
		if !k.IsTombstone() {
			fmt.Printf(" = %s", formatValue(it.Value(), 64))
		}
		fmt.Println()
		count++
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Printf("\n%d entries\n", count)
	return nil
}

// verifyCommand checksums every live table in parallel, then reads
// every visible key through the engine.
func verifyCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("verify command requires database path")
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	v := db.Version()
	defer v.Unref()

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	var tables, entries atomic.Uint64
	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			g.Go(func() error {
				r, err := sstable.Open(tablePath(db.Path(), f.FileNum), sstable.ReaderOptions{FileNum: f.FileNum})
				if err != nil {
					return err
				}
				defer r.Close()
				if err := r.Verify(); err != nil {
					return err
				}
				if r.Properties().NumEntries != f.NumEntries {
					return fmt.Errorf("table %06d: manifest records %d entries, table has %d",
						f.FileNum, f.NumEntries, r.Properties().NumEntries)
				}
				tables.Add(1)
				entries.Add(f.NumEntries)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("Verified %d tables (%d entries)\n", tables.Load(), entries.Load())

	it, err := db.Scan(nil, nil)
	if err != nil {
		return err
	}
	defer it.Close()
	var live int
	for it.SeekToFirst(); it.Valid(); it.Next() {
		live++
	}
	if err := it.Error(); err != nil {
		return err
	}
	fmt.Printf("Scanned %d live keys\n", live)
	return nil
}

func compactCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("compact command requires database path")
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	before := db.Stats()
	if err := db.CompactAll(); err != nil {
		return err
	}
	after := db.Stats()
	printLevels("Before", before)
	printLevels("After", after)
	fmt.Printf("Compactions: %d, bytes read %s, bytes written %s\n",
		after.Compaction.Compactions, formatBytes(uint64(after.Compaction.BytesRead)), formatBytes(uint64(after.Compaction.BytesWritten)))
	return nil
}

func printLevels(title string, s lgkv.Stats) {
	fmt.Printf("%s:\n", title)
	for level, n := range s.LevelFiles {
		if n == 0 {
			continue
		}
		fmt.Printf("  L%d: %d files, %s\n", level, n, formatBytes(uint64(s.LevelBytes[level])))
	}
}

// layoutCommand prints the per level budgets the configured options
// imply, and how many levels a database of the given size needs.
func layoutCommand(args []string) error {
	opts, err := loadOptions("")
	if err != nil {
		return err
	}
	var total int64
	if len(args) > 0 {
		if total, err = parseSize(args[0]); err != nil {
			return err
		}
	}

	fmt.Printf("Memtable: %s, level multiplier %.1f, file multiplier %.1f, %d levels\n\n",
		formatBytes(uint64(opts.MemtableSizeThreshold)), opts.LevelSizeMultiplier, opts.LevelFileSizeMultiplier, opts.MaxLevels)
	fmt.Printf("%-6s %12s %12s %10s\n", "Level", "Capacity", "File size", "Files")
	fmt.Printf("%-6s %12s %12s %10d\n", "L0", "-", formatBytes(uint64(opts.TargetFileSize(0))), opts.Level0CompactionTrigger)

	var capacity int64
	needed := 0
	for level := 1; level < opts.MaxLevels; level++ {
		levelMax := opts.LevelMaxBytes(level)
		file := opts.TargetFileSize(level)
		fmt.Printf("L%-5d %12s %12s %10d\n", level, formatBytes(uint64(levelMax)), formatBytes(uint64(file)), (levelMax+file-1)/file)
		if total > 0 && capacity < total {
			needed = level
		}
		capacity += levelMax
	}
	fmt.Printf("\nTotal capacity: %s\n", formatBytes(uint64(capacity)))
	if total > 0 {
		if capacity < total {
			fmt.Printf("%s does not fit in %d levels\n", formatBytes(uint64(total)), opts.MaxLevels)
		} else {
			fmt.Printf("%s fills levels 1..%d\n", formatBytes(uint64(total)), needed)
		}
	}
	return nil
}
