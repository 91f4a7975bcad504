package main

import (
	"fmt"
	"io"
	"os"

	"github.com/twlk9/lgkv"
)

// openOrCreate opens the database at path, creating it if needed.
func openOrCreate(path string) (*lgkv.DB, error) {
	opts, err := loadOptions(path)
	if err != nil {
		return nil, err
	}
	opts.CreateIfMissing = true
	db, err := lgkv.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func getCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("get command requires database path and key")
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()
	return printGet(os.Stdout, db, decodeArg(args[1]))
}

func putCommand(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("put command requires database path, key and value")
	}
	db, err := openOrCreate(args[0])
	if err != nil {
		return err
	}
	if err := db.PutWithOptions(decodeArg(args[1]), decodeArg(args[2]), &lgkv.WriteOptions{Sync: true}); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

func deleteCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("delete command requires database path and key")
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	if err := db.DeleteWithOptions(decodeArg(args[1]), &lgkv.WriteOptions{Sync: true}); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

func scanCommand(args []string, reverse bool) error {
	if len(args) < 1 {
		return fmt.Errorf("scan command requires database path")
	}
	var start, end []byte
	if len(args) > 1 && args[1] != "" {
		start = decodeArg(args[1])
	}
	if len(args) > 2 && args[2] != "" {
		end = decodeArg(args[2])
	}
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = printScan(os.Stdout, db, start, end, reverse)
	return err
}

func scanKeyCommand(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("scan-key command requires database path and key prefix")
	}
	prefix := decodeArg(args[1])
	db, err := openExisting(args[0])
	if err != nil {
		return err
	}
	defer db.Close()
	fmt.Printf("Scanning for keys with prefix: %s\n\n", formatKey(prefix, 64))
	n, err := printScan(os.Stdout, db, prefix, prefixEnd(prefix), false)
	if err != nil {
		return err
	}
	fmt.Printf("\n%d keys\n", n)
	return nil
}

func printGet(w io.Writer, db *lgkv.DB, key []byte) error {
	value, found, err := db.Get(key)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintf(w, "%s: not found\n", formatKey(key, 0))
		return nil
	}
	fmt.Fprintln(w, formatValue(value, 0))
	return nil
}

// printScan writes key = value lines for [start, end), last key first
// with reverse, and returns how many it wrote.
func printScan(w io.Writer, db *lgkv.DB, start, end []byte, reverse bool) (int, error) {
	it, err := db.Scan(start, end)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	first, step := it.SeekToFirst, it.Next
	if reverse {
		first, step = it.SeekToLast, it.Prev
	}
	var n int
	for first(); it.Valid(); step() {
		fmt.Fprintf(w, "%s = %s\n", formatKey(it.Key(), 64), formatValue(it.Value(), 64))
		n++
	}
	return n, it.Error()
}
