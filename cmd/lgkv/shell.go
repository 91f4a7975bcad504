package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/twlk9/lgkv"
)

var shellCommands = []string{"get", "put", "delete", "scan", "rscan", "prefix", "flush", "compact", "stats", "help", "exit"}

const shellHelp = `Commands:
  get <key>
  put <key> <value...>
  delete <key>
  scan [start] [end]
  rscan [start] [end]
  prefix <prefix>
  flush
  compact
  stats
  exit
`

func shellCommand(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("shell command requires database path")
	}
	db, err := openOrCreate(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var out []string
		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(input)) {
				out = append(out, c)
			}
		}
		return out
	})

	histPath := filepath.Join(os.TempDir(), ".lgkv_history")
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("lgkv %s shell on %s. Type help for commands.\n", version, db.Path())
	for {
		input, err := line.Prompt("lgkv> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		line.AppendHistory(input)
		quit, err := runShellLine(os.Stdout, db, input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// runShellLine executes one shell command against db. quit is set on
// exit.
func runShellLine(w io.Writer, db *lgkv.DB, input string) (quit bool, err error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "get":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: get <key>")
		}
		return false, printGet(w, db, decodeArg(args[0]))
	case "put":
		if len(args) < 2 {
			return false, fmt.Errorf("usage: put <key> <value>")
		}
		return false, db.Put(decodeArg(args[0]), decodeArg(strings.Join(args[1:], " ")))
	case "delete", "del":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: delete <key>")
		}
		return false, db.Delete(decodeArg(args[0]))
	case "scan", "rscan":
		var start, end []byte
		if len(args) > 0 {
			start = decodeArg(args[0])
		}
		if len(args) > 1 {
			end = decodeArg(args[1])
		}
		n, err := printScan(w, db, start, end, cmd == "rscan")
		if err == nil {
			fmt.Fprintf(w, "(%d keys)\n", n)
		}
		return false, err
	case "prefix":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: prefix <prefix>")
		}
		p := decodeArg(args[0])
		n, err := printScan(w, db, p, prefixEnd(p), false)
		if err == nil {
			fmt.Fprintf(w, "(%d keys)\n", n)
		}
		return false, err
	case "flush":
		return false, db.Flush()
	case "compact":
		return false, db.CompactAll()
	case "stats":
		s := db.Stats()
		fmt.Fprintf(w, "last seq %d, memtable %s, %d immutable\n",
			s.LastSequence, formatBytes(uint64(s.MemtableBytes)), s.ImmutableMemtables)
		for level, n := range s.LevelFiles {
			if n > 0 {
				fmt.Fprintf(w, "L%d: %d files, %s\n", level, n, formatBytes(uint64(s.LevelBytes[level])))
			}
		}
		fmt.Fprintf(w, "block cache %d hits, %d misses\n", s.BlockCacheHits, s.BlockCacheMisses)
		return false, nil
	case "help", "?":
		fmt.Fprint(w, shellHelp)
		return false, nil
	case "exit", "quit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q, type help", cmd)
	}
}
