// lgkv is a command line tool for inspecting and editing lgkv
// databases.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/twlk9/lgkv"
)

const version = "1.0.0"

var configPath = flag.String("config", "", "YAML options file")

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}
	command, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch command {
	case "list":
		err = listCommand(args)
	case "dump":
		err = dumpCommand(args)
	case "verify":
		err = verifyCommand(args)
	case "compact":
		err = compactCommand(args)
	case "get":
		err = getCommand(args)
	case "put":
		err = putCommand(args)
	case "delete":
		err = deleteCommand(args)
	case "scan":
		err = scanCommand(args, false)
	case "rscan":
		err = scanCommand(args, true)
	case "scan-key":
		err = scanKeyCommand(args)
	case "layout":
		err = layoutCommand(args)
	case "shell":
		err = shellCommand(args)
	case "version":
		fmt.Printf("lgkv version %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`lgkv - Command line tool for lgkv databases

Usage:
  lgkv [-config file.yaml] <command> [options]

Commands:
  list <db_path>                     List tables per level with sizes and key ranges
  dump <db_path> <file_number>       Dump the entries of one table
  verify <db_path>                   Checksum every table and read every key
  compact <db_path>                  Compact everything into the last level
  get <db_path> <key>                Print the value of a key
  put <db_path> <key> <value>        Store a key
  delete <db_path> <key>             Delete a key
  scan <db_path> [start] [end]       Print keys in [start, end)
  rscan <db_path> [start] [end]      Print keys in [start, end), last first
  scan-key <db_path> <key_prefix>    Print keys with the given prefix
  layout                             Show level budgets for the configured options
  shell <db_path>                    Interactive shell
  version                            Show version information
  help                               Show this help message

Keys accept \xNN escapes, e.g. "fr\x00nodeid".
`)
}

// loadOptions returns the options from -config (or the defaults) with
// path set. Logging goes to stderr at warn unless configured.
func loadOptions(path string) (*lgkv.Options, error) {
	opts := lgkv.DefaultOptions()
	if *configPath != "" {
		var err error
		if opts, err = lgkv.LoadOptions(*configPath); err != nil {
			return nil, err
		}
	}
	if opts.Logger == nil || *configPath == "" {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if path != "" {
		opts.Path = path
	}
	return opts, nil
}

// openExisting opens the database at path, refusing to create one.
func openExisting(path string) (*lgkv.DB, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("database directory does not exist: %s", path)
	}
	opts, err := loadOptions(path)
	if err != nil {
		return nil, err
	}
	opts.CreateIfMissing = false
	db, err := lgkv.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}
