package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/monad-labs/execution-core/internal/archive"
	"github.com/monad-labs/execution-core/internal/chunkpool"
	"github.com/monad-labs/execution-core/internal/mpt"
)

// config holds cmd/mpt's resolved flags. Grounded on 
// cmd/eth2030 config-struct-plus-flagSet pattern, ported from the standard
// library's flag.FlagSet to spf13/pflag because --storage is repeatable and
// pflag's StringArray supports that directly.
type config struct {
	Command string // "open", "archive", "restore", "compact"

	DataDir string
	Storage []string // repeatable --storage path[:type[:device][:capacity]]
	ChunkCapacity int64
	HistoryLength int

	ArchivePath string
	Compress bool
	Workers int

	MetricsAddr string

	Version bool
}

func defaultConfig() config {
	return config{
		DataDir: "./triedb-data",
		ChunkCapacity: chunkpool.DefaultOptions().ChunkCapacity,
		HistoryLength: mpt.DefaultEngineOptions().HistoryLength,
		Compress: true,
	}
}

// parseFlags parses args (excluding argv[0]) into a config. The first
// positional argument selects the subcommand.
func parseFlags(args []string) (cfg config, exit bool, code int) {
	cfg = defaultConfig()

	fs := pflag.NewFlagSet("mpt", pflag.ContinueOnError)
	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "chunk pool data directory")
	fs.StringArrayVar(&cfg.Storage, "storage", nil, "backing source path[:type[:device][:capacity]] (repeatable)")
	fs.Int64Var(&cfg.ChunkCapacity, "chunk-capacity", cfg.ChunkCapacity, "bytes per chunk")
	fs.IntVar(&cfg.HistoryLength, "history-length", cfg.HistoryLength, "versions retained by the MPT engine")
	fs.StringVar(&cfg.ArchivePath, "archive-path", "", "archive file path (archive/restore)")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "zstd-compress archive entries")
	fs.IntVar(&cfg.Workers, "workers", 0, "archive worker pool size (0 = half of NumCPU)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (empty disables)")
	fs.BoolVar(&cfg.Version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return cfg, true, 0
		}
		fmt.Println(err)
		return cfg, true, 2
	}

	if cfg.Version {
		return cfg, true, 0
	}

	positional := fs.Args()
	if len(positional) < 1 {
		fmt.Println("usage: mpt <open|compact|archive|restore> [flags]")
		return cfg, true, 2
	}
	cfg.Command = positional[0]

	if err := cfg.validate(); err != nil {
		fmt.Println(err)
		return cfg, true, 2
	}

	return cfg, false, 0
}

func (c config) validate() error {
	switch c.Command {
	case "open", "compact":
	case "archive", "restore":
		if c.ArchivePath == "" {
			return fmt.Errorf("--archive-path is required for %q", c.Command)
		}
	default:
		return fmt.Errorf("unknown command %q", c.Command)
	}
	if c.ChunkCapacity <= 0 {
		return fmt.Errorf("--chunk-capacity must be positive")
	}
	return nil
}

// archiveOptions translates the flag set into archive.Options.
func (c config) archiveOptions() archive.Options {
	return archive.Options{Compress: c.Compress, Workers: c.Workers}
}

// poolOptions translates the flag set into chunkpool.Options.
func (c config) poolOptions() chunkpool.Options {
	opts := chunkpool.DefaultOptions()
	opts.ChunkCapacity = c.ChunkCapacity
	return opts
}

// engineOptions translates the flag set into mpt.EngineOptions.
func (c config) engineOptions() mpt.EngineOptions {
	opts := mpt.DefaultEngineOptions()
	opts.HistoryLength = c.HistoryLength
	return opts
}
