// Command mpt operates a standalone chunkpool/MPT engine: opening a pool,
// running a compaction pass, and archiving/restoring it to a portable file.
//
// Usage:
//
//	mpt open --datadir ./data
//	mpt compact --datadir ./data
//	mpt archive --datadir ./data --archive-path ./snapshot.tar
//	mpt restore --datadir ./data --archive-path ./snapshot.tar
//
// Grounded on cmd/eth2030 main.go: a run(args) function
// returning an exit code so the CLI can be tested in isolation, plus a
// startup banner echoing resolved configuration.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/monad-labs/execution-core/internal/archive"
	"github.com/monad-labs/execution-core/internal/chunkpool"
	"github.com/monad-labs/execution-core/internal/log"
	"github.com/monad-labs/execution-core/internal/metrics"
	"github.com/monad-labs/execution-core/internal/mpt"
)

var (
	version = "v0.1.0-dev"
	commit = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		if cfg.Version {
			fmt.Printf("mpt %s (%s)\n", version, commit)
		}
		return code
	}

	logger := log.Default().Module("cmd-mpt")
	logger.Info("mpt starting", "command", cfg.Command, "datadir", cfg.DataDir)

	sources, err := parseStorageFlags(cfg.Storage)
	if err != nil {
		logger.Error("invalid --storage flag", "error", err)
		return 1
	}

	reg := metrics.NewRegistry()
	stopMetrics := maybeServeMetrics(cfg.MetricsAddr, reg, logger)
	defer stopMetrics()

	pool, err := chunkpool.Open(cfg.DataDir, sources, cfg.poolOptions())
	if err != nil {
		logger.Error("failed to open pool", "error", err)
		return 1
	}
	defer pool.Close()

	switch cfg.Command {
	case "open":
		logger.Info("pool opened", "seq_chunks", pool.SeqChunkCount())
		return 0
	case "compact":
		return runCompact(cfg, pool, reg, logger)
	case "archive":
		return runArchive(cfg, pool, reg, logger)
	case "restore":
		return runRestore(cfg, pool, reg, logger)
	default:
		logger.Error("unreachable command", "command", cfg.Command)
		return 2
	}
}

func runCompact(cfg config, pool *chunkpool.Pool, reg *metrics.Registry, logger *log.Logger) int {
	engineOpts := cfg.engineOptions()
	engineOpts.Metrics = metrics.NewMPTMetrics(reg)
	engine, err := mpt.NewEngine(pool, engineOpts)
	if err != nil {
		logger.Error("failed to construct engine", "error", err)
		return 1
	}
	freed, err := engine.Compact()
	if err != nil {
		logger.Error("compaction failed", "error", err)
		return 1
	}
	logger.Info("compaction complete", "chunks_freed", freed)
	return 0
}

func runArchive(cfg config, pool *chunkpool.Pool, reg *metrics.Registry, logger *log.Logger) int {
	f, err := os.Create(cfg.ArchivePath)
	if err != nil {
		logger.Error("failed to create archive file", "error", err)
		return 1
	}
	defer f.Close()

	opts := cfg.archiveOptions()
	opts.Metrics = metrics.NewArchiveMetrics(reg)
	if err := archive.Archive(pool, f, opts); err != nil {
		logger.Error("archive failed", "error", err)
		return 1
	}
	logger.Info("archive complete", "path", cfg.ArchivePath)
	return 0
}

func runRestore(cfg config, pool *chunkpool.Pool, reg *metrics.Registry, logger *log.Logger) int {
	f, err := os.Open(cfg.ArchivePath)
	if err != nil {
		logger.Error("failed to open archive file", "error", err)
		return 1
	}
	defer f.Close()

	opts := cfg.archiveOptions()
	opts.Metrics = metrics.NewArchiveMetrics(reg)
	if err := archive.Restore(f, pool, opts); err != nil {
		logger.Error("restore failed", "error", err)
		return 1
	}
	logger.Info("restore complete", "path", cfg.ArchivePath)
	return 0
}

// maybeServeMetrics starts a /metrics HTTP endpoint if addr is non-empty,
// returning a stop function that is always safe to call.
func maybeServeMetrics(addr string, reg *metrics.Registry, logger *log.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", addr)
	return func() { srv.Close() }
}

// parseStorageFlags parses repeated --storage path[:type[:device][:capacity]]
// flags into chunkpool.Source values. type defaults to "seq", device to 0,
// capacity to 0 (meaning "use --chunk-capacity").
func parseStorageFlags(raw []string) ([]chunkpool.Source, error) {
	var out []chunkpool.Source
	for _, s := range raw {
		parts := strings.Split(s, ":")
		src := chunkpool.Source{Path: parts[0], Type: chunkpool.Seq}
		if len(parts) > 1 && parts[1] != "" {
			switch parts[1] {
			case "cnv":
				src.Type = chunkpool.Cnv
			case "seq":
				src.Type = chunkpool.Seq
			default:
				return nil, fmt.Errorf("--storage: unknown chunk type %q in %q", parts[1], s)
			}
		}
		if len(parts) > 2 && parts[2] != "" {
			devID, err := strconv.ParseUint(parts[2], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("--storage: invalid device id in %q: %w", s, err)
			}
			src.DeviceID = uint32(devID)
		}
		if len(parts) > 3 && parts[3] != "" {
			cap, err := strconv.ParseInt(parts[3], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("--storage: invalid capacity in %q: %w", s, err)
			}
			src.Capacity = cap
		}
		out = append(out, src)
	}
	return out, nil
}
