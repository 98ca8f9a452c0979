// Package archive implements the portable archive/restore codec for a
// chunkpool.Pool: a TAR stream where each entry is one chunk, optionally
// zstd-compressed, carrying enough metadata (list membership, insertion
// count) to reconstruct an equivalent pool on any pool at least as large.
//
// Grounded on core/rawdb freezer export/import tooling (TAR of
// fixed-size tables with a manifest entry), generalized to the chunk pool's
// three-list (fast/slow/free) scheme and compressed per-entry with zstd
// instead of whole-file gzip, so that chunks can be restored
// independently without decompressing the entire stream.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/monad-labs/execution-core/internal/chunkpool"
	"github.com/monad-labs/execution-core/internal/log"
	"github.com/monad-labs/execution-core/internal/metrics"
)

// metadataXattr is the PAX record key carrying a chunk's list membership and
// insertion count, standing in for the POSIX xattr this codec's archive format
// ("monad.triedb.metadata") — Go's archive/tar has no xattr support, and PAX
// extended records are the closest portable equivalent within a tar stream.
const metadataXattr = "MONAD.triedb.metadata"

// Options configures Archive and Restore.
type Options struct {
	Compress bool // zstd-compress each chunk entry
	Workers int // compression worker pool size; 0 picks a default
	Metrics *metrics.ArchiveMetrics // nil disables instrumentation
}

// DefaultOptions returns the CLI's own defaults: zstd compression on, worker
// pool sized to half the available hardware concurrency.
func DefaultOptions() Options {
	return Options{Compress: true}
}

func (o Options) workers(nEntries int) int {
	if o.Workers > 0 {
		return o.Workers
	}
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > nEntries {
		n = nEntries
	}
	if n < 1 {
		n = 1
	}
	return n
}

// entryDescriptor is one chunk queued for archiving.
type entryDescriptor struct {
	typ chunkpool.ChunkType
	id uint32
	list chunkpool.List
	count uint32
}

// Archive writes a portable snapshot of pool to w.
// Entries are emitted in a fixed order — the metadata chunk first, then the
// fast list, then the slow list, both in insertion-count order — so that
// Restore can rebuild list order without needing to sort.
func Archive(pool *chunkpool.Pool, w io.Writer, opts Options) error {
	logger := log.Default().Module("archive")

	entries := []entryDescriptor{{typ: chunkpool.Cnv, id: 0}}
	for _, list := range []chunkpool.List{chunkpool.ListFast, chunkpool.ListSlow} {
		for _, id := range pool.ListMembers(list) {
			count, _ := pool.InsertionCount(id)
			entries = append(entries, entryDescriptor{typ: chunkpool.Seq, id: id, list: list, count: count})
		}
	}

	compressedBodies := make([][]byte, len(entries))
	g := new(errgroup.Group)
	g.SetLimit(opts.workers(len(entries)))
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			body, err := readChunkBody(pool, e)
			if err != nil {
				return fmt.Errorf("archive: read %s/%d: %w", e.typ, e.id, err)
			}
			if opts.Compress {
				body, err = compressBody(body)
				if err != nil {
					return fmt.Errorf("archive: compress %s/%d: %w", e.typ, e.id, err)
				}
			}
			compressedBodies[i] = body
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tw := tar.NewWriter(w)
	for i, e := range entries {
		name := entryPath(e, opts.Compress)
		body := compressedBodies[i]
		hdr := &tar.Header{
			Name: name,
			Size: int64(len(body)),
			Mode: 0o644,
			Typeflag: tar.TypeReg,
			PAXRecords: map[string]string{
				metadataXattr: encodeMetadataXattr(e),
			},
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("archive: write header %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return fmt.Errorf("archive: write body %s: %w", name, err)
		}
	}
	var totalBytes int
	for _, b := range compressedBodies {
		totalBytes += len(b)
	}
	opts.Metrics.RecordArchived(len(entries), totalBytes)

	logger.Info("archived pool", "entries", len(entries), "compressed", opts.Compress)
	return tw.Close()
}

func readChunkBody(pool *chunkpool.Pool, e entryDescriptor) ([]byte, error) {
	h, err := pool.ActivateChunk(e.typ, e.id)
	if err != nil {
		return nil, err
	}
	size := h.Size()
	buf := make([]byte, size)
	if _, err := h.ReadFD().ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func compressBody(body []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(body, nil), nil
}

func entryPath(e entryDescriptor, compressed bool) string {
	name := fmt.Sprintf("%s/%d", e.typ, e.id)
	if compressed {
		name += ".zst"
	}
	return name
}

// encodeMetadataXattr packs list membership and insertion count as
// "list:count" (the cnv-0 metadata chunk, which belongs to no list, encodes
// as "meta:0").
func encodeMetadataXattr(e entryDescriptor) string {
	if e.typ == chunkpool.Cnv {
		return "meta:0"
	}
	return e.list.String() + ":" + strconv.FormatUint(uint64(e.count), 10)
}

// decodeMetadataXattr is the inverse of encodeMetadataXattr.
func decodeMetadataXattr(s string) (list chunkpool.List, count uint32, isMeta bool, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("archive: malformed metadata xattr %q", s)
	}
	if parts[0] == "meta" {
		return 0, 0, true, nil
	}
	c, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false, fmt.Errorf("archive: malformed insertion count in %q: %w", s, err)
	}
	switch parts[0] {
	case "fast":
		return chunkpool.ListFast, uint32(c), false, nil
	case "slow":
		return chunkpool.ListSlow, uint32(c), false, nil
	default:
		return 0, 0, false, fmt.Errorf("archive: unknown list tag %q", parts[0])
	}
}
