// Package chunkpool implements the fixed-capacity chunked storage substrate
// that the MPT engine and the archive codec are built on. A pool owns one or
// more backing devices, each split into same-sized chunks addressed by
// (chunk_type, chunk_id). Chunks of type Seq are append-only and belong to
// exactly one of three intrusive lists (fast, slow, free); chunks of type Cnv
// are randomly addressable and hold the pool's own crash-safe metadata.
//
// The design is grounded on core/rawdb freezer table: a fixed
// on-disk layout, explicit offset bookkeeping, and durable index entries, but
// generalized from "ancient block tables" to addressable fixed-size chunks
// with free-list recycling and dual-copy metadata.
package chunkpool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/monad-labs/execution-core/internal/log"
)

// ChunkType distinguishes conventional (random-access) chunks from
// sequential (append-only) chunks.
type ChunkType uint8

const (
	// Cnv chunks hold pool metadata: randomly addressable, not append-only.
	Cnv ChunkType = iota
	// Seq chunks hold trie node records: append-only, list-managed.
	Seq
)

func (t ChunkType) String() string {
	switch t {
	case Cnv:
		return "cnv"
	case Seq:
		return "seq"
	default:
		return fmt.Sprintf("ChunkType(%d)", int(t))
	}
}

// OpenMode selects how Open treats an existing pool on disk.
type OpenMode uint8

const (
	// CreateIfNeeded opens an existing pool or creates one if absent.
	CreateIfNeeded OpenMode = iota
	// OpenExisting requires the pool to already exist.
	OpenExisting
	// Truncate discards any existing pool content and starts fresh.
	Truncate
)

// List identifies one of the three intrusive chunk lists a Seq chunk can
// belong to.
type List uint8

const (
	// ListFast holds hot, recently written chunks.
	ListFast List = iota
	// ListSlow holds chunks that survived a compaction pass.
	ListSlow
	// ListFree holds chunks available for reuse.
	ListFree
)

func (l List) String() string {
	switch l {
	case ListFast:
		return "fast"
	case ListSlow:
		return "slow"
	case ListFree:
		return "free"
	default:
		return fmt.Sprintf("List(%d)", int(l))
	}
}

// Sentinel errors surfaced by pool operations, mirroring 
// sentinel-error-per-failure-mode convention in core/rawdb.
var (
	ErrLayoutMismatch = errors.New("chunkpool: source layout does not match creation record")
	ErrCorruptMetadata = errors.New("chunkpool: both metadata copies failed validation")
	ErrPoolClosed = errors.New("chunkpool: pool is closed")
	ErrUnknownChunk = errors.New("chunkpool: chunk id not found")
	ErrChunkFull = errors.New("chunkpool: write would exceed chunk capacity")
)

// Source describes one backing device presented to Open.
type Source struct {
	Path string
	Type ChunkType
	DeviceID uint32
	Capacity int64
}

// Options configures Open.
type Options struct {
	Mode OpenMode
	ChunkCapacity int64 // bytes per chunk, default 1<<28
	AllowDirty bool // tolerate a corrupt metadata copy best-effort
	InitialSeqChunks int // number of seq chunks to pre-allocate on create
}

// DefaultOptions returns the pool defaults matching the CLI's own defaults
// (chunk capacity 2^28, no dirty tolerance).
func DefaultOptions() Options {
	return Options{
		Mode: CreateIfNeeded,
		ChunkCapacity: 1 << 28,
		InitialSeqChunks: 4,
	}
}

type chunkFile struct {
	f *os.File
	id uint32
	typ ChunkType
	capacity int64
	size int64 // bytes currently written (for cnv-0: the end of metadata copy B)
}

// listNode is the intrusive linked-list entry for a Seq chunk.
type listNode struct {
	chunkID uint32
	list List
	insertionCount uint32 // 20-bit counter, wraps modulo 2^20
	prev, next uint32 // chunk ids, 0 meaning "none" is disambiguated via hasPrev/hasNext
	hasPrev bool
	hasNext bool
}

const insertionCountMask = (1 << 20) - 1

// Pool owns the chunk files for one or more devices and the intrusive list
// bookkeeping plus crash-safe metadata persisted in chunk (Cnv, 0).
type Pool struct {
	mu sync.RWMutex

	dir string
	opts Options
	devices []Source

	cnv map[uint32]*chunkFile
	seq map[uint32]*chunkFile

	nodes map[uint32]*listNode // Seq chunk id -> list membership
	heads map[List]uint32
	tails map[List]uint32
	has map[List]bool // whether heads/tails[list] is valid (list non-empty)

	nextInsertionCount uint32
	nextCnvID uint32
	nextSeqID uint32
	metaVersionCounter uint32 // persisted-metadata generation, scoped per pool

	closed bool

	log *log.Logger
}

// Open establishes (creating if necessary) a pool over the given sources.
// Sources must be presented in the same order used at creation time; a
// mismatch in type, device id, or capacity fails with ErrLayoutMismatch.
func Open(dir string, sources []Source, opts Options) (*Pool, error) {
	if opts.ChunkCapacity == 0 {
		opts.ChunkCapacity = DefaultOptions().ChunkCapacity
	}

	if opts.Mode == Truncate {
		os.RemoveAll(dir)
	}
	if opts.Mode == OpenExisting {
		if _, err := os.Stat(filepath.Join(dir, metadataChunkPath)); err != nil {
			return nil, fmt.Errorf("chunkpool: open existing pool: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkpool: mkdir: %w", err)
	}

	p := &Pool{
		dir: dir,
		opts: opts,
		devices: sources,
		cnv: make(map[uint32]*chunkFile),
		seq: make(map[uint32]*chunkFile),
		nodes: make(map[uint32]*listNode),
		heads: make(map[List]uint32),
		tails: make(map[List]uint32),
		has: make(map[List]bool),
		log: log.Default().Module("chunkpool"),
	}

	meta, err := p.loadOrInitMetadata()
	if err != nil {
		return nil, err
	}
	if err := p.applyMetadata(meta); err != nil {
		return nil, err
	}
	if err := p.openCnvZero(); err != nil {
		return nil, err
	}

	if err := p.validateLayout(sources); err != nil {
		return nil, err
	}

	if len(p.seq) == 0 {
		for i := 0; i < opts.InitialSeqChunks; i++ {
			if _, err := p.newSeqChunk(ListFree); err != nil {
				return nil, err
			}
		}
		if err := p.persistMetadata(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// validateLayout checks each source against the creation record: each
// source's type, device id, and size must match the recorded layout, in
// the same order sources were originally presented in.
func (p *Pool) validateLayout(sources []Source) error {
	if len(p.devices) == 0 {
		p.devices = sources
		return nil
	}
	if len(sources) != len(p.devices) {
		return ErrLayoutMismatch
	}
	for i, s := range sources {
		want := p.devices[i]
		if s.Type != want.Type || s.DeviceID != want.DeviceID || s.Capacity != want.Capacity {
			return ErrLayoutMismatch
		}
	}
	return nil
}

// Devices reports the pool's backing devices.
func (p *Pool) Devices() []Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Source, len(p.devices))
	copy(out, p.devices)
	return out
}

// Flush durably persists the pool's current metadata (list membership,
// counters) without closing it, used by the archive codec after a Restore
// rebuilds list membership via MoveToList.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persistMetadataLocked()
}

// Close flushes metadata and closes all open chunk files.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if err := p.persistMetadataLocked(); err != nil {
		return err
	}
	var firstErr error
	for _, c := range p.cnv {
		if err := c.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, c := range p.seq {
		if err := c.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closed = true
	return firstErr
}
