package mpt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/monad-labs/execution-core/internal/chunkpool"
	"github.com/monad-labs/execution-core/internal/log"
	"github.com/monad-labs/execution-core/internal/metrics"
	"github.com/monad-labs/execution-core/internal/types"
	"github.com/monad-labs/execution-core/internal/xhash"
)

// Sentinel errors, following one-sentinel-per-failure-mode
// convention (core/rawdb).
var (
	ErrVersionNoLongerExists = errors.New("mpt: version no longer exists")
	ErrKeyNotFound = errors.New("mpt: key not found")
	ErrWrongUpserter = errors.New("mpt: upsert called from non-owning goroutine")
)

const maxHistoryLength = 1 << 20

// UpdateList maps a key to its new value; a nil value deletes the key.
type UpdateList map[string][]byte

// StateMachine describes caching/compaction policy for one upsert call; the
// zero value uses the engine's defaults. Kept as an explicit parameter
// (rather than engine-global state): "a StateMachine
// describing caching/policy".
type StateMachine struct {
	// ForceSlow routes every newly written node straight to the slow list,
	// bypassing the usual fast-list default. Used by tests and under space
	// pressure.
	ForceSlow bool
}

// EngineOptions configures a new Engine.
type EngineOptions struct {
	HistoryLength int // versions retained, default 100, max 2^20
	Hasher xhash.Hasher
	Metrics *metrics.MPTMetrics // nil disables instrumentation
}

// DefaultEngineOptions returns the engine defaults.
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{HistoryLength: 100, Hasher: xhash.Keccak256}
}

// versionEntry is one slot of the bounded version-history ring. The subtree
// minimums are captured at write time so the compactor can compute a
// reclaim watermark without re-reading every retained root from disk.
type versionEntry struct {
	version uint64
	root VirtualOffset
	minFastOffset VirtualOffset
	minSlowOffset VirtualOffset
}

// Engine is the MPT update-aux: it applies upsert batches, serves reads, and
// owns the bounded version-history window. Grounded on 
// trie.Trie node algebra, generalized to content-addressed, chunkpool-backed
// storage with version history.
type Engine struct {
	pool *chunkpool.Pool
	hasher xhash.Hasher
	log *log.Logger

	mu sync.RWMutex // guards versions/history bookkeeping for readers
	history []versionEntry
	histLen int

	minValidVersion uint64
	maxVersion uint64
	haveVersion bool

	upsertCallCount uint64
	upserting atomic.Bool // held for the duration of one Upsert call

	fastCur, slowCur uint32 // chunk ids currently being appended to
	fastOff, slowOff uint32 // next write offset within those chunks
	compactOffsetFast VirtualOffset
	compactOffsetSlow VirtualOffset

	inflight map[VirtualOffset][]chan ReadResult // coalesced async reads

	metrics *metrics.MPTMetrics
}

// ReadResult is delivered on a FindAsync channel once the requested key has
// materialized.
type ReadResult struct {
	Value []byte
	Err error
}

// NewEngine constructs an Engine over an already-open chunk pool.
func NewEngine(pool *chunkpool.Pool, opts EngineOptions) (*Engine, error) {
	if opts.HistoryLength <= 0 {
		opts.HistoryLength = DefaultEngineOptions().HistoryLength
	}
	if opts.HistoryLength > maxHistoryLength {
		return nil, fmt.Errorf("mpt: history length %d exceeds maximum %d", opts.HistoryLength, maxHistoryLength)
	}
	if opts.Hasher == nil {
		opts.Hasher = xhash.Keccak256
	}

	e := &Engine{
		pool: pool,
		hasher: opts.Hasher,
		log: log.Default().Module("mpt"),
		histLen: opts.HistoryLength,
		inflight: make(map[VirtualOffset][]chan ReadResult),
		metrics: opts.Metrics,
	}

	fastID, err := pool.AllocateChunk()
	if err != nil {
		return nil, err
	}
	e.fastCur = fastID
	slowID, err := pool.AllocateChunk()
	if err != nil {
		return nil, err
	}
	if err := pool.MoveToList(slowID, chunkpool.ListSlow); err != nil {
		return nil, err
	}
	e.slowCur = slowID

	return e, nil
}

// Upsert applies a batch of updates on top of the given base root, producing
// a new root stored as the next version.
//
// Go gives goroutines no first-class identity, so the single-upserter
// invariant is
// enforced here as "no two Upsert calls run concurrently" rather than
// "always the same caller" — a concurrent call panics instead of silently
// interleaving with an in-flight one.
func (e *Engine) Upsert(base VirtualOffset, updates UpdateList, version uint64, sm StateMachine) (VirtualOffset, error) {
	if !e.upserting.CompareAndSwap(false, true) {
		panic(ErrWrongUpserter)
	}
	defer e.upserting.Store(false)

	root, err := e.readNode(base)
	if err != nil && base.IsValid() {
		return InvalidOffset, err
	}

	for keyStr, value := range updates {
		key := keyToNibbles([]byte(keyStr))
		if value == nil {
			root, err = e.deleteKey(root, key, sm)
		} else {
			root, err = e.insertKey(root, key, value, sm)
		}
		if err != nil {
			return InvalidOffset, err
		}
	}

	var newRootOffset VirtualOffset
	entry := versionEntry{version: version}
	if root != nil {
		newRootOffset, err = e.writeNode(root, sm)
		if err != nil {
			return InvalidOffset, err
		}
		entry.minFastOffset = root.header.minFastOffset
		entry.minSlowOffset = root.header.minSlowOffset
	}
	entry.root = newRootOffset

	e.mu.Lock()
	e.history = append(e.history, entry)
	if !e.haveVersion {
		e.minValidVersion = version
		e.haveVersion = true
	}
	e.maxVersion = version
	e.trimHistoryLocked()
	e.upsertCallCount++
	histDepth := len(e.history)
	e.mu.Unlock()

	e.metrics.RecordUpsert()
	e.metrics.SetHistoryDepth(histDepth)

	return newRootOffset, nil
}

func (e *Engine) trimHistoryLocked() {
	for len(e.history) > e.histLen {
		e.history = e.history[1:]
	}
	if len(e.history) > 0 {
		e.minValidVersion = e.history[0].version
	}
}

// RootAt returns the root virtual offset recorded for version v.
func (e *Engine) RootAt(v uint64) (VirtualOffset, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.haveVersion || v < e.minValidVersion || v > e.maxVersion {
		return InvalidOffset, ErrVersionNoLongerExists
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].version == v {
			return e.history[i].root, nil
		}
	}
	return InvalidOffset, ErrVersionNoLongerExists
}

// Find performs a blocking read of key at the given version.
func (e *Engine) Find(key []byte, version uint64) ([]byte, error) {
	root, err := e.RootAt(version)
	if err != nil {
		return nil, err
	}
	n, err := e.readNode(root)
	if err != nil {
		return nil, err
	}
	return e.find(n, keyToNibbles(key))
}

// FindAsync enqueues a read and signals the returned channel when the node
// materializes; concurrent requests for the same offset are coalesced
// through the in-flight map.
func (e *Engine) FindAsync(key []byte, version uint64) <-chan ReadResult {
	off, err := e.RootAt(version)
	if err != nil {
		out := make(chan ReadResult, 1)
		out <- ReadResult{Err: err}
		return out
	}

	e.mu.Lock()
	waiters, inflight := e.inflight[off]
	waiterCh := make(chan ReadResult, 1)
	e.inflight[off] = append(waiters, waiterCh)
	e.mu.Unlock()

	if !inflight {
		go func() {
			n, nerr := e.readNode(off)
			var result ReadResult
			if nerr != nil {
				result = ReadResult{Err: nerr}
			} else {
				v, ferr := e.find(n, keyToNibbles(key))
				result = ReadResult{Value: v, Err: ferr}
			}

			e.mu.Lock()
			pending := e.inflight[off]
			delete(e.inflight, off)
			e.mu.Unlock()

			for _, w := range pending {
				w <- result
			}
		}()
	}

	return waiterCh
}

// RewindToVersion truncates the history ring, discarding versions newer
// than v. A no-op (with a warning) if v falls outside the retained window,
// keyed per upsert.
func (e *Engine) RewindToVersion(v uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.haveVersion || e.maxVersion == 0 || v < e.minValidVersion || v > e.maxVersion-1 {
		if e.haveVersion && v == e.maxVersion {
			return nil // idempotent: already at v
		}
		e.log.Warn("rewind_to_version: version outside retained window, ignoring", "version", v)
		return nil
	}

	kept := e.history[:0:0]
	for _, entry := range e.history {
		if entry.version <= v {
			kept = append(kept, entry)
		}
	}
	e.history = kept
	e.maxVersion = v
	return nil
}

// ResetHistoryLength shrinks or grows the retention window.
func (e *Engine) ResetHistoryLength(n int) error {
	if n <= 0 || n > maxHistoryLength {
		return fmt.Errorf("mpt: invalid history length %d", n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.histLen = n
	e.trimHistoryLocked()
	return nil
}

// HistoryBounds reports the currently retained version window.
func (e *Engine) HistoryBounds() (min, max uint64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.minValidVersion, e.maxVersion, e.haveVersion
}

// --- node read/write plumbing -----------------------------------------

// writeNode resolves every unwritten (in-memory) child of n, bottom-up, then
// appends n's own encoding to the fast or slow list. Children already
// durable (childRef.mem == nil) are left untouched, matching the
// "nodes never mutate in place; ... construct new nodes bottom-up".
func (e *Engine) writeNode(n *Node, sm StateMachine) (VirtualOffset, error) {
	if n == nil {
		return InvalidOffset, nil
	}

	switch n.kind {
	case kindBranch:
		for i := range n.children {
			if n.children[i].mem != nil {
				off, err := e.writeNode(n.children[i].mem, sm)
				if err != nil {
					return InvalidOffset, err
				}
				n.children[i] = refToOffset(off)
			}
		}
	case kindExtension:
		if n.childNode.mem != nil {
			off, err := e.writeNode(n.childNode.mem, sm)
			if err != nil {
				return InvalidOffset, err
			}
			n.childHeader = n.childNode.mem.header
			n.childNode = refToOffset(off)
		}
	}

	onFast := !sm.ForceSlow
	data := n.encode()

	var chunkID, offset uint32
	var err error
	if onFast {
		chunkID, offset, err = e.appendLocked(&e.fastCur, &e.fastOff, data, chunkpool.ListFast)
	} else {
		chunkID, offset, err = e.appendLocked(&e.slowCur, &e.slowOff, data, chunkpool.ListSlow)
	}
	if err != nil {
		return InvalidOffset, err
	}

	off := packOffset(chunkID, offset)
	n.header.offset = off
	n.recomputeSubtreeMin(onFast)

	return off, nil
}

func (e *Engine) appendLocked(curChunk *uint32, curOff *uint32, data []byte, list chunkpool.List) (uint32, uint32, error) {
	h, err := e.pool.ActivateChunk(chunkpool.Seq, *curChunk)
	if err != nil {
		return 0, 0, err
	}
	if int64(*curOff)+int64(len(data)) > h.Capacity() {
		newID, err := e.pool.AllocateChunk()
		if err != nil {
			return 0, 0, err
		}
		if list == chunkpool.ListSlow {
			if err := e.pool.MoveToList(newID, chunkpool.ListSlow); err != nil {
				return 0, 0, err
			}
		}
		*curChunk = newID
		*curOff = 0
		h, err = e.pool.ActivateChunk(chunkpool.Seq, *curChunk)
		if err != nil {
			return 0, 0, err
		}
	}

	f, offset, err := h.WriteFD(int64(len(data)))
	if err != nil {
		return 0, 0, err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return 0, 0, err
	}
	result := uint32(offset)
	*curOff = result + uint32(len(data))
	return *curChunk, result, nil
}

func (e *Engine) readNode(off VirtualOffset) (*Node, error) {
	if !off.IsValid() {
		return nil, nil
	}
	h, err := e.pool.ActivateChunk(chunkpool.Seq, off.ChunkID())
	if err != nil {
		return nil, err
	}

	header := make([]byte, 21)
	if _, err := h.ReadFD().ReadAt(header, int64(off.ByteOffset())); err != nil {
		return nil, err
	}
	bodyLen := binary.BigEndian.Uint32(header[17:21])

	full := make([]byte, 21+int(bodyLen))
	if _, err := h.ReadFD().ReadAt(full, int64(off.ByteOffset())); err != nil {
		return nil, err
	}
	n, _, err := decodeNode(full)
	if err != nil {
		return nil, err
	}
	n.header.offset = off
	return n, nil
}

// RootHash computes the Keccak root hash of the trie at the given root
// offset, matching Trie.Hash behavior but reading through the
// content-addressed store instead of an in-memory tree.
func (e *Engine) RootHash(root VirtualOffset) (types.Hash, error) {
	if !root.IsValid() {
		return e.hasher.Hash([]byte{0x80}), nil
	}
	n, err := e.readNode(root)
	if err != nil {
		return types.Hash{}, err
	}
	return e.hashNode(n)
}

func (e *Engine) hashNode(n *Node) (types.Hash, error) {
	if n == nil {
		return e.hasher.Hash([]byte{0x80}), nil
	}
	return e.hasher.Hash(n.encode()), nil
}
