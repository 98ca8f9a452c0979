package chunkpool

import (
	"fmt"
	"os"
	"path/filepath"
)

// ChunkHandle is a live mapping to one chunk's backing file, returned by
// ActivateChunk. Grounded on freezerTable, generalized from a
// single append-only table to an addressable (type, id) chunk.
type ChunkHandle struct {
	pool *Pool
	file *chunkFile
}

// ReadFD exposes the chunk's file for direct reads at a caller-supplied
// offset (the MPT engine uses this for node lookups by virtual offset).
func (h *ChunkHandle) ReadFD() *os.File { return h.file.f }

// WriteFD returns the file and the offset at which the next nBytes should
// land, reserving that space within the chunk (Seq chunks are append-only).
func (h *ChunkHandle) WriteFD(nBytes int64) (*os.File, int64, error) {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()

	if h.file.size+nBytes > h.file.capacity {
		return nil, 0, ErrChunkFull
	}
	offset := h.file.size
	h.file.size += nBytes
	return h.file.f, offset, nil
}

// Capacity returns the chunk's fixed capacity in bytes.
func (h *ChunkHandle) Capacity() int64 { return h.file.capacity }

// Size returns the number of bytes currently written into the chunk.
func (h *ChunkHandle) Size() int64 {
	h.pool.mu.RLock()
	defer h.pool.mu.RUnlock()
	return h.file.size
}

// ActivateChunk establishes a mapping to the named chunk. The chunk must
// already be known to the pool; an unknown (type, id) fails with
// ErrUnknownChunk rather than being created.
func (p *Pool) ActivateChunk(typ ChunkType, id uint32) (*ChunkHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	var cf *chunkFile
	var ok bool
	switch typ {
	case Cnv:
		cf, ok = p.cnv[id]
	case Seq:
		cf, ok = p.seq[id]
	}
	if !ok {
		return nil, fmt.Errorf("%w: (%s, %d)", ErrUnknownChunk, typ, id)
	}
	return &ChunkHandle{pool: p, file: cf}, nil
}

func (p *Pool) chunkPath(typ ChunkType, id uint32) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s-%d.dat", typ, id))
}

// openSeqChunk opens the backing file for a Seq chunk id, creating the file
// if it does not exist yet, and registers it with the pool. Used when
// replaying metadata on Open and by newSeqChunk.
func (p *Pool) openSeqChunk(id uint32) (*chunkFile, error) {
	if cf, ok := p.seq[id]; ok {
		return cf, nil
	}
	path := p.chunkPath(Seq, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunkpool: open seq chunk %d: %w", id, err)
	}
	info, _ := f.Stat()
	cf := &chunkFile{f: f, id: id, typ: Seq, capacity: p.opts.ChunkCapacity, size: info.Size()}
	p.seq[id] = cf
	if id >= p.nextSeqID {
		p.nextSeqID = id + 1
	}
	return cf, nil
}

// openCnvZero registers the metadata chunk itself as an addressable Cnv
// chunk so callers can ActivateChunk(Cnv, 0) like any other chunk.
func (p *Pool) openCnvZero() error {
	if _, ok := p.cnv[0]; ok {
		return nil
	}
	path := filepath.Join(p.dir, metadataChunkPath)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("chunkpool: open cnv-0: %w", err)
	}
	info, _ := f.Stat()
	p.cnv[0] = &chunkFile{f: f, id: 0, typ: Cnv, capacity: p.opts.ChunkCapacity, size: info.Size()}
	if p.nextCnvID == 0 {
		p.nextCnvID = 1
	}
	return nil
}

// newSeqChunk allocates a brand new Seq chunk, inserting it at the tail of
// the given list with the next monotone insertion count.
func (p *Pool) newSeqChunk(initialList List) (uint32, error) {
	id := p.nextSeqID
	p.nextSeqID++

	cf, err := p.openSeqChunk(id)
	if err != nil {
		return 0, err
	}
	_ = cf

	p.appendToListLocked(id, initialList)
	return id, nil
}

// Append adds chunkID to the tail of list, assigning it the next monotone
// insertion count.
func (p *Pool) Append(list List, chunkID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendToListLocked(chunkID, list)
}

func (p *Pool) appendToListLocked(chunkID uint32, list List) {
	ic := p.nextInsertionCount
	p.nextInsertionCount = (p.nextInsertionCount + 1) & insertionCountMask

	n := &listNode{chunkID: chunkID, list: list, insertionCount: ic}
	if tail, ok := p.tails[list]; ok && p.has[list] {
		n.hasPrev = true
		n.prev = tail
		if tn, ok := p.nodes[tail]; ok {
			tn.hasNext = true
			tn.next = chunkID
		}
	} else {
		p.heads[list] = chunkID
	}
	p.tails[list] = chunkID
	p.has[list] = true
	p.nodes[chunkID] = n
}

// Remove detaches chunkID from whatever list it currently belongs to. Every
// Seq chunk id must appear in exactly one of {fast, slow, free}.
func (p *Pool) Remove(chunkID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.removeLocked(chunkID)
}

func (p *Pool) removeLocked(chunkID uint32) error {
	n, ok := p.nodes[chunkID]
	if !ok {
		return fmt.Errorf("%w: chunk %d not in any list", ErrUnknownChunk, chunkID)
	}
	list := n.list

	if n.hasPrev {
		pn := p.nodes[n.prev]
		pn.hasNext = n.hasNext
		pn.next = n.next
	} else {
		if n.hasNext {
			p.heads[list] = n.next
		} else {
			delete(p.has, list)
		}
	}
	if n.hasNext {
		nn := p.nodes[n.next]
		nn.hasPrev = n.hasPrev
		nn.prev = n.prev
	} else {
		if n.hasPrev {
			p.tails[list] = n.prev
		} else {
			delete(p.has, list)
		}
	}

	delete(p.nodes, chunkID)
	return nil
}

// MoveToList removes chunkID from its current list and appends it to dst,
// used by the compactor to route nodes between the fast and slow lists and
// by free-list recycling.
func (p *Pool) MoveToList(chunkID uint32, dst List) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.removeLocked(chunkID); err != nil {
		return err
	}
	p.appendToListLocked(chunkID, dst)
	return nil
}

// ListMembers returns chunk ids in list order (head to tail), primarily for
// the archive codec which must iterate lists in insertion-count order.
func (p *Pool) ListMembers(list List) []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []uint32
	if !p.has[list] {
		return out
	}
	id := p.heads[list]
	for {
		out = append(out, id)
		n := p.nodes[id]
		if !n.hasNext {
			break
		}
		id = n.next
	}
	return out
}

// InsertionCount returns the insertion count recorded for chunkID, used by
// the archive codec to reconstruct list order on restore.
func (p *Pool) InsertionCount(chunkID uint32) (uint32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[chunkID]
	if !ok {
		return 0, false
	}
	return n.insertionCount, true
}

// ListOf reports which list chunkID currently belongs to.
func (p *Pool) ListOf(chunkID uint32) (List, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[chunkID]
	if !ok {
		return 0, false
	}
	return n.list, true
}

// AllocateChunk pulls a chunk from the free list, or creates a new one if
// the free list is empty, and places it on the fast list.
func (p *Pool) AllocateChunk() (uint32, error) {
	p.mu.Lock()
	if p.has[ListFree] {
		id := p.heads[ListFree]
		p.mu.Unlock()
		if err := p.MoveToList(id, ListFast); err != nil {
			return 0, err
		}
		return id, nil
	}
	p.mu.Unlock()
	return p.newSeqChunk(ListFast)
}

// SeqChunkCount returns the number of Seq chunks known to the pool.
func (p *Pool) SeqChunkCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.seq)
}
