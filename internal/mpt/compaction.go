package mpt

import "github.com/monad-labs/execution-core/internal/chunkpool"

// Compact advances the fast/slow compaction frontiers one step past the
// oldest non-active chunk in each list, rewrites every retained root's
// nodes that still live behind the new frontier into a later chunk, then
// returns every chunk now entirely behind the frontier to the free list.
//
// Grounded on freezer truncation sweep (rawdb/freezer.go
// truncateTail) for the reclaim half, generalized from a single monotone
// tail to two independent watermarks (fast, slow) since this engine routes
// nodes across two lists. The rewrite half has no freezer analogue (a
// freezer table never relocates retained data); it exists because a chunk
// here can hold a mix of one long-retained node and otherwise-reclaimable
// neighbors, so reclaiming it requires evacuating the live node first.
//
// The frontier is driven by chunk-list position, not by the live-reference
// minimum: a frontier computed as "the minimum offset any retained version
// still reaches" can never advance past a chunk holding even one
// long-retained node, since that node's own offset IS the minimum. Picking
// the frontier from list age instead guarantees each call makes forward
// progress, and rewriteLiveNodes below is what makes advancing the
// frontier past still-referenced data safe.
func (e *Engine) Compact() (freed int, err error) {
	e.mu.RLock()
	fastCur, slowCur := e.fastCur, e.slowCur
	prevFast, prevSlow := e.compactOffsetFast, e.compactOffsetSlow
	e.mu.RUnlock()

	frontierFast := e.nextFrontier(chunkpool.ListFast, prevFast, fastCur)
	frontierSlow := e.nextFrontier(chunkpool.ListSlow, prevSlow, slowCur)
	if !frontierFast.IsValid() && !frontierSlow.IsValid() {
		return 0, nil
	}

	e.mu.RLock()
	entries := make([]versionEntry, len(e.history))
	copy(entries, e.history)
	e.mu.RUnlock()

	if err := e.rewriteLiveNodes(entries, frontierFast, frontierSlow); err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.compactOffsetFast = frontierFast
	e.compactOffsetSlow = frontierSlow
	e.mu.Unlock()

	n1, err := e.reclaimList(chunkpool.ListFast, frontierFast, e.fastCur)
	if err != nil {
		return freed, err
	}
	freed += n1

	n2, err := e.reclaimList(chunkpool.ListSlow, frontierSlow, e.slowCur)
	if err != nil {
		return freed, err
	}
	freed += n2

	e.metrics.RecordCompaction(freed)
	return freed, nil
}

// nextFrontier computes how far this pass can advance list's compaction
// frontier: past the single oldest non-active chunk, so every Compact call
// makes monotonic forward progress evacuating one more chunk's worth of
// still-live data, rather than waiting for references to fall away on
// their own. Never retreats from current. Returns current (possibly
// invalid) if list has nothing beyond its active chunk to advance past.
func (e *Engine) nextFrontier(list chunkpool.List, current VirtualOffset, activeChunk uint32) VirtualOffset {
	members := e.pool.ListMembers(list)
	if len(members) == 0 {
		return current
	}
	head := members[0]
	if head == activeChunk {
		return current
	}
	candidate := packOffset(head+1, 0)
	if current.IsValid() && current.ChunkID() >= candidate.ChunkID() {
		return current
	}
	return candidate
}

// reclaimList walks list from its oldest (head) member forward, moving any
// chunk entirely behind watermark to the free list. The sweep stops at the
// first chunk it cannot reclaim, since new chunks are always appended to the
// tail in increasing chunk-id order, so list position tracks age.
func (e *Engine) reclaimList(list chunkpool.List, watermark VirtualOffset, activeChunk uint32) (int, error) {
	if !watermark.IsValid() {
		return 0, nil
	}

	members := e.pool.ListMembers(list)
	freed := 0
	for _, id := range members {
		if id == activeChunk {
			break // never reclaim the chunk currently being appended to
		}
		if id >= watermark.ChunkID() {
			break
		}
		if err := e.pool.MoveToList(id, chunkpool.ListFree); err != nil {
			return freed, err
		}
		freed++
	}
	return freed, nil
}

// behindFrontier reports whether min lies strictly behind watermark at
// chunk granularity, matching reclaimList's own comparison granularity. An
// invalid min or watermark means there is nothing to compare, which is not
// itself a reason to rewrite.
func behindFrontier(min, watermark VirtualOffset) bool {
	if !min.IsValid() || !watermark.IsValid() {
		return false
	}
	return min.ChunkID() < watermark.ChunkID()
}

// staleOrAbsent additionally treats "no reference on that list" as cold,
// for the fast/slow destination decision: a node with nothing on one axis
// shouldn't be kept on the fast list purely because that axis is empty.
func staleOrAbsent(min, watermark VirtualOffset) bool {
	if !min.IsValid() {
		return true
	}
	return behindFrontier(min, watermark)
}

// needsRewrite reports whether a retained version's root has any subtree
// reference still behind either frontier.
func needsRewrite(entry versionEntry, frontierFast, frontierSlow VirtualOffset) bool {
	return behindFrontier(entry.minFastOffset, frontierFast) || behindFrontier(entry.minSlowOffset, frontierSlow)
}

// rewriteLiveNodes rewrites the root of every entry whose subtree still
// reaches behind the new frontier, then installs the new roots and subtree
// minimums back into the live history ring by version number (not slice
// index, since trimHistoryLocked may have dropped entries from the front
// between the snapshot and this update).
func (e *Engine) rewriteLiveNodes(entries []versionEntry, frontierFast, frontierSlow VirtualOffset) error {
	updates := make(map[uint64]versionEntry)
	for _, entry := range entries {
		if !entry.root.IsValid() || !needsRewrite(entry, frontierFast, frontierSlow) {
			continue
		}
		newRoot, header, err := e.rewriteNode(entry.root, frontierFast, frontierSlow)
		if err != nil {
			return err
		}
		if newRoot == entry.root {
			continue
		}
		entry.root = newRoot
		entry.minFastOffset = header.minFastOffset
		entry.minSlowOffset = header.minSlowOffset
		updates[entry.version] = entry
	}
	if len(updates) == 0 {
		return nil
	}

	e.mu.Lock()
	for i := range e.history {
		if updated, ok := updates[e.history[i].version]; ok {
			e.history[i] = updated
		}
	}
	e.mu.Unlock()
	return nil
}

// rewriteNode relocates off's subtree past the compaction frontier,
// recursing bottom-up: every childRef here is a direct VirtualOffset with
// no indirection layer, so a child whose own offset moves forces every
// ancestor to be re-encoded and re-appended up to the root. A subtree with
// nothing behind either frontier is returned unchanged, so an untouched
// branch of a partially-stale trie costs nothing beyond the initial read.
//
// The rewritten copy is routed to the slow list if, before recursing, the
// node's own subtree read as uniformly cold on both axes (every reference
// absent or already behind its frontier) — a lone aging fast-list leaf
// graduates to slow once it falls behind, matching the routing a node
// freshly written under StateMachine.ForceSlow would get.
func (e *Engine) rewriteNode(off VirtualOffset, frontierFast, frontierSlow VirtualOffset) (VirtualOffset, nodeHeader, error) {
	if !off.IsValid() {
		return off, nodeHeader{}, nil
	}
	n, err := e.readNode(off)
	if err != nil {
		return InvalidOffset, nodeHeader{}, err
	}

	origFastMin, origSlowMin := n.header.minFastOffset, n.header.minSlowOffset
	if !behindFrontier(origFastMin, frontierFast) && !behindFrontier(origSlowMin, frontierSlow) {
		return off, n.header, nil
	}

	switch n.kind {
	case kindBranch:
		for i := range n.children {
			if !n.children[i].off.IsValid() {
				continue
			}
			newOff, _, err := e.rewriteNode(n.children[i].off, frontierFast, frontierSlow)
			if err != nil {
				return InvalidOffset, nodeHeader{}, err
			}
			n.children[i] = refToOffset(newOff)
		}
	case kindExtension:
		if n.childNode.off.IsValid() {
			newOff, childHeader, err := e.rewriteNode(n.childNode.off, frontierFast, frontierSlow)
			if err != nil {
				return InvalidOffset, nodeHeader{}, err
			}
			n.childNode = refToOffset(newOff)
			n.childHeader = childHeader
		}
	}

	onSlow := staleOrAbsent(origFastMin, frontierFast) && staleOrAbsent(origSlowMin, frontierSlow)
	newOff, err := e.writeNode(n, StateMachine{ForceSlow: onSlow})
	if err != nil {
		return InvalidOffset, nodeHeader{}, err
	}
	return newOff, n.header, nil
}
