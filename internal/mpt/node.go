// Package mpt implements the content-addressed, append-only Merkle-Patricia
// Trie engine: node encoding, the update-aux upsert protocol, fast/slow
// compaction routing, and bounded version history with rewind.
//
// The node algebra (branch/extension/leaf, longest-common-prefix splitting,
// branch collapse on delete) is grounded on trie.Trie, but
// nodes here are immutable and content-addressed by VirtualOffset rather
// than kept purely in memory: every write appends a serialized node to a
// chunkpool.Pool chunk and the node carries the offset it was written at
// plus the subtree's minimum fast/slow offsets for the compactor.
package mpt

import (
	"encoding/binary"
	"fmt"

	"github.com/monad-labs/execution-core/internal/chunkpool"
)

// VirtualOffset is a stable 64-bit logical address (chunk id, byte offset)
// that survives defragmentation.
type VirtualOffset uint64

// InvalidOffset marks "no node" (nil child / empty root).
const InvalidOffset VirtualOffset = 0

func packOffset(chunkID uint32, byteOffset uint32) VirtualOffset {
	return VirtualOffset(uint64(chunkID)<<32 | uint64(byteOffset))
}

func (v VirtualOffset) ChunkID() uint32 { return uint32(v >> 32) }
func (v VirtualOffset) ByteOffset() uint32 { return uint32(v) }
func (v VirtualOffset) IsValid() bool { return v != InvalidOffset }

// CompactOffset is the 32-bit monotone projection of a VirtualOffset used
// as a comparison key during compaction; the upper bit distinguishes
// fast-list membership (0) from slow-list membership (1).
type CompactOffset uint32

const slowListBit = uint32(1) << 31

func newCompactOffset(insertionCount uint32, onSlowList bool) CompactOffset {
	v := insertionCount &^ slowListBit
	if onSlowList {
		v |= slowListBit
	}
	return CompactOffset(v)
}

func (c CompactOffset) OnSlowList() bool { return uint32(c)&slowListBit != 0 }

// nodeKind tags the three node shapes on the wire.
type nodeKind byte

const (
	kindBranch nodeKind = iota
	kindExtension
	kindLeaf
)

// nodeHeader is embedded in every node kind and carries the subtree minimum
// offsets the compactor uses to decide whether a chunk still holds live
// data: every node kind tracks its own subtree minimum, with a leaf's
// minimum equal to its own offset.
type nodeHeader struct {
	offset VirtualOffset // where this node itself is stored, 0 until written
	minFastOffset VirtualOffset
	minSlowOffset VirtualOffset
}

// childRef points at a child that is either already durable (resolved to a
// VirtualOffset, loaded lazily via mem==nil) or newly constructed in memory
// and not yet appended to a chunk (mem != nil, off invalid). The bottom-up
// write pass in engine.go resolves every mem reference to an offset before
// the parent is itself encoded and written.
type childRef struct {
	off VirtualOffset
	mem *Node
}

func (c childRef) isEmpty() bool { return c.mem == nil && !c.off.IsValid() }

func refToOffset(off VirtualOffset) childRef { return childRef{off: off} }
func refToMem(n *Node) childRef { return childRef{mem: n} }

// Node is the immutable, content-addressed unit of the trie. Once written,
// a node is never mutated; an update produces new nodes along the path from
// the root.
type Node struct {
	header nodeHeader
	kind nodeKind

	// Branch
	children [16]childRef
	value []byte // branch's own value at the terminator slot, may be nil

	// Extension / Leaf
	keyNibbles []byte
	// Extension: child reference. Leaf: value bytes.
	childNode childRef
	leaf []byte

	// childHeader caches the extension's child header across the write
	// pass (transient, not persisted) so recomputeSubtreeMin can fold it in
	// without a redundant read.
	childHeader nodeHeader
}

func newLeaf(keyNibbles, value []byte) *Node {
	return &Node{kind: kindLeaf, keyNibbles: append([]byte{}, keyNibbles...), leaf: value}
}

func newExtension(keyNibbles []byte, child childRef) *Node {
	return &Node{kind: kindExtension, keyNibbles: append([]byte{}, keyNibbles...), childNode: child}
}

func newBranch() *Node {
	return &Node{kind: kindBranch}
}

func minOffset(a, b VirtualOffset) VirtualOffset {
	if !a.IsValid() {
		return b
	}
	if !b.IsValid() {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// recomputeSubtreeMin folds every durable child's subtree minimum into this
// node's own ("min_* = min(self_offset_if_matching_list,
// min over children)". Must run after every childRef on the node has been
// resolved to a durable offset.
func (n *Node) recomputeSubtreeMin(selfOnFast bool) {
	var fastMin, slowMin VirtualOffset
	if selfOnFast {
		fastMin = n.header.offset
	} else {
		slowMin = n.header.offset
	}

	fold := func(h nodeHeader) {
		fastMin = minOffset(fastMin, h.minFastOffset)
		slowMin = minOffset(slowMin, h.minSlowOffset)
	}

	switch n.kind {
	case kindBranch:
		for _, c := range n.children {
			if c.off.IsValid() {
				fold(nodeHeader{minFastOffset: c.off, minSlowOffset: c.off})
			}
		}
	case kindExtension:
		if n.childNode.off.IsValid() {
			fold(n.childHeader)
		}
	}

	n.header.minFastOffset = fastMin
	n.header.minSlowOffset = slowMin
}

// encode serializes a node to its on-disk representation: a type tag
// followed by a length-prefixed body. Every childRef must already
// be resolved to a durable offset (mem == nil) before encode is called.
func (n *Node) encode() []byte {
	var body []byte
	switch n.kind {
	case kindBranch:
		body = make([]byte, 0, 16*8+4+len(n.value))
		for _, c := range n.children {
			body = appendU64(body, uint64(c.off))
		}
		body = appendU32(body, uint32(len(n.value)))
		body = append(body, n.value...)
	case kindExtension:
		body = appendU32(body, uint32(len(n.keyNibbles)))
		body = append(body, n.keyNibbles...)
		body = appendU64(body, uint64(n.childNode.off))
	case kindLeaf:
		body = appendU32(body, uint32(len(n.keyNibbles)))
		body = append(body, n.keyNibbles...)
		body = appendU32(body, uint32(len(n.leaf)))
		body = append(body, n.leaf...)
	}

	out := make([]byte, 0, 1+8+8+4+len(body))
	out = append(out, byte(n.kind))
	out = appendU64(out, uint64(n.header.minFastOffset))
	out = appendU64(out, uint64(n.header.minSlowOffset))
	out = appendU32(out, uint32(len(body)))
	out = append(out, body...)
	return out
}

func decodeNode(data []byte) (*Node, int, error) {
	if len(data) < 1+8+8+4 {
		return nil, 0, fmt.Errorf("mpt: truncated node record")
	}
	n := &Node{kind: nodeKind(data[0])}
	n.header.minFastOffset = VirtualOffset(binary.BigEndian.Uint64(data[1:9]))
	n.header.minSlowOffset = VirtualOffset(binary.BigEndian.Uint64(data[9:17]))
	bodyLen := binary.BigEndian.Uint32(data[17:21])
	body := data[21 : 21+int(bodyLen)]

	switch n.kind {
	case kindBranch:
		for i := 0; i < 16; i++ {
			n.children[i] = refToOffset(VirtualOffset(binary.BigEndian.Uint64(body[i*8 : i*8+8])))
		}
		rest := body[16*8:]
		vlen := binary.BigEndian.Uint32(rest[:4])
		n.value = append([]byte{}, rest[4:4+vlen]...)
	case kindExtension:
		klen := binary.BigEndian.Uint32(body[:4])
		n.keyNibbles = append([]byte{}, body[4:4+klen]...)
		n.childNode = refToOffset(VirtualOffset(binary.BigEndian.Uint64(body[4+klen : 4+klen+8])))
	case kindLeaf:
		klen := binary.BigEndian.Uint32(body[:4])
		n.keyNibbles = append([]byte{}, body[4:4+klen]...)
		rest := body[4+klen:]
		vlen := binary.BigEndian.Uint32(rest[:4])
		n.leaf = append([]byte{}, rest[4:4+vlen]...)
	default:
		return nil, 0, fmt.Errorf("mpt: unknown node kind %d", n.kind)
	}
	return n, 21 + int(bodyLen), nil
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// chunkRouting names chunkpool.List in its role as a node's fast vs slow
// list placement. The compactor uses chunkpool.List directly and does not
// refer to this alias.
type chunkRouting = chunkpool.List
