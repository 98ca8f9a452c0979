package chunkpool

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// magic identifies the on-disk metadata format; archives reject a mismatch.
const magic = "MONADCHUNKPOOLv1"

// metadataChunkPath is the name of chunk (Cnv, 0), which holds two copies of
// the pool header at offset 0 and offset capacity/2.
const metadataChunkPath = "cnv-0.dat"

// ValidateMetadataTag reports whether data (a raw cnv-0 chunk body) begins
// with this pool format's magic string, used by the archive codec to detect
// a version-tag mismatch on restore without needing the full metadata
// decoder.
func ValidateMetadataTag(data []byte) bool {
	return bytes.HasPrefix(data, []byte(magic))
}

// poolMetadata is the logical content of one pool header copy.
type poolMetadata struct {
	version            uint32
	chunkCapacity      int64
	nextCnvID          uint32
	nextSeqID          uint32
	nextInsertionCount uint32
	devices            []Source
	nodes              map[uint32]*listNode
	heads              map[List]uint32
	tails              map[List]uint32
	has                map[List]bool
}

// encode serializes a metadata copy. Layout: magic, version, chunk capacity,
// counters, device count + devices, then per-Seq-chunk list records. This is
// deliberately simple (no external varint library) since the format is
// internal and versioned by the magic string.
func (m *poolMetadata) encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)
	writeU32(&buf, m.version)
	writeU64(&buf, uint64(m.chunkCapacity))
	writeU32(&buf, m.nextCnvID)
	writeU32(&buf, m.nextSeqID)
	writeU32(&buf, m.nextInsertionCount)

	writeU32(&buf, uint32(len(m.devices)))
	for _, d := range m.devices {
		writeU32(&buf, uint32(len(d.Path)))
		buf.WriteString(d.Path)
		buf.WriteByte(byte(d.Type))
		writeU32(&buf, d.DeviceID)
		writeU64(&buf, uint64(d.Capacity))
	}

	writeU32(&buf, uint32(len(m.nodes)))
	for id, n := range m.nodes {
		writeU32(&buf, id)
		buf.WriteByte(byte(n.list))
		writeU32(&buf, n.insertionCount)
		writeBool(&buf, n.hasPrev)
		writeU32(&buf, n.prev)
		writeBool(&buf, n.hasNext)
		writeU32(&buf, n.next)
	}

	for _, l := range []List{ListFast, ListSlow, ListFree} {
		writeBool(&buf, m.has[l])
		writeU32(&buf, m.heads[l])
		writeU32(&buf, m.tails[l])
	}

	payload := buf.Bytes()
	checksum := crc32.ChecksumIEEE(payload)

	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.BigEndian.PutUint32(out[len(payload):], checksum)
	return out
}

func decodeMetadata(data []byte) (*poolMetadata, error) {
	if len(data) < len(magic)+4 {
		return nil, ErrCorruptMetadata
	}
	checksumOffset := len(data) - 4
	payload := data[:checksumOffset]
	want := binary.BigEndian.Uint32(data[checksumOffset:])
	if crc32.ChecksumIEEE(payload) != want {
		return nil, ErrCorruptMetadata
	}
	if !bytes.HasPrefix(payload, []byte(magic)) {
		return nil, ErrCorruptMetadata
	}

	r := bytes.NewReader(payload[len(magic):])
	m := &poolMetadata{
		nodes: make(map[uint32]*listNode),
		heads: make(map[List]uint32),
		tails: make(map[List]uint32),
		has:   make(map[List]bool),
	}
	m.version = readU32(r)
	m.chunkCapacity = int64(readU64(r))
	m.nextCnvID = readU32(r)
	m.nextSeqID = readU32(r)
	m.nextInsertionCount = readU32(r)

	devCount := readU32(r)
	for i := uint32(0); i < devCount; i++ {
		pathLen := readU32(r)
		pathBuf := make([]byte, pathLen)
		r.Read(pathBuf)
		typ := readByte(r)
		devID := readU32(r)
		cap := readU64(r)
		m.devices = append(m.devices, Source{
			Path: string(pathBuf), Type: ChunkType(typ), DeviceID: devID, Capacity: int64(cap),
		})
	}

	nodeCount := readU32(r)
	for i := uint32(0); i < nodeCount; i++ {
		id := readU32(r)
		list := List(readByte(r))
		ic := readU32(r)
		hasPrev := readBool(r)
		prev := readU32(r)
		hasNext := readBool(r)
		next := readU32(r)
		m.nodes[id] = &listNode{chunkID: id, list: list, insertionCount: ic, prev: prev, next: next, hasPrev: hasPrev, hasNext: hasNext}
	}

	for _, l := range []List{ListFast, ListSlow, ListFree} {
		m.has[l] = readBool(r)
		m.heads[l] = readU32(r)
		m.tails[l] = readU32(r)
	}

	return m, nil
}

// loadOrInitMetadata reads both header copies from chunk (Cnv, 0) and
// returns the most recent valid one, falling back to the older copy on a
// torn write.
func (p *Pool) loadOrInitMetadata() (*poolMetadata, error) {
	path := filepath.Join(p.dir, metadataChunkPath)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chunkpool: open metadata chunk: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return &poolMetadata{
			version:       1,
			chunkCapacity: p.opts.ChunkCapacity,
			nextCnvID:     1,
			nextSeqID:     0,
			nodes:         make(map[uint32]*listNode),
			heads:         make(map[List]uint32),
			tails:         make(map[List]uint32),
			has:           make(map[List]bool),
		}, nil
	}

	// Copy A starts at offset 0 and fits in the first half of the file. Copy
	// B starts at half the chunk capacity the pool was written with, taken
	// from copy A when it decodes and from opts otherwise.
	copyA := make([]byte, info.Size()/2)
	f.ReadAt(copyA, 0)
	metaA, errA := decodeMetadata(trimTrailingZeros(copyA))

	half := p.opts.ChunkCapacity / 2
	if errA == nil {
		half = metaA.chunkCapacity / 2
	}
	var metaB *poolMetadata
	errB := ErrCorruptMetadata
	if half > 0 && half < info.Size() {
		copyB := make([]byte, info.Size()-half)
		f.ReadAt(copyB, half)
		metaB, errB = decodeMetadata(trimTrailingZeros(copyB))
	}

	switch {
	case errA == nil && errB == nil:
		if metaA.version >= metaB.version {
			return metaA, nil
		}
		return metaB, nil
	case errA == nil:
		return metaA, nil
	case errB == nil:
		return metaB, nil
	case p.opts.AllowDirty:
		p.log.Warn("both metadata copies failed validation, proceeding best-effort")
		return &poolMetadata{
			version: 1, chunkCapacity: p.opts.ChunkCapacity, nextCnvID: 1,
			nodes: make(map[uint32]*listNode), heads: make(map[List]uint32),
			tails: make(map[List]uint32), has: make(map[List]bool),
		}, nil
	default:
		return nil, ErrCorruptMetadata
	}
}

func (p *Pool) applyMetadata(m *poolMetadata) error {
	p.opts.ChunkCapacity = m.chunkCapacity
	if p.opts.ChunkCapacity == 0 {
		p.opts.ChunkCapacity = DefaultOptions().ChunkCapacity
	}
	p.nextCnvID = m.nextCnvID
	p.nextSeqID = m.nextSeqID
	p.nextInsertionCount = m.nextInsertionCount
	p.metaVersionCounter = m.version
	if len(m.devices) > 0 {
		p.devices = m.devices
	}
	p.nodes = m.nodes
	p.heads = m.heads
	p.tails = m.tails
	p.has = m.has

	for id := range p.nodes {
		if _, err := p.openSeqChunk(id); err != nil {
			return err
		}
	}
	if p.nextCnvID == 0 {
		p.nextCnvID = 1
	}
	return nil
}

// persistMetadata double-writes both copies of the pool header with a
// memory fence (Sync) between them, so a crash mid-write leaves at most one
// copy torn.
func (p *Pool) persistMetadata() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.persistMetadataLocked()
}

func (p *Pool) persistMetadataLocked() error {
	m := &poolMetadata{
		version:            p.nextMetaVersion(),
		chunkCapacity:       p.opts.ChunkCapacity,
		nextCnvID:           p.nextCnvID,
		nextSeqID:           p.nextSeqID,
		nextInsertionCount:  p.nextInsertionCount,
		devices:             p.devices,
		nodes:               p.nodes,
		heads:               p.heads,
		tails:               p.tails,
		has:                 p.has,
	}
	encoded := m.encode()

	path := filepath.Join(p.dir, metadataChunkPath)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	half := p.opts.ChunkCapacity / 2
	if int64(len(encoded)) > half {
		return fmt.Errorf("chunkpool: metadata %d bytes exceeds half-chunk budget %d", len(encoded), half)
	}

	// Copy A at offset 0, fsync, then copy B at offset capacity/2. At most
	// one copy can be torn by a crash between the two writes.
	if _, err := f.WriteAt(encoded, 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if _, err := f.WriteAt(encoded, half); err != nil {
		return err
	}
	if cf, ok := p.cnv[0]; ok && half+int64(len(encoded)) > cf.size {
		cf.size = half + int64(len(encoded))
	}
	return f.Sync()
}

// nextMetaVersion advances this pool's own metadata generation counter.
// Scoped per *Pool (not process-global) since persistMetadataLocked runs
// under p.mu, which only serializes against other persists on the same
// pool — a process-global counter would race across distinct *Pool
// instances persisting concurrently from different goroutines.
func (p *Pool) nextMetaVersion() uint32 {
	p.metaVersionCounter++
	return p.metaVersionCounter
}

func trimTrailingZeros(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readU32(r *bytes.Reader) uint32 {
	var tmp [4]byte
	r.Read(tmp[:])
	return binary.BigEndian.Uint32(tmp[:])
}

func readU64(r *bytes.Reader) uint64 {
	var tmp [8]byte
	r.Read(tmp[:])
	return binary.BigEndian.Uint64(tmp[:])
}

func readByte(r *bytes.Reader) byte {
	b, _ := r.ReadByte()
	return b
}

func readBool(r *bytes.Reader) bool {
	b, _ := r.ReadByte()
	return b != 0
}
