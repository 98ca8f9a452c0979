package chunkpool

import "testing"

func TestOpenCreatesInitialFreeChunks(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ChunkCapacity = 1 << 16
	opts.InitialSeqChunks = 3

	p, err := Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if got := len(p.ListMembers(ListFree)); got != 3 {
		t.Fatalf("expected 3 free chunks, got %d", got)
	}
}

func TestAllocateChunkMovesFreeToFast(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ChunkCapacity = 1 << 16
	opts.InitialSeqChunks = 1

	p, err := Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	id, err := p.AllocateChunk()
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	list, ok := p.ListOf(id)
	if !ok || list != ListFast {
		t.Fatalf("expected chunk %d on fast list, got %v (ok=%v)", id, list, ok)
	}
	if got := len(p.ListMembers(ListFree)); got != 0 {
		t.Fatalf("expected free list empty after allocate, got %d", got)
	}
}

func TestChunkHandleWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ChunkCapacity = 1 << 16
	opts.InitialSeqChunks = 1

	p, err := Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	id, err := p.AllocateChunk()
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	h, err := p.ActivateChunk(Seq, id)
	if err != nil {
		t.Fatalf("ActivateChunk: %v", err)
	}

	payload := []byte("hello chunk")
	f, offset, err := h.WriteFD(int64(len(payload)))
	if err != nil {
		t.Fatalf("WriteFD: %v", err)
	}
	if _, err := f.WriteAt(payload, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	readBack := make([]byte, len(payload))
	if _, err := h.ReadFD().ReadAt(readBack, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(readBack) != string(payload) {
		t.Fatalf("got %q, want %q", readBack, payload)
	}
}

func TestWriteFDRejectsOverflow(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ChunkCapacity = 8
	opts.InitialSeqChunks = 1

	p, err := Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	id, err := p.AllocateChunk()
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	h, err := p.ActivateChunk(Seq, id)
	if err != nil {
		t.Fatalf("ActivateChunk: %v", err)
	}
	if _, _, err := h.WriteFD(16); err != ErrChunkFull {
		t.Fatalf("expected ErrChunkFull, got %v", err)
	}
}

func TestMetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ChunkCapacity = 1 << 16
	opts.InitialSeqChunks = 2

	p, err := Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := p.AllocateChunk()
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()

	list, ok := p2.ListOf(id)
	if !ok || list != ListFast {
		t.Fatalf("expected reopened pool to remember chunk %d on fast list, got %v (ok=%v)", id, list, ok)
	}
}
