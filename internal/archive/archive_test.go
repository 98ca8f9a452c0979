package archive

import (
	"bytes"
	"errors"
	"testing"

	"github.com/monad-labs/execution-core/internal/chunkpool"
)

func newTestPool(t *testing.T, dir string) *chunkpool.Pool {
	t.Helper()
	opts := chunkpool.DefaultOptions()
	opts.ChunkCapacity = 1 << 16
	opts.InitialSeqChunks = 6
	p, err := chunkpool.Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func writeIntoChunk(t *testing.T, p *chunkpool.Pool, id uint32, data []byte) {
	t.Helper()
	h, err := p.ActivateChunk(chunkpool.Seq, id)
	if err != nil {
		t.Fatalf("ActivateChunk: %v", err)
	}
	f, offset, err := h.WriteFD(int64(len(data)))
	if err != nil {
		t.Fatalf("WriteFD: %v", err)
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func TestArchiveRestoreRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	src := newTestPool(t, srcDir)
	ids := src.ListMembers(chunkpool.ListFree)
	if len(ids) < 3 {
		t.Fatalf("want at least 3 free chunks, got %d", len(ids))
	}
	for i, id := range ids[:3] {
		if err := src.MoveToList(id, chunkpool.ListFast); err != nil {
			t.Fatalf("MoveToList: %v", err)
		}
		writeIntoChunk(t, src, id, bytes.Repeat([]byte{byte(i + 1)}, 128))
	}
	if err := src.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var buf bytes.Buffer
	if err := Archive(src, &buf, DefaultOptions()); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	dst := newTestPool(t, dstDir)
	if err := Restore(&buf, dst, DefaultOptions()); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	for i, id := range ids[:3] {
		list, ok := dst.ListOf(id)
		if !ok || list != chunkpool.ListFast {
			t.Fatalf("chunk %d: want list=fast, got %v (ok=%v)", id, list, ok)
		}
		h, err := dst.ActivateChunk(chunkpool.Seq, id)
		if err != nil {
			t.Fatalf("ActivateChunk dst: %v", err)
		}
		got := make([]byte, 128)
		if _, err := h.ReadFD().ReadAt(got, 0); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		want := bytes.Repeat([]byte{byte(i + 1)}, 128)
		if !bytes.Equal(got, want) {
			t.Fatalf("chunk %d: content mismatch", id)
		}
	}
}

func TestArchiveRestoreUncompressed(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	src := newTestPool(t, srcDir)
	ids := src.ListMembers(chunkpool.ListFree)
	if err := src.MoveToList(ids[0], chunkpool.ListSlow); err != nil {
		t.Fatalf("MoveToList: %v", err)
	}
	writeIntoChunk(t, src, ids[0], []byte("hello"))

	var buf bytes.Buffer
	if err := Archive(src, &buf, Options{Compress: false}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	dst := newTestPool(t, dstDir)
	if err := Restore(&buf, dst, Options{Compress: false}); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	list, ok := dst.ListOf(ids[0])
	if !ok || list != chunkpool.ListSlow {
		t.Fatalf("want list=slow, got %v (ok=%v)", list, ok)
	}
}

func TestRestoreRejectsInsufficientChunks(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcOpts := chunkpool.DefaultOptions()
	srcOpts.ChunkCapacity = 1 << 16
	srcOpts.InitialSeqChunks = 10
	src, err := chunkpool.Open(srcDir, nil, srcOpts)
	if err != nil {
		t.Fatalf("Open src: %v", err)
	}
	for _, id := range src.ListMembers(chunkpool.ListFree) {
		if err := src.MoveToList(id, chunkpool.ListFast); err != nil {
			t.Fatalf("MoveToList: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := Archive(src, &buf, DefaultOptions()); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	dstOpts := chunkpool.DefaultOptions()
	dstOpts.ChunkCapacity = 1 << 16
	dstOpts.InitialSeqChunks = 2
	dst, err := chunkpool.Open(dstDir, nil, dstOpts)
	if err != nil {
		t.Fatalf("Open dst: %v", err)
	}

	if err := Restore(&buf, dst, DefaultOptions()); err != ErrInsufficientChunks {
		t.Fatalf("want ErrInsufficientChunks, got %v", err)
	}
}

// TestRestoreRejectsSparseIDsNotCoveredByCount reproduces a source pool
// whose free-list churn leaves its fast-list members at non-contiguous ids
// (e.g. {1, 3} rather than {0, 1}), and a destination pool that has enough
// total Seq chunks to pass the count check but was allocated sequentially
// from 0, so it doesn't actually have id 3. The exact-id check must catch
// this before any chunk is written, not leave it to surface later as an
// ActivateChunk failure mid-restore.
func TestRestoreRejectsSparseIDsNotCoveredByCount(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	srcOpts := chunkpool.DefaultOptions()
	srcOpts.ChunkCapacity = 1 << 16
	srcOpts.InitialSeqChunks = 6
	src, err := chunkpool.Open(srcDir, nil, srcOpts)
	if err != nil {
		t.Fatalf("Open src: %v", err)
	}
	// leave ids 0, 2, 4, 5 on the free list (skipped by Archive) and only
	// move 1 and 3 onto the fast list, so the archive references a sparse,
	// non-contiguous id set.
	for _, id := range []uint32{1, 3} {
		if err := src.MoveToList(id, chunkpool.ListFast); err != nil {
			t.Fatalf("MoveToList(%d): %v", id, err)
		}
		writeIntoChunk(t, src, id, []byte("sparse"))
	}
	if err := src.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	var buf bytes.Buffer
	if err := Archive(src, &buf, DefaultOptions()); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	dstOpts := chunkpool.DefaultOptions()
	dstOpts.ChunkCapacity = 1 << 16
	dstOpts.InitialSeqChunks = 2 // enough count (2) to pass the count check, but ids only 0 and 1
	dst, err := chunkpool.Open(dstDir, nil, dstOpts)
	if err != nil {
		t.Fatalf("Open dst: %v", err)
	}

	if err := Restore(&buf, dst, DefaultOptions()); !errors.Is(err, ErrInsufficientChunks) {
		t.Fatalf("want ErrInsufficientChunks, got %v", err)
	}

	// nothing should have been written into dst: the failure must be
	// caught upfront, before any chunk is touched.
	if list, ok := dst.ListOf(1); ok && list == chunkpool.ListFast {
		t.Fatalf("chunk 1 should not have been restored after an upfront rejection")
	}
}
