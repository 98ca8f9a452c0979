package mpt

import (
	"fmt"
	"testing"

	"github.com/monad-labs/execution-core/internal/chunkpool"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	opts := chunkpool.DefaultOptions()
	opts.ChunkCapacity = 1 << 20
	opts.InitialSeqChunks = 2

	pool, err := chunkpool.Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("chunkpool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	eopts := DefaultEngineOptions()
	eopts.HistoryLength = 8
	e, err := NewEngine(pool, eopts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestUpsertInsertAndFind(t *testing.T) {
	e := newTestEngine(t)

	root, err := e.Upsert(InvalidOffset, UpdateList{
		"alice": []byte("100"),
		"bob":   []byte("200"),
	}, 1, StateMachine{})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := e.Find([]byte("alice"), 1)
	if err != nil {
		t.Fatalf("Find(alice): %v", err)
	}
	if string(got) != "100" {
		t.Fatalf("Find(alice) = %q, want 100", got)
	}

	got, err = e.Find([]byte("bob"), 1)
	if err != nil {
		t.Fatalf("Find(bob): %v", err)
	}
	if string(got) != "200" {
		t.Fatalf("Find(bob) = %q, want 200", got)
	}

	if _, err := e.Find([]byte("carol"), 1); err != ErrKeyNotFound {
		t.Fatalf("Find(carol) = %v, want ErrKeyNotFound", err)
	}

	if !root.IsValid() {
		t.Fatalf("expected a valid root offset")
	}
}

func TestUpsertOverwriteAndDelete(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Upsert(InvalidOffset, UpdateList{"k": []byte("v1")}, 1, StateMachine{})
	if err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}
	root1, err := e.RootAt(1)
	if err != nil {
		t.Fatalf("RootAt(1): %v", err)
	}

	root2, err := e.Upsert(root1, UpdateList{"k": []byte("v2")}, 2, StateMachine{})
	if err != nil {
		t.Fatalf("Upsert v2: %v", err)
	}

	// old version still reads the old value.
	got, err := e.Find([]byte("k"), 1)
	if err != nil {
		t.Fatalf("Find v1: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("Find v1 = %q, want v1", got)
	}

	got, err = e.Find([]byte("k"), 2)
	if err != nil {
		t.Fatalf("Find v2: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("Find v2 = %q, want v2", got)
	}

	root3, err := e.Upsert(root2, UpdateList{"k": nil}, 3, StateMachine{})
	if err != nil {
		t.Fatalf("Upsert delete: %v", err)
	}
	if root3.IsValid() {
		t.Fatalf("expected empty root after deleting the only key, got %v", root3)
	}
	if _, err := e.Find([]byte("k"), 3); err != ErrKeyNotFound {
		t.Fatalf("Find after delete = %v, want ErrKeyNotFound", err)
	}
}

func TestFindAsyncCoalesces(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Upsert(InvalidOffset, UpdateList{"x": []byte("y")}, 1, StateMachine{}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	ch1 := e.FindAsync([]byte("x"), 1)
	ch2 := e.FindAsync([]byte("x"), 1)

	r1 := <-ch1
	r2 := <-ch2
	if r1.Err != nil || r2.Err != nil {
		t.Fatalf("FindAsync errors: %v, %v", r1.Err, r2.Err)
	}
	if string(r1.Value) != "y" || string(r2.Value) != "y" {
		t.Fatalf("FindAsync values = %q, %q, want y, y", r1.Value, r2.Value)
	}
}

func TestHistoryRewindAndBounds(t *testing.T) {
	e := newTestEngine(t)

	var root VirtualOffset
	var err error
	for v := uint64(1); v <= 5; v++ {
		root, err = e.Upsert(root, UpdateList{"k": []byte{byte(v)}}, v, StateMachine{})
		if err != nil {
			t.Fatalf("Upsert v%d: %v", v, err)
		}
	}

	min, max, ok := e.HistoryBounds()
	if !ok || min != 1 || max != 5 {
		t.Fatalf("HistoryBounds = (%d, %d, %v), want (1, 5, true)", min, max, ok)
	}

	if err := e.RewindToVersion(3); err != nil {
		t.Fatalf("RewindToVersion: %v", err)
	}
	_, _, ok = e.HistoryBounds()
	if !ok {
		t.Fatalf("expected history still present after rewind")
	}
	if _, err := e.RootAt(4); err != ErrVersionNoLongerExists {
		t.Fatalf("RootAt(4) after rewind = %v, want ErrVersionNoLongerExists", err)
	}
	r3, err := e.RootAt(3)
	if err != nil {
		t.Fatalf("RootAt(3): %v", err)
	}
	got, err := e.Find([]byte("k"), 3)
	if err != nil {
		t.Fatalf("Find after rewind: %v", err)
	}
	if len(got) != 1 || got[0] != 3 {
		t.Fatalf("Find after rewind = %v, want [3]", got)
	}
	_ = r3
}

func TestResetHistoryLengthTrims(t *testing.T) {
	e := newTestEngine(t)

	var root VirtualOffset
	var err error
	for v := uint64(1); v <= 8; v++ {
		root, err = e.Upsert(root, UpdateList{"k": []byte{byte(v)}}, v, StateMachine{})
		if err != nil {
			t.Fatalf("Upsert v%d: %v", v, err)
		}
	}

	if err := e.ResetHistoryLength(2); err != nil {
		t.Fatalf("ResetHistoryLength: %v", err)
	}
	min, max, ok := e.HistoryBounds()
	if !ok || max != 8 || min != 7 {
		t.Fatalf("HistoryBounds after shrink = (%d, %d, %v), want (7, 8, true)", min, max, ok)
	}
	if _, err := e.RootAt(6); err != ErrVersionNoLongerExists {
		t.Fatalf("RootAt(6) after shrink = %v, want ErrVersionNoLongerExists", err)
	}
}

// newSmallChunkTestEngine uses a much smaller chunk capacity than
// newTestEngine so a handful of branch-node-sized upserts force real list
// rollover, which the rewrite-before-reclaim tests below depend on.
func newSmallChunkTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	opts := chunkpool.DefaultOptions()
	opts.ChunkCapacity = 2048
	opts.InitialSeqChunks = 2

	pool, err := chunkpool.Open(dir, nil, opts)
	if err != nil {
		t.Fatalf("chunkpool.Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	eopts := DefaultEngineOptions()
	eopts.HistoryLength = 1
	e, err := NewEngine(pool, eopts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestCompactRewritesLiveNodeBehindFrontier(t *testing.T) {
	e := newSmallChunkTestEngine(t)

	root, err := e.Upsert(InvalidOffset, UpdateList{"pinned": []byte("stays")}, 1, StateMachine{})
	if err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}
	pinnedChunk := root.ChunkID()

	// pinned is never touched again; every later root reuses its leaf node
	// unchanged, so its offset remains stuck in the earliest chunk while
	// plenty of now-dead branch/extension nodes pile up around it.
	var v uint64
	for v = 2; v <= 60; v++ {
		root, err = e.Upsert(root, UpdateList{
			fmt.Sprintf("key%d", v): []byte(fmt.Sprintf("val%d", v)),
		}, v, StateMachine{})
		if err != nil {
			t.Fatalf("Upsert v%d: %v", v, err)
		}
	}

	if e.fastCur == pinnedChunk {
		t.Skip("fast list never rolled past pinned's chunk on this run")
	}

	freed, err := e.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if freed == 0 {
		t.Fatalf("expected compaction to reclaim at least one chunk by rewriting the pinned node forward first")
	}

	got, err := e.Find([]byte("pinned"), v-1)
	if err != nil || string(got) != "stays" {
		t.Fatalf("Find(pinned) after compact = (%q, %v), want (stays, nil)", got, err)
	}
	got, err = e.Find([]byte(fmt.Sprintf("key%d", v-1)), v-1)
	if err != nil || string(got) != fmt.Sprintf("val%d", v-1) {
		t.Fatalf("Find(last key) after compact = (%q, %v), want val%d", got, err, v-1)
	}

	// a second pass must not find the rewritten pinned node still stuck:
	// the frontier keeps advancing and freed should stay non-negative
	// (compaction must remain safe to call repeatedly).
	freed2, err := e.Compact()
	if err != nil {
		t.Fatalf("second Compact: %v", err)
	}
	if freed2 < 0 {
		t.Fatalf("second Compact returned negative freed count: %d", freed2)
	}
}

func TestRewriteNodeRelocatesPastFrontier(t *testing.T) {
	e := newSmallChunkTestEngine(t)

	root1, err := e.Upsert(InvalidOffset, UpdateList{"pinned": []byte("stays")}, 1, StateMachine{})
	if err != nil {
		t.Fatalf("Upsert v1: %v", err)
	}
	root2, err := e.Upsert(root1, UpdateList{"other": []byte("changes")}, 2, StateMachine{})
	if err != nil {
		t.Fatalf("Upsert v2: %v", err)
	}

	// force the fast list to roll over so the frontier can legitimately sit
	// ahead of root2's own chunk.
	var v uint64
	root := root2
	for v = 3; v <= 40; v++ {
		root, err = e.Upsert(root, UpdateList{
			fmt.Sprintf("k%d", v): []byte(fmt.Sprintf("v%d", v)),
		}, v, StateMachine{})
		if err != nil {
			t.Fatalf("Upsert v%d: %v", v, err)
		}
	}
	if e.fastCur == root2.ChunkID() {
		t.Skip("fast list never rolled past root2's chunk on this run")
	}

	frontierFast := packOffset(e.fastCur, 0)
	newOff, header, err := e.rewriteNode(root2, frontierFast, InvalidOffset)
	if err != nil {
		t.Fatalf("rewriteNode: %v", err)
	}
	if newOff == root2 {
		t.Fatalf("expected the subtree to be relocated, got the same offset back")
	}
	if behindFrontier(header.minFastOffset, frontierFast) {
		t.Fatalf("rewritten root still reports a fast-axis minimum behind the frontier: %v", header.minFastOffset)
	}

	rewritten, err := e.readNode(newOff)
	if err != nil {
		t.Fatalf("readNode(newOff): %v", err)
	}
	got, err := e.find(rewritten, keyToNibbles([]byte("pinned")))
	if err != nil || string(got) != "stays" {
		t.Fatalf("find(pinned) after rewrite = (%q, %v), want (stays, nil)", got, err)
	}
	got, err = e.find(rewritten, keyToNibbles([]byte("other")))
	if err != nil || string(got) != "changes" {
		t.Fatalf("find(other) after rewrite = (%q, %v), want (changes, nil)", got, err)
	}
}

func TestCompactReclaimsOldChunks(t *testing.T) {
	e := newTestEngine(t)

	var root VirtualOffset
	var err error
	// 50 small upserts into newTestEngine's 1 MiB chunks, then history
	// shrunk to one version; compaction may or may not reclaim a chunk, and
	// the newest version must stay readable either way.
	for v := uint64(1); v <= 50; v++ {
		root, err = e.Upsert(root, UpdateList{"k": []byte{byte(v)}}, v, StateMachine{})
		if err != nil {
			t.Fatalf("Upsert v%d: %v", v, err)
		}
	}
	if err := e.ResetHistoryLength(1); err != nil {
		t.Fatalf("ResetHistoryLength: %v", err)
	}

	freed, err := e.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if freed < 0 {
		t.Fatalf("Compact returned negative freed count: %d", freed)
	}

	// whatever happened, the most recent version must still read correctly.
	got, err := e.Find([]byte("k"), 50)
	if err != nil {
		t.Fatalf("Find after compact: %v", err)
	}
	if len(got) != 1 || got[0] != 50 {
		t.Fatalf("Find after compact = %v, want [50]", got)
	}
}
