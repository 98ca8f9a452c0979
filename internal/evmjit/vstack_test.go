package evmjit

import "testing"

func TestVirtualStackDupSharesObject(t *testing.T) {
	s := NewVirtualStack()
	var v [32]byte
	v[31] = 7
	s.PushLiteral(v)
	dup := s.Dup(0)

	if dup != s.Peek(0) {
		t.Fatal("Dup should push the same object, not a copy")
	}
	if len(dup.indices) != 2 {
		t.Errorf("shared element should occupy 2 indices, got %d", len(dup.indices))
	}
}

func TestVirtualStackSwapRelabelsInPlace(t *testing.T) {
	s := NewVirtualStack()
	var a, b [32]byte
	a[31], b[31] = 1, 2
	ea := s.Push(LiteralLocation(a))
	eb := s.Push(LiteralLocation(b))

	s.Swap(1)

	if s.Peek(0) != ea || s.Peek(1) != eb {
		t.Fatal("Swap should exchange which slot each element occupies")
	}
}

func TestRegisterAllocatorSpillsOnExhaustion(t *testing.T) {
	emit := NewEmitter()
	ra := NewRegisterAllocator(emit)
	stack := NewVirtualStack()

	var elems []*StackElem
	for i := 0; i < numGeneralRegs+1; i++ {
		e := stack.Push(LiteralLocation([32]byte{}))
		ra.AllocGeneralReg(e)
		elems = append(elems, e)
	}

	// elems[0] took the callee-save bundle and elems[1] the first
	// caller-save bundle; once every bundle was claimed, the allocator
	// spills a caller-save bundle first, so elems[1] moves to a stack offset.
	spilled := elems[1]
	found := false
	for _, loc := range spilled.locations {
		if loc.Kind == StackOffset {
			found = true
		}
	}
	if !found {
		t.Error("expected the element in the first caller-save bundle to be spilled once registers ran out")
	}
}
