package evmjit

// StackElem is one logical EVM stack value tracked during compilation of a
// basic block. It may simultaneously occupy several locations (a literal
// fold, a register, and/or a stack-frame slot) and several logical stack
// indices at once.
type StackElem struct {
	locations []Location
	indices   []int // every virtual stack slot this element currently occupies

	// deferred is set when this element is the result of a comparison
	// opcode whose 0/1 value has not yet been written anywhere.
	deferred    Comparison
	hasDeferred bool
}

func newStackElem(loc Location, index int) *StackElem {
	return &StackElem{locations: []Location{loc}, indices: []int{index}}
}

// StackIndices returns the virtual stack slots this element currently
// occupies ("write_to_final_stack_offsets ... stack_indices()").
func (e *StackElem) StackIndices() []int {
	out := make([]int, len(e.indices))
	copy(out, e.indices)
	return out
}

// Locations returns every location currently holding a copy of this
// element's value.
func (e *StackElem) Locations() []Location {
	out := make([]Location, len(e.locations))
	copy(out, e.locations)
	return out
}

func (e *StackElem) addLocation(loc Location) {
	e.locations = append(e.locations, loc)
}

func (e *StackElem) dropLocationsExcept(keep LocationType) {
	kept := e.locations[:0]
	for _, l := range e.locations {
		if l.Kind == keep {
			kept = append(kept, l)
		}
	}
	e.locations = kept
}

// IsLiteral reports whether e has a known compile-time constant value,
// enabling literal folding ("push(x); push(y); op ... replaced by
// push(fold(op, x, y))").
func (e *StackElem) IsLiteral() (value [32]byte, ok bool) {
	for _, l := range e.locations {
		if l.Kind == Literal {
			return l.LiteralValue, true
		}
	}
	return [32]byte{}, false
}

// VirtualStack is the analytic model of the EVM operand stack for the basic
// block currently being compiled. It never holds runtime
// state; it only tracks where each logical element's value currently lives
// so the emitter can choose a cheap location combination for each opcode.
type VirtualStack struct {
	elems []*StackElem // index 0 is the bottom of the block-local stack
}

func NewVirtualStack() *VirtualStack {
	return &VirtualStack{}
}

// Depth returns the number of logical elements currently on the stack.
func (s *VirtualStack) Depth() int { return len(s.elems) }

// Push places a new element holding loc on top of the stack.
func (s *VirtualStack) Push(loc Location) *StackElem {
	e := newStackElem(loc, len(s.elems))
	s.elems = append(s.elems, e)
	return e
}

// PushLiteral pushes a compile-time constant.
func (s *VirtualStack) PushLiteral(v [32]byte) *StackElem {
	return s.Push(LiteralLocation(v))
}

// PushDeferredComparison pushes a placeholder element carrying an
// unmaterialized comparison result.
func (s *VirtualStack) PushDeferredComparison(c Comparison) *StackElem {
	e := &StackElem{indices: []int{len(s.elems)}, deferred: c, hasDeferred: true}
	s.elems = append(s.elems, e)
	return e
}

// Pop removes and returns the top element.
func (s *VirtualStack) Pop() *StackElem {
	n := len(s.elems) - 1
	e := s.elems[n]
	s.elems = s.elems[:n]
	return e
}

// Peek returns the element at depth-from-top d without removing it (d=0 is
// the top of stack).
func (s *VirtualStack) Peek(d int) *StackElem {
	return s.elems[len(s.elems)-1-d]
}

// Dup duplicates the element at depth d (DUP1..DUP16: d = opcode-DUP1),
// sharing the same logical object and adding the new slot to its index set
// rather than copying its value.
func (s *VirtualStack) Dup(d int) *StackElem {
	e := s.Peek(d)
	newIndex := len(s.elems)
	e.indices = append(e.indices, newIndex)
	s.elems = append(s.elems, e)
	return e
}

// Swap exchanges the top element with the one at depth d (SWAP1..SWAP16:
// d = opcode-SWAP1+1). Swapping only relabels which virtual slot each
// element claims; no data movement happens until the block epilogue.
func (s *VirtualStack) Swap(d int) {
	top := len(s.elems) - 1
	other := top - d
	s.elems[top], s.elems[other] = s.elems[other], s.elems[top]
	relabel(s.elems[top], other, top)
	relabel(s.elems[other], top, other)
}

func relabel(e *StackElem, from, to int) {
	for i, idx := range e.indices {
		if idx == from {
			e.indices[i] = to
			return
		}
	}
}

// TopIsDeferredComparison reports whether the top-of-stack element is an
// unmaterialized comparison, and returns it. A following JUMPI can consume
// this directly as a conditional branch instead of paying for a setcc.
func (s *VirtualStack) TopIsDeferredComparison() (Comparison, bool) {
	if len(s.elems) == 0 {
		return 0, false
	}
	top := s.elems[len(s.elems)-1]
	return top.deferred, top.hasDeferred
}
