package evmjit

// RegisterAllocator owns the fixed pools of general-register bundles and
// AVX registers ("3 general-register bundles ...
// 16 vector-register slots ... a pool of stack offsets") and decides which
// element, if any, must be spilled to make room for a new binding.
//
// Grounded on original_source's RegisterAllocator (alloc_general_reg,
// alloc_avx_reg, alloc_stack_offset, spill_all_caller_save_regs family);
// generalized here from a hand-rolled C++ bitset to three small Go slices
// since the pools are small and fixed-size (3 general bundles, 16 AVX).
type RegisterAllocator struct {
	generalOwner [numGeneralRegs]*StackElem // nil when free
	avxOwner     [numAvxRegs]*StackElem
	nextOffset   int32 // next unused slot in the outgoing EVM stack frame
	freeOffsets  []int32

	emit *Emitter
}

func NewRegisterAllocator(emit *Emitter) *RegisterAllocator {
	return &RegisterAllocator{emit: emit}
}

// AllocGeneralReg reserves a general-register bundle for e, spilling
// whichever element currently occupies the chosen bundle to a stack offset
// first if every bundle is in use.
func (ra *RegisterAllocator) AllocGeneralReg(e *StackElem) GeneralRegID {
	for id := GeneralRegID(0); id < numGeneralRegs; id++ {
		if ra.generalOwner[id] == nil {
			ra.generalOwner[id] = e
			e.addLocation(GeneralRegLocation(id))
			return id
		}
	}
	id := ra.pickGeneralSpillVictim()
	ra.spillGeneralReg(id)
	ra.generalOwner[id] = e
	e.addLocation(GeneralRegLocation(id))
	return id
}

// AllocAvxReg reserves a vector register for e, spilling under the same
// policy as AllocGeneralReg.
func (ra *RegisterAllocator) AllocAvxReg(e *StackElem) AvxRegID {
	for id := AvxRegID(0); id < numAvxRegs; id++ {
		if ra.avxOwner[id] == nil {
			ra.avxOwner[id] = e
			e.addLocation(AvxRegLocation(id))
			return id
		}
	}
	id := ra.pickAvxSpillVictim()
	ra.spillAvxReg(id)
	ra.avxOwner[id] = e
	e.addLocation(AvxRegLocation(id))
	return id
}

// AllocStackOffset reserves a fresh slot in the outgoing EVM stack frame,
// reusing a freed slot when one is available.
func (ra *RegisterAllocator) AllocStackOffset(e *StackElem) int32 {
	var off int32
	if n := len(ra.freeOffsets); n > 0 {
		off = ra.freeOffsets[n-1]
		ra.freeOffsets = ra.freeOffsets[:n-1]
	} else {
		off = ra.nextOffset
		ra.nextOffset += 32 // one 256-bit EVM word per slot
	}
	e.addLocation(StackOffsetLocation(off))
	return off
}

// pickGeneralSpillVictim favors spilling the caller-save bundles before the
// callee-save one, since caller-save bundles are already forced to spill
// around runtime calls.
func (ra *RegisterAllocator) pickGeneralSpillVictim() GeneralRegID {
	for _, id := range []GeneralRegID{GeneralRegCallerSave1, GeneralRegCallerSave2, GeneralRegCalleeSave} {
		if ra.generalOwner[id] != nil {
			return id
		}
	}
	return GeneralRegCalleeSave
}

func (ra *RegisterAllocator) pickAvxSpillVictim() AvxRegID {
	for id := AvxRegID(0); id < numAvxRegs; id++ {
		if ra.avxOwner[id] != nil {
			return id
		}
	}
	return 0
}

func (ra *RegisterAllocator) spillGeneralReg(id GeneralRegID) {
	victim := ra.generalOwner[id]
	if victim == nil {
		return
	}
	off := ra.AllocStackOffset(victim)
	ra.emit.movGeneralRegToStackOffset(id, off)
	victim.dropLocationsExcept(StackOffset)
	ra.generalOwner[id] = nil
}

func (ra *RegisterAllocator) spillAvxReg(id AvxRegID) {
	victim := ra.avxOwner[id]
	if victim == nil {
		return
	}
	off := ra.AllocStackOffset(victim)
	ra.emit.movAvxRegToStackOffset(id, off)
	victim.dropLocationsExcept(StackOffset)
	ra.avxOwner[id] = nil
}

// SpillAllCallerSaveGeneralRegs spills the two caller-save general bundles,
// leaving the callee-save bundle untouched. Used before a runtime call.
func (ra *RegisterAllocator) SpillAllCallerSaveGeneralRegs() {
	ra.spillGeneralReg(GeneralRegCallerSave1)
	ra.spillGeneralReg(GeneralRegCallerSave2)
}

// SpillAllAvxRegs spills every AVX register, used at block-boundary
// reconciliation where no vector register survives across blocks.
func (ra *RegisterAllocator) SpillAllAvxRegs() {
	for id := AvxRegID(0); id < numAvxRegs; id++ {
		ra.spillAvxReg(id)
	}
}

// SpillAllCallerSaveRegs spills both caller-save general bundles and every
// AVX register, the full boundary used at a runtime call site.
func (ra *RegisterAllocator) SpillAllCallerSaveRegs() {
	ra.SpillAllCallerSaveGeneralRegs()
	ra.SpillAllAvxRegs()
}

// FreeStackOffset releases off back to the pool once no live element needs
// it (for example after write_to_final_stack_offsets has copied every
// element to its permanent home at block exit).
func (ra *RegisterAllocator) FreeStackOffset(off int32) {
	ra.freeOffsets = append(ra.freeOffsets, off)
}

// ReleaseElem frees every register the allocator has assigned to e,
// called once e is dead (popped and never referenced again).
func (ra *RegisterAllocator) ReleaseElem(e *StackElem) {
	for id, owner := range ra.generalOwner {
		if owner == e {
			ra.generalOwner[id] = nil
		}
	}
	for id, owner := range ra.avxOwner {
		if owner == e {
			ra.avxOwner[id] = nil
		}
	}
}
