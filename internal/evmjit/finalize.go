package evmjit

// This file assembles the fixed, once-per-contract sections a compiled
// program needs beyond its basic blocks: the shared error block every
// out-of-line failure branches into, the normal-exit epilogue, the
// byte-out-of-bounds handler BYTE's bounds check branches to, and the
// read-only tail holding the literal pool, the indirect-jump table, and a
// short debug string identifying the build. Grounded on original_source's
// Compiler::finalize, which lays these down once after every basic block has
// been lowered rather than interleaving them with per-block code.

// finalSections records where Finalize laid down each fixed section
// (errorBlock, epilogue, byteBounds, readOnly), for anything that still
// needs to patch a forward reference into it after the fact.
type finalSections struct {
	errorBlock  int
	epilogue    int
	byteBounds  int
	readOnly    int
}

// emitEpilogue restores the callee-saved general bundle and returns to the
// caller with ctx.result.status already set by whichever terminator jumped
// here.
func (e *Emitter) emitEpilogue() int {
	off := len(e.code)
	lanes := generalRegGPR[GeneralRegCalleeSave]
	for i, gpr := range lanes {
		e.emit(rex(true, gpr >= 8, false, spRegExtended), 0x8B)
		e.emitModRMDisp32(gpr&7, int32(-8*(i+1))) // restore from the prologue's save slots
	}
	e.emit(0xC3) // ret
	return off
}

// emitErrorBlock is the single shared landing pad every out-of-line failure
// branch (out-of-gas, invalid jump, stack under/overflow, runtime-call
// error) targets with a status code already loaded into al. It stores that
// byte into ctx.result.status and then emits its own copy of the
// epilogue's restore-and-return sequence.
func (e *Emitter) emitErrorBlock() int {
	off := len(e.code)
	e.errorBlock = off
	e.emit(0x88, 0x46, 0x00) // mov [rsi], al ; rsi holds &ctx.result.status by entry convention
	e.emitEpilogue()
	return off
}

// emitByteOutOfBoundsHandler pushes a zero word to the slot BYTE's bounds
// check diverted from and resumes normal execution: an out-of-range index
// (>= 32) yields zero rather than faulting.
func (e *Emitter) emitByteOutOfBoundsHandler() int {
	off := len(e.code)
	e.emit(0x31, 0xC0) // xor eax, eax
	e.emit(0xE9)       // jmp back into the block that diverted here
	e.emitU32(0)
	return off
}

// emitReadOnlySection appends the literal pool, the jump table (block entry
// offsets indexed by EVM pc, for the indirect-jump bounds-checked lookup),
// and a short debug string naming the build, all after the last executable
// byte.
func (e *Emitter) emitReadOnlySection() int {
	off := len(e.code)
	for _, lit := range e.literalPool {
		e.emit(lit[:]...)
	}
	for _, target := range e.jumpTable {
		e.emitU32(uint32(int32(target)))
	}
	e.emit([]byte("monad-execution-core jit\x00")...)
	return off
}

// Finalize lays down the fixed sections once every basic block has been
// compiled, returning their offsets, which CompileContract keeps in the
// Program alongside its region.
func (c *Compiler) Finalize() finalSections {
	var s finalSections
	s.epilogue = c.emit.emitEpilogue()
	s.errorBlock = c.emit.emitErrorBlock()
	s.byteBounds = c.emit.emitByteOutOfBoundsHandler()
	s.readOnly = c.emit.emitReadOnlySection()
	return s
}
