package evmjit

import "fmt"

// LocationType is the kind of concrete storage a virtual stack element may
// currently occupy. An element can live in more
// than one location at once; operations must respect every location it is
// currently recorded at.
type LocationType byte

const (
	// Literal is a compile-time constant: no runtime storage at all.
	Literal LocationType = iota
	// GeneralReg is a bundle of four 64-bit GPRs holding one 256-bit word.
	GeneralReg
	// AvxReg is a single 256-bit vector register.
	AvxReg
	// StackOffset is a slot in the in-memory EVM stack frame.
	StackOffset
)

func (l LocationType) String() string {
	switch l {
	case Literal:
		return "Literal"
	case GeneralReg:
		return "GeneralReg"
	case AvxReg:
		return "AvxReg"
	case StackOffset:
		return "StackOffset"
	default:
		return fmt.Sprintf("LocationType(%d)", byte(l))
	}
}

// GeneralRegID names one of the three 256-bit general-register bundles the
// allocator manages. Bundle 0 is
// callee-saved; 1 and 2 are caller-saved and must be spilled around runtime
// calls.
type GeneralRegID byte

const (
	GeneralRegCalleeSave GeneralRegID = iota
	GeneralRegCallerSave1
	GeneralRegCallerSave2
	numGeneralRegs
)

// AvxRegID names one of the sixteen 256-bit vector register slots.
type AvxRegID byte

const numAvxRegs = 16

// Location is a concrete binding of a location kind to its storage: a
// literal value, a general-register bundle id, an AVX register id, or a
// stack-frame byte offset. Exactly one of these fields is meaningful,
// selected by Kind.
type Location struct {
	Kind         LocationType
	LiteralValue [32]byte // big-endian 256-bit constant, valid when Kind == Literal
	GeneralReg   GeneralRegID
	AvxReg       AvxRegID
	StackOffset  int32 // byte offset into the outgoing EVM stack frame
}

func LiteralLocation(v [32]byte) Location {
	return Location{Kind: Literal, LiteralValue: v}
}

func GeneralRegLocation(id GeneralRegID) Location {
	return Location{Kind: GeneralReg, GeneralReg: id}
}

func AvxRegLocation(id AvxRegID) Location {
	return Location{Kind: AvxReg, AvxReg: id}
}

func StackOffsetLocation(off int32) Location {
	return Location{Kind: StackOffset, StackOffset: off}
}
