package evmjit

import "github.com/holiman/uint256"

// foldBinop evaluates op over two compile-time-constant 256-bit operands,
// used for literal folding ("push(x); push(y); op ... replaced
// by push(fold(op, x, y))"). Only the binops lowerCommutativeBinop/
// lowerBinop actually call this with are needed; anything else panics,
// since it indicates a lowering bug rather than bad input.
func foldBinop(op OpCode, a, b [32]byte) [32]byte {
	x := new(uint256.Int).SetBytes(a[:])
	y := new(uint256.Int).SetBytes(b[:])
	out := new(uint256.Int)

	switch op {
	case ADD:
		out.Add(x, y)
	case SUB:
		out.Sub(x, y)
	case MUL:
		out.Mul(x, y)
	case AND:
		out.And(x, y)
	case OR:
		out.Or(x, y)
	case XOR:
		out.Xor(x, y)
	case EQ:
		if x.Eq(y) {
			out.SetOne()
		}
	default:
		panic("evmjit: foldBinop called with non-foldable opcode " + op.String())
	}

	return out.Bytes32()
}
