package evmjit

import "testing"

func TestCompileContractProducesExecutableRegion(t *testing.T) {
	// PUSH1 1, PUSH1 1, ADD, STOP: smallest contract with one basic block.
	code := []byte{byte(PUSH1), 0x01, byte(PUSH1), 0x01, byte(ADD), byte(STOP)}

	prog, err := CompileContract(code)
	if err != nil {
		t.Fatalf("CompileContract: %v", err)
	}
	defer prog.Release()

	entry, err := prog.EntryPoint()
	if err != nil {
		t.Fatalf("EntryPoint: %v", err)
	}
	if entry == 0 {
		t.Error("entry point should be a non-zero address")
	}
}

func TestCompileContractMultipleBlocks(t *testing.T) {
	// PUSH1 to JUMPDEST at pc 5, JUMP, then JUMPDEST, STOP: three basic
	// blocks (pc 0, the dead PUSH1 at pc 3, and the JUMPDEST at pc 5), the
	// last reached through a direct jump to the literal target.
	code := []byte{
		byte(PUSH1), 0x05,
		byte(JUMP),
		byte(PUSH1), 0x00, // dead code, never reached by fallthrough
		byte(JUMPDEST),
		byte(STOP),
	}
	prog, err := CompileContract(code)
	if err != nil {
		t.Fatalf("CompileContract: %v", err)
	}
	defer prog.Release()
}

func TestCompileContractEmptyProgram(t *testing.T) {
	// An empty program still finalizes successfully: there are no blocks to
	// compile, only the fixed sections.
	prog, err := CompileContract(nil)
	if err != nil {
		t.Fatalf("CompileContract(nil): %v", err)
	}
	defer prog.Release()
}
