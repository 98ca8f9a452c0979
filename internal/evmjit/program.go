package evmjit

import (
	"fmt"
	"sort"

	"github.com/monad-labs/execution-core/internal/evmjit/jitmem"
)

// Program is one contract's bytecode compiled down to a finalized,
// executable region: every basic block lowered in ascending pc order,
// followed by the fixed epilogue/error-block/read-only tail Finalize lays
// down. Grounded on original_source's top-level Compiler::compile driving
// per-block compilation then a single finalize() pass, generalized here to
// a two-step CompileContract/Release pair matching jitmem.Region's own
// write-then-finalize lifecycle.
type Program struct {
	region *jitmem.Region
	sections finalSections
}

// CompileContract lowers every basic block in code, finalizes the fixed
// sections, and maps the result into an executable jitmem.Region. The
// returned Program owns that region; call Release once no call stack can
// still be executing inside it.
func CompileContract(code []byte) (*Program, error) {
	c := NewCompiler(code)
	c.emit.emitEntryPrologue()

	starts := make([]int, 0, len(c.blocks))
	for pc := range c.blocks {
		starts = append(starts, pc)
	}
	sort.Ints(starts)

	for _, pc := range starts {
		if err := c.CompileBlock(pc); err != nil {
			return nil, fmt.Errorf("evmjit: compile block at pc %d: %w", pc, err)
		}
	}
	sections := c.Finalize()

	region, err := jitmem.Alloc(len(c.emit.Code()))
	if err != nil {
		return nil, err
	}
	if err := region.Write(0, c.emit.Code()); err != nil {
		region.Release()
		return nil, err
	}
	if err := region.Finalize(); err != nil {
		region.Release()
		return nil, err
	}
	return &Program{region: region, sections: sections}, nil
}

// EntryPoint returns the address generated code starts executing from,
// following the entry(ctx, stack_base) ABI the contract prologue expects.
func (p *Program) EntryPoint() (uintptr, error) { return p.region.EntryPoint() }

// Release unmaps the program's executable region.
func (p *Program) Release() error { return p.region.Release() }
