package expr

import (
	"context"

	"github.com/m68k-tools/m68kdap/internal/stub"
)

// MemoryAccess is the slice of the stub client the evaluator needs for
// memory traffic.
type MemoryAccess interface {
	ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
}

// RegisterReader supplies a fresh register snapshot.
type RegisterReader interface {
	RegistersSnapshot(ctx context.Context) ([]stub.Register, error)
}

// SymbolResolver resolves symbolic names to absolute addresses.
// *segment.Resolver satisfies it.
type SymbolResolver interface {
	ResolveSymbol(name string) (uint32, error)
}

// Evaluator executes memory-inspection expressions against a stopped
// target.
type Evaluator struct {
	mem  MemoryAccess
	regs RegisterReader
	syms SymbolResolver
}

// NewEvaluator wires an evaluator to its target accessors.
func NewEvaluator(mem MemoryAccess, regs RegisterReader, syms SymbolResolver) *Evaluator {
	return &Evaluator{mem: mem, regs: regs, syms: syms}
}

// Evaluate parses and runs one expression, returning the dump text.
//
// A write returns the dump of the just-written region, read back from the
// target for confirmation.
func (e *Evaluator) Evaluate(ctx context.Context, input string) (string, error) {
	node, err := Parse(input)
	if err != nil {
		return "", err
	}

	switch n := node.(type) {
	case *Read:
		addr, err := e.resolveAddr(ctx, n.Addr)
		if err != nil {
			return "", err
		}
		data, err := e.mem.ReadMemory(ctx, addr, n.Length)
		if err != nil {
			return "", err
		}
		return FormatDump(data), nil

	case *Write:
		addr, err := e.resolveAddr(ctx, n.Addr)
		if err != nil {
			return "", err
		}
		if err := e.mem.WriteMemory(ctx, addr, n.Data); err != nil {
			return "", err
		}
		data, err := e.mem.ReadMemory(ctx, addr, len(n.Data))
		if err != nil {
			return "", err
		}
		return FormatDump(data), nil

	default:
		return "", evalErr(input, "unsupported expression")
	}
}

// resolveAddr turns an address operand into an absolute address.
// Substitutions try the register snapshot first, then the symbol table;
// failure on either path carries the offending token.
func (e *Evaluator) resolveAddr(ctx context.Context, addr AddrExpr) (uint32, error) {
	switch a := addr.(type) {
	case *Literal:
		return a.Value, nil

	case *Substitution:
		regs, err := e.regs.RegistersSnapshot(ctx)
		if err != nil {
			return 0, &EvaluationError{Token: a.Token(), Err: err}
		}
		for _, reg := range regs {
			if reg.Name == a.Name {
				return reg.Value, nil
			}
		}
		value, err := e.syms.ResolveSymbol(a.Name)
		if err != nil {
			return 0, &EvaluationError{Token: a.Token(), Err: err}
		}
		return value, nil

	default:
		return 0, evalErr(addr.Token(), "unsupported address operand")
	}
}
