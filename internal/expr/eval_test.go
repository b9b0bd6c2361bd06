package expr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m68k-tools/m68kdap/internal/stub"
)

// fakeMemory is a sparse byte-addressed memory.
type fakeMemory struct {
	bytes  map[uint32]byte
	failed bool
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{bytes: make(map[uint32]byte)}
}

func (f *fakeMemory) poke(addr uint32, data []byte) {
	for i, b := range data {
		f.bytes[addr+uint32(i)] = b
	}
}

func (f *fakeMemory) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	if f.failed {
		return nil, errors.New("bus error")
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = f.bytes[addr+uint32(i)]
	}
	return out, nil
}

func (f *fakeMemory) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	if f.failed {
		return errors.New("bus error")
	}
	f.poke(addr, data)
	return nil
}

type fakeRegisters struct {
	regs []stub.Register
	err  error
}

func (f *fakeRegisters) RegistersSnapshot(ctx context.Context) ([]stub.Register, error) {
	return f.regs, f.err
}

type fakeSymbols map[string]uint32

func (f fakeSymbols) ResolveSymbol(name string) (uint32, error) {
	addr, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("unknown symbol %q", name)
	}
	return addr, nil
}

func setupEvaluator(t *testing.T) (*Evaluator, *fakeMemory) {
	t.Helper()

	mem := newFakeMemory()
	regs := &fakeRegisters{regs: []stub.Register{
		{Name: "pc", Value: 0x40010},
		{Name: "a0", Value: 0x1000},
	}}
	syms := fakeSymbols{"copperlist": 0x00dff080, "buffer": 0x2000}
	return NewEvaluator(mem, regs, syms), mem
}

func TestEvaluate_ReadLiteral(t *testing.T) {
	e, mem := setupEvaluator(t)
	mem.poke(0x1000, []byte{0xaa, 0x00, 0x00, 0x00, 0x00, 0xc0, 0x0b, 0x00, 0x00, 0xf8})

	out, err := e.Evaluate(context.Background(), "m$1000,10")
	require.NoError(t, err)
	assert.Equal(t, "aa000000 00c00b00 00f8          | ª.........", out)
}

func TestEvaluate_ReadRegisterSubstitution(t *testing.T) {
	e, mem := setupEvaluator(t)
	mem.poke(0x1000, []byte{0x41, 0x42, 0x43, 0x44})

	out, err := e.Evaluate(context.Background(), "m${a0},4")
	require.NoError(t, err)
	assert.Equal(t, "41424344                        | ABCD", out)
}

func TestEvaluate_ReadSymbolSubstitution(t *testing.T) {
	e, mem := setupEvaluator(t)
	mem.poke(0x2000, []byte{0x01, 0x02})

	out, err := e.Evaluate(context.Background(), "m${buffer},2")
	require.NoError(t, err)
	assert.Equal(t, "0102                            | ..", out)
}

func TestEvaluate_RegisterShadowsSymbol(t *testing.T) {
	mem := newFakeMemory()
	mem.poke(0x1000, []byte{0xff})
	regs := &fakeRegisters{regs: []stub.Register{{Name: "buffer", Value: 0x1000}}}
	syms := fakeSymbols{"buffer": 0x2000}
	e := NewEvaluator(mem, regs, syms)

	out, err := e.Evaluate(context.Background(), "m${buffer},1")
	require.NoError(t, err)
	assert.Equal(t, "ff                              | .", out, "registers are consulted before symbols")
}

func TestEvaluate_WriteDumpsWrittenRegion(t *testing.T) {
	e, mem := setupEvaluator(t)

	out, err := e.Evaluate(context.Background(), "M$1000=cafe")
	require.NoError(t, err)
	assert.Equal(t, "cafe                            | ..", out)
	assert.Equal(t, byte(0xca), mem.bytes[0x1000])
	assert.Equal(t, byte(0xfe), mem.bytes[0x1001])
}

func TestEvaluate_UnknownName(t *testing.T) {
	e, _ := setupEvaluator(t)

	_, err := e.Evaluate(context.Background(), "m${d9},4")
	require.Error(t, err)

	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "${d9}", evalErr.Token, "the error names the token that failed")
}

func TestEvaluate_RegisterSnapshotFailure(t *testing.T) {
	mem := newFakeMemory()
	regs := &fakeRegisters{err: errors.New("target is running")}
	e := NewEvaluator(mem, regs, fakeSymbols{})

	_, err := e.Evaluate(context.Background(), "m${a0},4")
	require.Error(t, err)

	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "${a0}", evalErr.Token)
}

func TestEvaluate_MemoryFailure(t *testing.T) {
	e, mem := setupEvaluator(t)
	mem.failed = true

	_, err := e.Evaluate(context.Background(), "m$1000,4")
	require.Error(t, err)
}

func TestEvaluate_ParseError(t *testing.T) {
	e, _ := setupEvaluator(t)

	_, err := e.Evaluate(context.Background(), "x$1000,4")
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
}
