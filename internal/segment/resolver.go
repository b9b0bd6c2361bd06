// Package segment converts between the target's address spaces.
//
// The target reports its memory as an ordered list of loaded segments; a
// segment's id is its position in that list. Code locations travel across
// the wire as (segment, offset) pairs, the evaluator wants absolute
// addresses, and the editor wants source lines. The resolver owns the first
// two conversions and symbolic names; source lines live in package
// sourcemap.
package segment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/m68k-tools/m68kdap/internal/stub"
)

var (
	// ErrUnknownSegment means a segment id outside the loaded table.
	ErrUnknownSegment = errors.New("unknown segment")

	// ErrAddressNotMapped means an absolute address outside every loaded
	// segment. Callers must treat this as "not ours", not as fatal.
	ErrAddressNotMapped = errors.New("address not mapped to any segment")

	// ErrUnknownSymbol means a symbolic name the resolver has never heard of.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Amiga hardware locations every debugger user ends up poking at.
var wellKnownSymbols = map[string]uint32{
	"copperlist": 0x00dff080, // COP1LC, the active hardware copper list pointer
	"custom":     0x00dff000, // custom chip register base
	"ciaa":       0x00bfe001,
	"ciab":       0x00bfd000,
}

// Resolver maintains the loaded segment table and the symbol table.
//
// The segment table is replaced wholesale on every (re)load and is never
// mutated while the target runs, so reads vastly outnumber writes.
type Resolver struct {
	mu       sync.RWMutex
	segments []stub.Segment
	symbols  map[string]uint32
}

// NewResolver creates a resolver with an empty segment table and the
// well-known system symbols predefined.
func NewResolver() *Resolver {
	symbols := make(map[string]uint32, len(wellKnownSymbols))
	for name, addr := range wellKnownSymbols {
		symbols[name] = addr
	}
	return &Resolver{symbols: symbols}
}

// Load replaces the segment table atomically.
func (r *Resolver) Load(segments []stub.Segment) {
	table := append([]stub.Segment(nil), segments...)
	r.mu.Lock()
	r.segments = table
	r.mu.Unlock()
}

// Segments returns a copy of the current table.
func (r *Resolver) Segments() []stub.Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]stub.Segment(nil), r.segments...)
}

// ToAbsolute converts a (segment, offset) pair to an absolute address.
func (r *Resolver) ToAbsolute(segmentID int, offset uint32) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if segmentID < 0 || segmentID >= len(r.segments) {
		return 0, fmt.Errorf("%w: id %d with %d segments loaded", ErrUnknownSegment, segmentID, len(r.segments))
	}
	return r.segments[segmentID].Address + offset, nil
}

// ToSegmentOffset finds the segment containing an absolute address.
func (r *Resolver) ToSegmentOffset(addr uint32) (int, uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, seg := range r.segments {
		if seg.Contains(addr) {
			return id, addr - seg.Address, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: 0x%08x", ErrAddressNotMapped, addr)
}

// DefineSymbol adds or replaces a symbolic name. Source-level symbols are
// defined here by the session once the program is loaded and their
// segment-relative locations can be made absolute.
func (r *Resolver) DefineSymbol(name string, addr uint32) {
	r.mu.Lock()
	r.symbols[name] = addr
	r.mu.Unlock()
}

// ResolveSymbol resolves a well-known or source-level symbolic name.
func (r *Resolver) ResolveSymbol(name string) (uint32, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSymbol, name)
	}
	return addr, nil
}
