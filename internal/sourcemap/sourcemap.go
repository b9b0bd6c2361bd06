// Package sourcemap holds the toolchain-produced tables mapping source
// lines to segment-relative code locations and back.
//
// The bridge never parses source files itself; the assembler emits a yaml
// listing alongside the executable and the launch configuration points at
// it. Addresses in the file are segment-relative so the table stays valid
// wherever the loader places the segments.
package sourcemap

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNoSourceInfo means the map has no entry usable for the query.
var ErrNoSourceInfo = errors.New("no source info")

// Location is a segment-relative code address.
type Location struct {
	SegmentID int
	Offset    uint32
}

type lineEntry struct {
	line int
	loc  Location
}

type addrEntry struct {
	offset uint32
	path   string
	line   int
}

// Map is an immutable-after-build line/symbol table.
type Map struct {
	mu        sync.RWMutex
	byPath    map[string][]lineEntry // sorted by line
	bySegment map[int][]addrEntry    // sorted by offset
	symbols   map[string]Location
	dirty     bool
}

// NewMap creates an empty map, populated via AddLine/AddSymbol.
func NewMap() *Map {
	return &Map{
		byPath:    make(map[string][]lineEntry),
		bySegment: make(map[int][]addrEntry),
		symbols:   make(map[string]Location),
	}
}

// file format

type mapFile struct {
	Sources []struct {
		Path  string `yaml:"path"`
		Lines []struct {
			Line    int    `yaml:"line"`
			Segment int    `yaml:"segment"`
			Offset  uint32 `yaml:"offset"`
		} `yaml:"lines"`
	} `yaml:"sources"`
	Symbols []struct {
		Name    string `yaml:"name"`
		Segment int    `yaml:"segment"`
		Offset  uint32 `yaml:"offset"`
	} `yaml:"symbols"`
}

// Load reads a source map file.
func Load(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source map: %w", err)
	}

	var file mapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse source map %s: %w", path, err)
	}

	m := NewMap()
	for _, src := range file.Sources {
		for _, l := range src.Lines {
			m.AddLine(src.Path, l.Line, l.Segment, l.Offset)
		}
	}
	for _, sym := range file.Symbols {
		m.AddSymbol(sym.Name, sym.Segment, sym.Offset)
	}
	m.sortTables()
	return m, nil
}

// AddLine records that a source line assembles to a code location.
func (m *Map) AddLine(path string, line, segmentID int, offset uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPath[path] = append(m.byPath[path], lineEntry{line: line, loc: Location{SegmentID: segmentID, Offset: offset}})
	m.bySegment[segmentID] = append(m.bySegment[segmentID], addrEntry{offset: offset, path: path, line: line})
	m.dirty = true
}

// AddSymbol records a source-level symbol.
func (m *Map) AddSymbol(name string, segmentID int, offset uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[name] = Location{SegmentID: segmentID, Offset: offset}
}

// ResolveLine maps a source line to its code location. When the exact line
// carries no instruction, the nearest following line in the same file is
// used; the returned line is the one actually resolved.
func (m *Map) ResolveLine(path string, line int) (Location, int, error) {
	m.ensureSorted()
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.byPath[path]
	if len(entries) == 0 {
		return Location{}, 0, fmt.Errorf("%w: %s", ErrNoSourceInfo, path)
	}

	i := sort.Search(len(entries), func(i int) bool { return entries[i].line >= line })
	if i == len(entries) {
		return Location{}, 0, fmt.Errorf("%w: %s:%d is past the last instruction", ErrNoSourceInfo, path, line)
	}
	return entries[i].loc, entries[i].line, nil
}

// ResolveAddress maps a code location back to the source line that covers
// it: the entry with the greatest offset not above the given one.
func (m *Map) ResolveAddress(segmentID int, offset uint32) (string, int, error) {
	m.ensureSorted()
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.bySegment[segmentID]
	if len(entries) == 0 {
		return "", 0, fmt.Errorf("%w: segment %d", ErrNoSourceInfo, segmentID)
	}

	i := sort.Search(len(entries), func(i int) bool { return entries[i].offset > offset })
	if i == 0 {
		return "", 0, fmt.Errorf("%w: segment %d offset 0x%x precedes all code", ErrNoSourceInfo, segmentID, offset)
	}
	return entries[i-1].path, entries[i-1].line, nil
}

func (m *Map) sortTables() {
	m.mu.Lock()
	m.sortLocked()
	m.mu.Unlock()
}

func (m *Map) ensureSorted() {
	m.mu.Lock()
	if m.dirty {
		m.sortLocked()
	}
	m.mu.Unlock()
}

func (m *Map) sortLocked() {
	for path := range m.byPath {
		entries := m.byPath[path]
		sort.Slice(entries, func(i, j int) bool { return entries[i].line < entries[j].line })
	}
	for seg := range m.bySegment {
		entries := m.bySegment[seg]
		sort.Slice(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })
	}
	m.dirty = false
}

// Symbols returns a copy of the symbol table.
func (m *Map) Symbols() map[string]Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Location, len(m.symbols))
	for name, loc := range m.symbols {
		out[name] = loc
	}
	return out
}
