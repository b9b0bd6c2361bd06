// Package breakpoint tracks requested versus stub-confirmed breakpoints.
//
// A breakpoint moves through three states: requested (no stub id yet),
// confirmed-unverified (placed on the target, id assigned, not yet
// validated), and verified. Validation arrives as an asynchronous
// notification that may land long after the set call returned; the manager
// matches it by id and never re-derives state from the original request.
package breakpoint

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/m68k-tools/m68kdap/internal/sourcemap"
	"github.com/m68k-tools/m68kdap/internal/stub"
)

// Breakpoint is one tracked breakpoint.
type Breakpoint struct {
	// ID is the stub-assigned handle, 0 while the breakpoint is only
	// requested. Once assigned it is stable and is the only valid handle
	// for removal.
	ID int

	// Path and Line are what the editor asked for.
	Path string
	Line int

	// ActualLine is the line the source map actually resolved, which may
	// sit below Line when the requested line carries no instruction.
	ActualLine int

	// SegmentID and Offset locate the breakpoint on the target. Only
	// meaningful when resolved.
	SegmentID int
	Offset    uint32

	// Verified flips to true when the stub's validation notification
	// arrives, never before.
	Verified bool

	resolved bool
}

// Placer issues breakpoint commands to the target. *stub.Client satisfies it.
type Placer interface {
	SetBreakpoint(ctx context.Context, segmentID int, offset uint32) (int, error)
	RemoveBreakpoint(ctx context.Context, id int) error
}

// LineResolver maps a source line to a code location. *sourcemap.Map
// satisfies it.
type LineResolver interface {
	ResolveLine(path string, line int) (sourcemap.Location, int, error)
}

// Manager reconciles editor-requested breakpoint sets against what is
// placed on the target.
type Manager struct {
	logger zerolog.Logger
	lines  LineResolver

	mu     sync.Mutex
	placer Placer
	byPath map[string][]*Breakpoint
	byID   map[int]*Breakpoint
}

// NewManager creates a manager with no target attached. Breakpoints set
// before Attach stay in the requested state until SyncAll.
func NewManager(logger zerolog.Logger, lines LineResolver) *Manager {
	return &Manager{
		logger: logger.With().Str("component", "breakpoints").Logger(),
		lines:  lines,
		byPath: make(map[string][]*Breakpoint),
		byID:   make(map[int]*Breakpoint),
	}
}

// Attach connects the manager to a live target.
func (m *Manager) Attach(placer Placer) {
	m.mu.Lock()
	m.placer = placer
	m.mu.Unlock()
}

// Reset drops all tracked breakpoints and detaches the target. Used when a
// new launch replaces the loaded program.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.placer = nil
	m.byPath = make(map[string][]*Breakpoint)
	m.byID = make(map[int]*Breakpoint)
	m.mu.Unlock()
}

// SetBreakpoints replaces the breakpoint set for one source file.
//
// Each call supplies the complete desired set for the file: breakpoints no
// longer requested are removed from the target first, then new ones are
// placed, preserving the order of the requested lines in the returned list.
// Surviving breakpoints keep their id and verification state.
func (m *Manager) SetBreakpoints(ctx context.Context, path string, requestedLines []int) ([]Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requested := make(map[int]bool, len(requestedLines))
	for _, line := range requestedLines {
		requested[line] = true
	}

	surviving := make(map[int]*Breakpoint)
	for _, bp := range m.byPath[path] {
		if requested[bp.Line] {
			surviving[bp.Line] = bp
			continue
		}
		m.removeFromTarget(ctx, bp)
	}

	// A line listed twice is still one breakpoint: duplicates share the
	// tracked entry instead of placing twice.
	result := make([]Breakpoint, 0, len(requestedLines))
	tracked := make([]*Breakpoint, 0, len(requestedLines))
	seen := make(map[int]bool, len(requestedLines))
	for _, line := range requestedLines {
		bp := surviving[line]
		if bp == nil {
			bp = m.create(ctx, path, line)
			surviving[line] = bp
		}
		if !seen[line] {
			seen[line] = true
			tracked = append(tracked, bp)
		}
		result = append(result, *bp)
	}

	if len(tracked) == 0 {
		delete(m.byPath, path)
	} else {
		m.byPath[path] = tracked
	}
	return result, nil
}

// create resolves and, when a target is attached, places a new breakpoint.
// Resolution or placement failure leaves it requested and unverified; the
// editor sees verified=false until the target confirms.
func (m *Manager) create(ctx context.Context, path string, line int) *Breakpoint {
	bp := &Breakpoint{Path: path, Line: line, ActualLine: line, SegmentID: -1}

	loc, actual, err := m.lines.ResolveLine(path, line)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", path).Int("line", line).Msg("Breakpoint line has no code location")
		return bp
	}
	bp.SegmentID = loc.SegmentID
	bp.Offset = loc.Offset
	bp.ActualLine = actual
	bp.resolved = true

	m.place(ctx, bp)
	return bp
}

// place issues the set command for a resolved breakpoint.
func (m *Manager) place(ctx context.Context, bp *Breakpoint) {
	if m.placer == nil || !bp.resolved || bp.ID != 0 {
		return
	}
	id, err := m.placer.SetBreakpoint(ctx, bp.SegmentID, bp.Offset)
	if err != nil {
		m.logger.Warn().Err(err).Str("path", bp.Path).Int("line", bp.Line).Msg("Failed to place breakpoint")
		return
	}
	bp.ID = id
	m.byID[id] = bp
}

func (m *Manager) removeFromTarget(ctx context.Context, bp *Breakpoint) {
	if bp.ID != 0 {
		delete(m.byID, bp.ID)
		if m.placer != nil {
			if err := m.placer.RemoveBreakpoint(ctx, bp.ID); err != nil {
				m.logger.Warn().Err(err).Int("id", bp.ID).Msg("Failed to remove breakpoint from target")
			}
		}
	}
}

// SyncAll places every breakpoint that is still only requested. The session
// calls this once the program is loaded and the line table is live.
func (m *Manager) SyncAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, bps := range m.byPath {
		for _, bp := range bps {
			if !bp.resolved {
				// The source map may have arrived with the launch.
				loc, actual, err := m.lines.ResolveLine(bp.Path, bp.Line)
				if err != nil {
					continue
				}
				bp.SegmentID = loc.SegmentID
				bp.Offset = loc.Offset
				bp.ActualLine = actual
				bp.resolved = true
			}
			m.place(ctx, bp)
		}
		m.byPath[path] = bps
	}
}

// HandleValidated applies a breakpoint-validated notification. The match is
// by id only; a stale or unknown id is reported false and otherwise
// ignored, since the editor may have replaced the set while the
// notification was in flight.
func (m *Manager) HandleValidated(v stub.ValidatedBreakpoint) (Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bp, ok := m.byID[v.ID]
	if !ok {
		m.logger.Info().Int("id", v.ID).Msg("Validation for untracked breakpoint, ignoring")
		return Breakpoint{}, false
	}
	bp.Verified = true
	bp.SegmentID = v.SegmentID
	bp.Offset = v.Offset
	return *bp, true
}

// ForPath returns copies of the tracked breakpoints for a file, in
// requested order.
func (m *Manager) ForPath(path string) []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	bps := m.byPath[path]
	out := make([]Breakpoint, 0, len(bps))
	for _, bp := range bps {
		out = append(out, *bp)
	}
	return out
}

// All returns copies of every tracked breakpoint.
func (m *Manager) All() []Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Breakpoint
	for _, bps := range m.byPath {
		for _, bp := range bps {
			out = append(out, *bp)
		}
	}
	return out
}
