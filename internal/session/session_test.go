package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m68k-tools/m68kdap/internal/breakpoint"
	"github.com/m68k-tools/m68kdap/internal/config"
	"github.com/m68k-tools/m68kdap/internal/stub"
)

// fakeStub is a scriptable in-memory stand-in for the stub client.
type fakeStub struct {
	mu       sync.Mutex
	segments []stub.Segment
	stack    []stub.StackPosition
	regs     []stub.Register
	mem      map[uint32]byte
	handlers map[stub.EventName][]stub.Handler
	commands []string
	nextBP   int
	closed   bool
}

func newFakeStub() *fakeStub {
	return &fakeStub{
		segments: []stub.Segment{{Address: 0x40000, Size: 0x1000}},
		stack:    []stub.StackPosition{{FrameIndex: 0, SegmentID: 0, Offset: 0x04}},
		regs: []stub.Register{
			{Name: "pc", Value: 0x40004},
			{Name: "d0", Value: 0x2a},
		},
		mem:      make(map[uint32]byte),
		handlers: make(map[stub.EventName][]stub.Handler),
	}
}

func (f *fakeStub) record(cmd string) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
}

func (f *fakeStub) LoadProgram(ctx context.Context, program string) ([]stub.Segment, error) {
	f.record("load " + program)
	return f.segments, nil
}

func (f *fakeStub) Continue(ctx context.Context) error { f.record("continue"); return nil }
func (f *fakeStub) Next(ctx context.Context) error     { f.record("next"); return nil }
func (f *fakeStub) Step(ctx context.Context) error     { f.record("step"); return nil }

func (f *fakeStub) SetBreakpoint(ctx context.Context, segmentID int, offset uint32) (int, error) {
	f.record(fmt.Sprintf("break-set %d %x", segmentID, offset))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBP++
	return f.nextBP, nil
}

func (f *fakeStub) RemoveBreakpoint(ctx context.Context, id int) error {
	f.record(fmt.Sprintf("break-remove %d", id))
	return nil
}

func (f *fakeStub) Stack(ctx context.Context) ([]stub.StackPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stub.StackPosition(nil), f.stack...), nil
}

func (f *fakeStub) RegistersSnapshot(ctx context.Context) ([]stub.Register, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stub.Register(nil), f.regs...), nil
}

func (f *fakeStub) SetRegister(ctx context.Context, name string, value uint32) error {
	f.record(fmt.Sprintf("reg-set %s %x", name, value))
	return nil
}

func (f *fakeStub) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, length)
	for i := range out {
		out[i] = f.mem[addr+uint32(i)]
	}
	return out, nil
}

func (f *fakeStub) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, b := range data {
		f.mem[addr+uint32(i)] = b
	}
	return nil
}

func (f *fakeStub) Subscribe(name stub.EventName, handler stub.Handler) {
	f.mu.Lock()
	f.handlers[name] = append(f.handlers[name], handler)
	f.mu.Unlock()
}

func (f *fakeStub) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fire delivers a notification the way the real client's dispatcher would.
func (f *fakeStub) fire(name stub.EventName, args ...string) {
	f.mu.Lock()
	handlers := append([]stub.Handler(nil), f.handlers[name]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(stub.Event{Name: name, Args: args})
	}
}

func (f *fakeStub) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

type stoppedEvent struct {
	reason StopReason
	path   string
	line   int
}

// recordingSink captures outbound events.
type recordingSink struct {
	mu          sync.Mutex
	stopped     []stoppedEvent
	breakpoints []breakpoint.Breakpoint
	terminated  int
	outputs     []string
}

func (r *recordingSink) Initialized() {}

func (r *recordingSink) Stopped(reason StopReason, threadID int, path string, line int) {
	r.mu.Lock()
	r.stopped = append(r.stopped, stoppedEvent{reason: reason, path: path, line: line})
	r.mu.Unlock()
}

func (r *recordingSink) BreakpointChanged(bp breakpoint.Breakpoint) {
	r.mu.Lock()
	r.breakpoints = append(r.breakpoints, bp)
	r.mu.Unlock()
}

func (r *recordingSink) Terminated() {
	r.mu.Lock()
	r.terminated++
	r.mu.Unlock()
}

func (r *recordingSink) Output(category, text string) {
	r.mu.Lock()
	r.outputs = append(r.outputs, category+": "+text)
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() recordingSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordingSink{
		stopped:     append([]stoppedEvent(nil), r.stopped...),
		breakpoints: append([]breakpoint.Breakpoint(nil), r.breakpoints...),
		terminated:  r.terminated,
		outputs:     append([]string(nil), r.outputs...),
	}
}

func writeTestSourceMap(t *testing.T) string {
	t.Helper()
	content := `
sources:
  - path: main.s
    lines:
      - {line: 10, segment: 0, offset: 0}
      - {line: 12, segment: 0, offset: 4}
      - {line: 15, segment: 0, offset: 12}
symbols:
  - {name: start, segment: 0, offset: 0}
`
	path := filepath.Join(t.TempDir(), "hello.map")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func setupSession(t *testing.T) (*Session, *fakeStub, *recordingSink) {
	t.Helper()

	fake := newFakeStub()
	sink := &recordingSink{}
	s := New(zerolog.Nop(), sink, config.Default())
	s.connect = func(ctx context.Context, logger zerolog.Logger, host string, port int) (StubClient, error) {
		return fake, nil
	}
	return s, fake, sink
}

func launchArgs(t *testing.T, stopOnEntry bool) config.LaunchConfig {
	return config.LaunchConfig{
		Program:       "demo/hello.exe",
		StopOnEntry:   stopOnEntry,
		SourceMapPath: writeTestSourceMap(t),
	}
}

func launched(t *testing.T, stopOnEntry bool) (*Session, *fakeStub, *recordingSink) {
	t.Helper()

	s, fake, sink := setupSession(t)
	_, err := s.Initialize()
	require.NoError(t, err)
	require.NoError(t, s.Launch(context.Background(), launchArgs(t, stopOnEntry)))
	return s, fake, sink
}

func TestInitialize(t *testing.T) {
	s, _, _ := setupSession(t)

	caps, err := s.Initialize()
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, s.State())

	assert.True(t, caps.SupportsConfigurationDone)
	assert.True(t, caps.SupportsEvaluateForHovers)
	assert.True(t, caps.SupportsSetVariable)
	assert.False(t, caps.SupportsStepBack)
	assert.False(t, caps.SupportsRestartFrame)
	assert.False(t, caps.SupportsConditionalBreaks)
}

func TestInitialize_Twice(t *testing.T) {
	s, _, _ := setupSession(t)

	_, err := s.Initialize()
	require.NoError(t, err)
	_, err = s.Initialize()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLaunch_RequiresInitialize(t *testing.T) {
	s, _, _ := setupSession(t)
	err := s.Launch(context.Background(), launchArgs(t, false))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestLaunch_BadConfig(t *testing.T) {
	s, _, _ := setupSession(t)
	_, err := s.Initialize()
	require.NoError(t, err)

	err = s.Launch(context.Background(), config.LaunchConfig{})
	require.Error(t, err)
	assert.Equal(t, StateInitialized, s.State(), "failed launch returns to initialized")
}

func TestLaunch_StopOnEntry(t *testing.T) {
	s, fake, sink := launched(t, true)

	assert.Equal(t, StateRunning, s.State())
	assert.NotContains(t, fake.commandLog(), "continue", "stopOnEntry must not resume the target")

	// The stub halts at entry and notifies.
	fake.fire(stub.EventStopOnEntry)

	assert.Equal(t, StateStopped, s.State())
	events := sink.snapshot()
	require.Len(t, events.stopped, 1)
	assert.Equal(t, StopEntry, events.stopped[0].reason)
	assert.Equal(t, "main.s", events.stopped[0].path)
	assert.Equal(t, 12, events.stopped[0].line, "location resolved from the fresh stack read")
	assert.Zero(t, events.terminated, "an entry stop is not the end of the session")
}

func TestLaunch_RunsWithoutStopOnEntry(t *testing.T) {
	s, fake, _ := launched(t, false)

	assert.Equal(t, StateRunning, s.State())
	assert.Contains(t, fake.commandLog(), "continue")
	assert.Contains(t, fake.commandLog(), "load demo/hello.exe")
}

func TestEnd_ExactlyOneTerminated(t *testing.T) {
	s, fake, sink := launched(t, false)

	fake.fire(stub.EventEnd)
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, 1, sink.snapshot().terminated)

	// A second end and an explicit terminate are both no-ops.
	fake.fire(stub.EventEnd)
	require.NoError(t, s.Terminate(context.Background()))
	assert.Equal(t, 1, sink.snapshot().terminated)
}

func TestEnd_BeforeAnyStop(t *testing.T) {
	s, fake, sink := launched(t, true)

	fake.fire(stub.EventEnd)

	events := sink.snapshot()
	assert.Empty(t, events.stopped)
	assert.Equal(t, 1, events.terminated)
	assert.Equal(t, StateTerminated, s.State())
}

func TestTerminate_Idempotent(t *testing.T) {
	s, fake, sink := launched(t, false)

	require.NoError(t, s.Terminate(context.Background()))
	require.NoError(t, s.Terminate(context.Background()))

	assert.Equal(t, 1, sink.snapshot().terminated)
	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	assert.True(t, closed, "terminate closes the stub connection")
}

func TestStopAfterTerminate_Ignored(t *testing.T) {
	s, fake, sink := launched(t, false)

	require.NoError(t, s.Terminate(context.Background()))
	fake.fire(stub.EventStopOnBreakpoint)

	assert.Empty(t, sink.snapshot().stopped)
	assert.Equal(t, StateTerminated, s.State())
}

func TestResume_OnlyWhileStopped(t *testing.T) {
	s, fake, _ := launched(t, true)

	assert.ErrorIs(t, s.Continue(context.Background()), ErrNotStopped)
	assert.ErrorIs(t, s.Next(context.Background()), ErrNotStopped)
	assert.ErrorIs(t, s.Step(context.Background()), ErrNotStopped)

	fake.fire(stub.EventStopOnEntry)
	require.NoError(t, s.Continue(context.Background()))
	assert.Equal(t, StateRunning, s.State())
}

func TestStep_ReportsStepReason(t *testing.T) {
	s, fake, sink := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	require.NoError(t, s.Step(context.Background()))
	fake.fire(stub.EventStopOnEntry)

	events := sink.snapshot()
	require.Len(t, events.stopped, 2)
	assert.Equal(t, StopStep, events.stopped[1].reason)
	assert.Equal(t, StateStopped, s.State())
}

func TestStopOnBreakpoint(t *testing.T) {
	s, fake, sink := launched(t, false)

	fake.fire(stub.EventStopOnBreakpoint)

	events := sink.snapshot()
	require.Len(t, events.stopped, 1)
	assert.Equal(t, StopBreakpoint, events.stopped[0].reason)
	assert.Equal(t, StateStopped, s.State())
}

func TestStopOnException(t *testing.T) {
	_, fake, sink := launched(t, false)

	fake.fire(stub.EventStopOnException)

	events := sink.snapshot()
	require.Len(t, events.stopped, 1)
	assert.Equal(t, StopException, events.stopped[0].reason)
}

func TestSetBreakpoints_BeforeLaunch(t *testing.T) {
	s, fake, _ := setupSession(t)
	_, err := s.Initialize()
	require.NoError(t, err)

	bps, err := s.SetBreakpoints(context.Background(), "main.s", []int{12})
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, 0, bps[0].ID, "no target yet")

	require.NoError(t, s.Launch(context.Background(), launchArgs(t, true)))
	assert.Contains(t, fake.commandLog(), "break-set 0 4", "launch places pending breakpoints")
}

func TestSetBreakpoints_AfterTerminate(t *testing.T) {
	s, _, _ := launched(t, false)
	require.NoError(t, s.Terminate(context.Background()))

	_, err := s.SetBreakpoints(context.Background(), "main.s", []int{12})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestBreakpointValidation(t *testing.T) {
	s, fake, sink := launched(t, true)

	bps, err := s.SetBreakpoints(context.Background(), "main.s", []int{12})
	require.NoError(t, err)
	require.Len(t, bps, 1)
	require.Equal(t, 1, bps[0].ID)
	require.False(t, bps[0].Verified)

	fake.fire(stub.EventBreakpointValidated, "1", "0", "4")

	events := sink.snapshot()
	require.Len(t, events.breakpoints, 1)
	assert.True(t, events.breakpoints[0].Verified)
	assert.Equal(t, 1, events.breakpoints[0].ID)
}

func TestBreakpointValidation_UnknownID(t *testing.T) {
	_, fake, sink := launched(t, true)

	fake.fire(stub.EventBreakpointValidated, "42", "0", "4")

	assert.Empty(t, sink.snapshot().breakpoints, "stale validation is ignored")
}

func TestStackTrace(t *testing.T) {
	s, fake, _ := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	frames, err := s.StackTrace(context.Background())
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "main.s", frames[0].Path)
	assert.Equal(t, 12, frames[0].Line)
	assert.Equal(t, uint32(0x40004), frames[0].Address)
	assert.Equal(t, "0x00040004", frames[0].Name)
}

func TestStackTrace_OnlyWhileStopped(t *testing.T) {
	s, _, _ := launched(t, false)
	_, err := s.StackTrace(context.Background())
	assert.ErrorIs(t, err, ErrNotStopped)
}

func TestVariables(t *testing.T) {
	s, fake, _ := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	scopes := s.Scopes(0)
	require.Len(t, scopes, 1)
	assert.Equal(t, "Registers", scopes[0].Name)

	vars, err := s.Variables(context.Background(), scopes[0].VariablesReference)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "pc", vars[0].Name)
	assert.Equal(t, "0x00040004", vars[0].Value)
	assert.Equal(t, "d0", vars[1].Name)
	assert.Equal(t, "0x0000002a", vars[1].Value)
}

func TestVariables_UnknownReference(t *testing.T) {
	s, fake, _ := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	_, err := s.Variables(context.Background(), 99)
	require.Error(t, err)
}

func TestSetVariable(t *testing.T) {
	s, fake, _ := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	value, err := s.SetVariable(context.Background(), RegistersReference, "d0", "$ff")
	require.NoError(t, err)
	assert.Equal(t, "0x000000ff", value)
	assert.Contains(t, fake.commandLog(), "reg-set d0 ff")
}

func TestSetVariable_BadValue(t *testing.T) {
	s, fake, _ := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	_, err := s.SetVariable(context.Background(), RegistersReference, "d0", "zz")
	require.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	s, fake, _ := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	require.NoError(t, fake.WriteMemory(context.Background(), 0x40000, []byte{0x41, 0x42, 0x43, 0x44}))

	// The source map symbol "start" was made absolute at load time.
	out, err := s.Evaluate(context.Background(), "m${start},4")
	require.NoError(t, err)
	assert.Equal(t, "41424344                        | ABCD", out)
}

func TestEvaluate_RegisterSubstitution(t *testing.T) {
	s, fake, _ := launched(t, true)
	fake.fire(stub.EventStopOnEntry)

	require.NoError(t, fake.WriteMemory(context.Background(), 0x40004, []byte{0xca, 0xfe}))

	out, err := s.Evaluate(context.Background(), "m${pc},2")
	require.NoError(t, err)
	assert.Equal(t, "cafe                            | ..", out)
}

func TestEvaluate_OnlyWhileStopped(t *testing.T) {
	s, _, _ := launched(t, false)
	_, err := s.Evaluate(context.Background(), "m$1000,4")
	assert.ErrorIs(t, err, ErrNotStopped)
}

func TestSourceFileMap(t *testing.T) {
	s, fake, sink := setupSession(t)
	_, err := s.Initialize()
	require.NoError(t, err)

	// The map file records the build tree's paths; the editor uses its own.
	content := `
sources:
  - path: /project/main.s
    lines:
      - {line: 12, segment: 0, offset: 4}
`
	mapPath := filepath.Join(t.TempDir(), "hello.map")
	require.NoError(t, os.WriteFile(mapPath, []byte(content), 0o644))

	args := config.LaunchConfig{
		Program:       "demo/hello.exe",
		StopOnEntry:   true,
		SourceMapPath: mapPath,
		SourceFileMap: map[string]string{"/editor": "/project"},
	}
	require.NoError(t, s.Launch(context.Background(), args))

	bps, err := s.SetBreakpoints(context.Background(), "/editor/main.s", []int{12})
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, 1, bps[0].ID, "editor path mapped into the toolchain's path space")
	assert.Contains(t, fake.commandLog(), "break-set 0 4")

	fake.fire(stub.EventStopOnEntry)
	events := sink.snapshot()
	require.Len(t, events.stopped, 1)
	assert.Equal(t, "/editor/main.s", events.stopped[0].path, "stop location mapped back to the editor's space")
}
