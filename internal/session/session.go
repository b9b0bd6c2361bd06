// Package session implements the debug session state machine.
//
// The session owns the stub client, the segment and source tables, the
// breakpoint manager and the evaluator, and drives them from the adapter's
// requests. All asynchronous stub notifications funnel through the session
// mutex, so lifecycle transitions and their outbound events are serialized.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/m68k-tools/m68kdap/internal/breakpoint"
	"github.com/m68k-tools/m68kdap/internal/config"
	"github.com/m68k-tools/m68kdap/internal/expr"
	"github.com/m68k-tools/m68kdap/internal/process"
	"github.com/m68k-tools/m68kdap/internal/retry"
	"github.com/m68k-tools/m68kdap/internal/segment"
	"github.com/m68k-tools/m68kdap/internal/sourcemap"
	"github.com/m68k-tools/m68kdap/internal/stub"
)

// ThreadID is the single thread the bridge reports. The target is one CPU;
// there is nothing else to enumerate.
const ThreadID = 1

// RegistersReference identifies the register scope in variables requests.
const RegistersReference = 1

const emulatorStopGrace = 3 * time.Second

var (
	// ErrNotStopped guards operations that only make sense on a halted
	// target. Memory and registers are garbage while the CPU runs.
	ErrNotStopped = errors.New("target is not stopped")

	// ErrInvalidState rejects an operation out of lifecycle order.
	ErrInvalidState = errors.New("invalid session state")

	// ErrNotLaunched guards operations that need a live target.
	ErrNotLaunched = errors.New("no target launched")
)

// StubClient is the slice of the stub connection the session drives.
// *stub.Client satisfies it; tests substitute fakes.
type StubClient interface {
	LoadProgram(ctx context.Context, program string) ([]stub.Segment, error)
	Continue(ctx context.Context) error
	Next(ctx context.Context) error
	Step(ctx context.Context) error
	SetBreakpoint(ctx context.Context, segmentID int, offset uint32) (int, error)
	RemoveBreakpoint(ctx context.Context, id int) error
	Stack(ctx context.Context) ([]stub.StackPosition, error)
	RegistersSnapshot(ctx context.Context) ([]stub.Register, error)
	SetRegister(ctx context.Context, name string, value uint32) error
	ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint32, data []byte) error
	Subscribe(name stub.EventName, handler stub.Handler)
	Close() error
}

// Connector dials the remote stub. Swapped out in tests.
type Connector func(ctx context.Context, logger zerolog.Logger, host string, port int) (StubClient, error)

func defaultConnector(ctx context.Context, logger zerolog.Logger, host string, port int) (StubClient, error) {
	return stub.Connect(ctx, logger, host, port)
}

// Session is one debug session against one target program.
type Session struct {
	logger  zerolog.Logger
	id      string
	sink    EventSink
	connect Connector

	defaults config.LaunchConfig

	resolver    *segment.Resolver
	breakpoints *breakpoint.Manager

	// srcMu guards the source map and path mapping separately from mu so
	// breakpoint resolution can run without the session lock.
	srcMu sync.RWMutex
	lines *sourcemap.Map
	cfg   config.LaunchConfig

	mu         sync.Mutex
	state      State
	stopReason StopReason
	stepping   bool
	terminated bool
	client     StubClient
	evaluator  *expr.Evaluator
	runner     *process.Runner
}

// New creates a session. defaults come from the serve command's config file
// and are overridden per launch request.
func New(logger zerolog.Logger, sink EventSink, defaults config.LaunchConfig) *Session {
	s := &Session{
		logger:   logger.With().Str("component", "session").Logger(),
		id:       uuid.NewString(),
		sink:     sink,
		connect:  defaultConnector,
		defaults: defaults,
		resolver: segment.NewResolver(),
		cfg:      defaults,
	}
	s.breakpoints = breakpoint.NewManager(logger, s)
	return s
}

// ID returns the session's unique id, used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize advertises capabilities and readies the session for a launch.
// The adapter emits the initialized event after its initialize response.
func (s *Session) Initialize() (Capabilities, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUninitialized {
		return Capabilities{}, fmt.Errorf("%w: initialize in state %s", ErrInvalidState, s.state)
	}
	s.state = StateInitialized
	s.logger.Info().Str("session_id", s.id).Msg("Session initialized")

	return Capabilities{
		SupportsConfigurationDone: true,
		SupportsEvaluateForHovers: true,
		SupportsSetVariable:       true,
		SupportsTerminateRequest:  true,
	}, nil
}

// Launch starts (or attaches to) the emulator, loads the program, and arms
// the breakpoints. With stopOnEntry the target halts at its entry point and
// the stop notification produces the stopped(entry) event; otherwise the
// target runs freely after load.
func (s *Session) Launch(ctx context.Context, args config.LaunchConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateInitialized {
		return fmt.Errorf("%w: launch in state %s", ErrInvalidState, s.state)
	}
	s.state = StateLaunching

	cfg := s.defaults.Merge(args)
	if err := cfg.Validate(); err != nil {
		s.state = StateInitialized
		return err
	}

	lines, err := s.loadSourceMap(cfg)
	if err != nil {
		s.state = StateInitialized
		return err
	}
	s.srcMu.Lock()
	s.cfg = cfg
	s.lines = lines
	s.srcMu.Unlock()

	if cfg.StartEmulator {
		if err := s.startEmulator(cfg); err != nil {
			s.state = StateInitialized
			return err
		}
	}

	client, err := s.connectStub(ctx, cfg)
	if err != nil {
		s.failLaunch()
		return err
	}
	s.client = client
	s.subscribe(client)

	segments, err := client.LoadProgram(ctx, cfg.Program)
	if err != nil {
		s.failLaunch()
		return fmt.Errorf("load %s: %w", cfg.Program, err)
	}
	s.resolver.Load(segments)
	s.defineSymbols(lines)

	s.evaluator = expr.NewEvaluator(client, client, s.resolver)
	s.breakpoints.Attach(client)
	s.breakpoints.SyncAll(ctx)

	s.state = StateRunning
	if !cfg.StopOnEntry {
		if err := client.Continue(ctx); err != nil {
			s.failLaunch()
			return fmt.Errorf("continue after load: %w", err)
		}
	}

	s.logger.Info().
		Str("session_id", s.id).
		Str("program", cfg.Program).
		Int("segments", len(segments)).
		Bool("stop_on_entry", cfg.StopOnEntry).
		Msg("Target launched")
	return nil
}

// failLaunch unwinds a half-finished launch.
func (s *Session) failLaunch() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	if s.runner != nil {
		go s.runner.Stop(emulatorStopGrace)
		s.runner = nil
	}
	s.state = StateInitialized
}

func (s *Session) loadSourceMap(cfg config.LaunchConfig) (*sourcemap.Map, error) {
	if cfg.SourceMapPath == "" {
		return sourcemap.NewMap(), nil
	}
	return sourcemap.Load(cfg.SourceMapPath)
}

func (s *Session) startEmulator(cfg config.LaunchConfig) error {
	args := append([]string(nil), cfg.EmulatorArgs...)
	if cfg.ConfigFile != "" {
		args = append(args, cfg.ConfigFile)
	}
	if cfg.DrivePath != "" {
		args = append(args, "--hard-drive="+cfg.DrivePath)
	}

	runner := process.NewRunner(s.logger, cfg.EmulatorPath, args, func(stream, line string) {
		s.sink.Output(stream, line+"\n")
	})
	if err := runner.Start(); err != nil {
		return fmt.Errorf("start emulator: %w", err)
	}
	s.runner = runner

	go func() {
		<-runner.Done()
		s.sink.Output("console", fmt.Sprintf("emulator exited with code %d\n", runner.ExitCode()))
	}()
	return nil
}

// connectStub dials the stub, retrying while the emulator is still booting.
func (s *Session) connectStub(ctx context.Context, cfg config.LaunchConfig) (StubClient, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var client StubClient
	err := retry.Do(ctx, retry.Config{
		MaxRetries:     20,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		Jitter:         0.2,
	}, func() error {
		var err error
		client, err = s.connect(ctx, s.logger, cfg.ServerName, cfg.ServerPort)
		return err
	}, func(err error) bool {
		return errors.Is(err, stub.ErrConnection)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to stub at %s:%d: %w", cfg.ServerName, cfg.ServerPort, err)
	}
	return client, nil
}

func (s *Session) subscribe(client StubClient) {
	client.Subscribe(stub.EventStopOnEntry, func(ev stub.Event) { s.onStop(StopEntry) })
	client.Subscribe(stub.EventStopOnBreakpoint, func(ev stub.Event) { s.onStop(StopBreakpoint) })
	client.Subscribe(stub.EventStopOnException, func(ev stub.Event) { s.onStop(StopException) })
	client.Subscribe(stub.EventBreakpointValidated, s.onValidated)
	client.Subscribe(stub.EventEnd, func(ev stub.Event) { s.onEnd() })
}

// defineSymbols makes the source map's symbols absolute now that the
// segment table is known, so the evaluator can substitute them.
func (s *Session) defineSymbols(lines *sourcemap.Map) {
	for name, loc := range lines.Symbols() {
		addr, err := s.resolver.ToAbsolute(loc.SegmentID, loc.Offset)
		if err != nil {
			s.logger.Warn().Err(err).Str("symbol", name).Msg("Symbol outside loaded segments")
			continue
		}
		s.resolver.DefineSymbol(name, addr)
	}
}

// onStop handles a stop notification: transition to Stopped, read the stack
// fresh, and emit the stopped event at the resolved source location.
func (s *Session) onStop(reason StopReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return
	}
	if s.stepping && reason == StopEntry {
		reason = StopStep
	}
	s.stepping = false
	s.state = StateStopped
	s.stopReason = reason

	path, line := s.topFrameLocation()
	s.logger.Debug().Str("reason", string(reason)).Str("path", path).Int("line", line).Msg("Target stopped")
	s.sink.Stopped(reason, ThreadID, path, line)
}

// topFrameLocation resolves the current stop location. Failure to resolve is
// not fatal; the stopped event just carries no source position.
func (s *Session) topFrameLocation() (string, int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	positions, err := s.client.Stack(ctx)
	if err != nil || len(positions) == 0 {
		if err != nil {
			s.logger.Warn().Err(err).Msg("Stack read after stop failed")
		}
		return "", 0
	}
	top := positions[0]
	path, line, err := s.resolveAddress(top.SegmentID, top.Offset)
	if err != nil {
		return "", 0
	}
	return path, line
}

func (s *Session) onValidated(ev stub.Event) {
	v, err := stub.ParseValidated(ev)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Malformed breakpoint validation")
		return
	}
	bp, ok := s.breakpoints.HandleValidated(v)
	if !ok {
		return
	}
	s.sink.BreakpointChanged(bp)
}

// onEnd handles the end notification, whether the program finished or the
// connection dropped. Either way the session is over.
func (s *Session) onEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked()
}

// terminateLocked moves to Terminated and emits exactly one terminated
// event, no matter how many paths lead here.
func (s *Session) terminateLocked() {
	if s.terminated {
		return
	}
	s.terminated = true
	s.state = StateTerminated

	if s.client != nil {
		_ = s.client.Close()
	}
	if s.runner != nil {
		runner := s.runner
		go func() { _ = runner.Stop(emulatorStopGrace) }()
	}
	s.breakpoints.Reset()

	s.logger.Info().Str("session_id", s.id).Msg("Session terminated")
	s.sink.Terminated()
}

// Terminate ends the session. Idempotent.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateLocked()
	return nil
}

// Continue resumes the target.
func (s *Session) Continue(ctx context.Context) error {
	return s.resume(ctx, "continue", func(c StubClient) error { return c.Continue(ctx) }, false)
}

// Next steps over the current instruction.
func (s *Session) Next(ctx context.Context) error {
	return s.resume(ctx, "next", func(c StubClient) error { return c.Next(ctx) }, true)
}

// Step steps a single instruction, into calls.
func (s *Session) Step(ctx context.Context) error {
	return s.resume(ctx, "step", func(c StubClient) error { return c.Step(ctx) }, true)
}

func (s *Session) resume(ctx context.Context, name string, send func(StubClient) error, stepping bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return fmt.Errorf("%w: %s in state %s", ErrNotStopped, name, s.state)
	}
	if err := send(s.client); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.stepping = stepping
	s.state = StateRunning
	return nil
}

// SetBreakpoints replaces the breakpoint set for one source file. Valid in
// any state except Terminated; before launch the breakpoints stay requested
// until the program is loaded.
func (s *Session) SetBreakpoints(ctx context.Context, path string, lines []int) ([]breakpoint.Breakpoint, error) {
	s.mu.Lock()
	terminated := s.state == StateTerminated
	s.mu.Unlock()
	if terminated {
		return nil, fmt.Errorf("%w: setBreakpoints in state %s", ErrInvalidState, StateTerminated)
	}
	return s.breakpoints.SetBreakpoints(ctx, path, lines)
}

// ResolveLine maps an editor-side source line to a code location. It applies
// the launch configuration's path mapping before consulting the source map.
func (s *Session) ResolveLine(path string, line int) (sourcemap.Location, int, error) {
	s.srcMu.RLock()
	defer s.srcMu.RUnlock()

	if s.lines == nil {
		return sourcemap.Location{}, 0, fmt.Errorf("%w: %s", sourcemap.ErrNoSourceInfo, path)
	}
	return s.lines.ResolveLine(s.cfg.MapSourcePath(path), line)
}

// resolveAddress maps a code location back to an editor-side source line.
func (s *Session) resolveAddress(segmentID int, offset uint32) (string, int, error) {
	s.srcMu.RLock()
	defer s.srcMu.RUnlock()

	if s.lines == nil {
		return "", 0, sourcemap.ErrNoSourceInfo
	}
	path, line, err := s.lines.ResolveAddress(segmentID, offset)
	if err != nil {
		return "", 0, err
	}
	return s.cfg.UnmapSourcePath(path), line, nil
}

// StackTrace reads the call stack fresh and resolves each frame. Only valid
// while stopped; frame state is meaningless mid-run and is never cached.
func (s *Session) StackTrace(ctx context.Context) ([]Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return nil, fmt.Errorf("%w: stackTrace in state %s", ErrNotStopped, s.state)
	}

	positions, err := s.client.Stack(ctx)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, len(positions))
	for _, pos := range positions {
		frame := Frame{ID: pos.FrameIndex}
		if addr, err := s.resolver.ToAbsolute(pos.SegmentID, pos.Offset); err == nil {
			frame.Address = addr
			frame.Name = fmt.Sprintf("0x%08x", addr)
		} else {
			frame.Name = fmt.Sprintf("seg%d+0x%x", pos.SegmentID, pos.Offset)
		}
		if path, line, err := s.resolveAddress(pos.SegmentID, pos.Offset); err == nil {
			frame.Path = path
			frame.Line = line
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// Scopes returns the variable containers for a frame. Registers are the
// only scope the target exposes.
func (s *Session) Scopes(frameID int) []Scope {
	return []Scope{{Name: "Registers", VariablesReference: RegistersReference}}
}

// Variables reads the registers fresh. Only valid while stopped.
func (s *Session) Variables(ctx context.Context, reference int) ([]Variable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return nil, fmt.Errorf("%w: variables in state %s", ErrNotStopped, s.state)
	}
	if reference != RegistersReference {
		return nil, fmt.Errorf("unknown variables reference %d", reference)
	}

	regs, err := s.client.RegistersSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	vars := make([]Variable, 0, len(regs))
	for _, reg := range regs {
		vars = append(vars, Variable{Name: reg.Name, Value: fmt.Sprintf("0x%08x", reg.Value)})
	}
	return vars, nil
}

// SetVariable writes a register. The value accepts the same notations as
// the evaluator: decimal, $hex, 0xhex.
func (s *Session) SetVariable(ctx context.Context, reference int, name, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return "", fmt.Errorf("%w: setVariable in state %s", ErrNotStopped, s.state)
	}
	if reference != RegistersReference {
		return "", fmt.Errorf("unknown variables reference %d", reference)
	}

	parsed, ok := expr.ParseNumber(value, 32)
	if !ok {
		return "", fmt.Errorf("bad register value %q", value)
	}
	if err := s.client.SetRegister(ctx, name, uint32(parsed)); err != nil {
		return "", err
	}
	return fmt.Sprintf("0x%08x", uint32(parsed)), nil
}

// Evaluate runs a memory-inspection expression. Only valid while stopped.
func (s *Session) Evaluate(ctx context.Context, expression string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return "", fmt.Errorf("%w: evaluate in state %s", ErrNotStopped, s.state)
	}
	if s.evaluator == nil {
		return "", ErrNotLaunched
	}
	return s.evaluator.Evaluate(ctx, expression)
}
