package session

import (
	"fmt"

	"github.com/m68k-tools/m68kdap/internal/breakpoint"
)

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateLaunching
	StateRunning
	StateStopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// StopReason says why the target halted.
type StopReason string

const (
	StopEntry      StopReason = "entry"
	StopBreakpoint StopReason = "breakpoint"
	StopException  StopReason = "exception"
	StopStep       StopReason = "step"
)

// EventSink receives the session's outbound lifecycle events. The adapter
// implements it by writing protocol events to the client transport.
//
// Sink methods are called from the session's notification goroutine and must
// not call back into the session.
type EventSink interface {
	Initialized()
	Stopped(reason StopReason, threadID int, path string, line int)
	BreakpointChanged(bp breakpoint.Breakpoint)
	Terminated()
	Output(category, text string)
}

// Capabilities is what the session advertises in reply to initialize.
type Capabilities struct {
	SupportsConfigurationDone bool
	SupportsEvaluateForHovers bool
	SupportsSetVariable       bool
	SupportsStepBack          bool
	SupportsRestartFrame      bool
	SupportsConditionalBreaks bool
	SupportsTerminateRequest  bool
}

// Frame is one resolved stack frame.
type Frame struct {
	ID      int
	Name    string
	Path    string
	Line    int
	Address uint32
}

// Scope is a variable container visible while stopped.
type Scope struct {
	Name               string
	VariablesReference int
}

// Variable is one named value inside a scope.
type Variable struct {
	Name  string
	Value string
}
