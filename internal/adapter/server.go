package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/m68k-tools/m68kdap/internal/breakpoint"
	"github.com/m68k-tools/m68kdap/internal/config"
	"github.com/m68k-tools/m68kdap/internal/session"
)

// Server services one debug-adapter connection against one session.
//
// Requests are handled sequentially in arrival order; session events are
// written from the session's notification goroutine. The write mutex keeps
// the two streams from interleaving mid-frame.
type Server struct {
	logger    zerolog.Logger
	transport *Transport
	session   *session.Session

	writeMu sync.Mutex
	seq     int
}

// NewServer creates a server for one connection. defaults come from the
// serve command's configuration file.
func NewServer(logger zerolog.Logger, transport *Transport, defaults config.LaunchConfig) *Server {
	s := &Server{
		logger:    logger.With().Str("component", "adapter").Logger(),
		transport: transport,
	}
	s.session = session.New(logger, s, defaults)
	return s
}

// Serve reads and handles requests until the client disconnects. The
// session is terminated on the way out regardless of how the loop ends.
func (s *Server) Serve(ctx context.Context) error {
	defer func() {
		_ = s.session.Terminate(context.Background())
	}()

	for {
		raw, err := s.transport.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info().Msg("Client disconnected")
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping unparseable message")
			continue
		}
		if req.Type != "request" {
			s.logger.Warn().Str("type", req.Type).Msg("Dropping non-request message")
			continue
		}

		if done := s.handle(ctx, req); done {
			return nil
		}
	}
}

// handle services one request. Returns true when the connection is done.
func (s *Server) handle(ctx context.Context, req Request) bool {
	s.logger.Debug().Str("command", req.Command).Int("seq", req.Seq).Msg("Request")

	switch req.Command {
	case "initialize":
		s.handleInitialize(req)
	case "launch":
		s.handleLaunch(ctx, req)
	case "configurationDone":
		s.respond(req, nil)
	case "setBreakpoints":
		s.handleSetBreakpoints(ctx, req)
	case "threads":
		s.respond(req, ThreadsResponseBody{Threads: []Thread{{ID: session.ThreadID, Name: "cpu"}}})
	case "stackTrace":
		s.handleStackTrace(ctx, req)
	case "scopes":
		s.handleScopes(req)
	case "variables":
		s.handleVariables(ctx, req)
	case "setVariable":
		s.handleSetVariable(ctx, req)
	case "evaluate":
		s.handleEvaluate(ctx, req)
	case "continue":
		if err := s.session.Continue(ctx); err != nil {
			s.fail(req, err)
		} else {
			s.respond(req, ContinueResponseBody{AllThreadsContinued: true})
		}
	case "next":
		if err := s.session.Next(ctx); err != nil {
			s.fail(req, err)
		} else {
			s.respond(req, nil)
		}
	case "stepIn":
		if err := s.session.Step(ctx); err != nil {
			s.fail(req, err)
		} else {
			s.respond(req, nil)
		}
	case "terminate":
		_ = s.session.Terminate(ctx)
		s.respond(req, nil)
	case "disconnect":
		_ = s.session.Terminate(ctx)
		s.respond(req, nil)
		return true
	default:
		s.fail(req, fmt.Errorf("unsupported command %q", req.Command))
	}
	return false
}

func (s *Server) handleInitialize(req Request) {
	caps, err := s.session.Initialize()
	if err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, Capabilities{
		SupportsConfigurationDoneRequest: caps.SupportsConfigurationDone,
		SupportsConditionalBreakpoints:   caps.SupportsConditionalBreaks,
		SupportsEvaluateForHovers:        caps.SupportsEvaluateForHovers,
		SupportsStepBack:                 caps.SupportsStepBack,
		SupportsSetVariable:              caps.SupportsSetVariable,
		SupportsRestartFrame:             caps.SupportsRestartFrame,
		SupportsTerminateRequest:         caps.SupportsTerminateRequest,
	})
	// The initialized event follows the initialize response.
	s.sendEvent("initialized", nil)
}

func (s *Server) handleLaunch(ctx context.Context, req Request) {
	var args config.LaunchConfig
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		s.fail(req, fmt.Errorf("bad launch arguments: %w", err))
		return
	}
	if err := s.session.Launch(ctx, args); err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, nil)
}

func (s *Server) handleSetBreakpoints(ctx context.Context, req Request) {
	var args SetBreakpointsArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		s.fail(req, fmt.Errorf("bad setBreakpoints arguments: %w", err))
		return
	}

	lines := args.Lines
	if len(args.Breakpoints) > 0 {
		lines = make([]int, 0, len(args.Breakpoints))
		for _, bp := range args.Breakpoints {
			lines = append(lines, bp.Line)
		}
	}

	bps, err := s.session.SetBreakpoints(ctx, args.Source.Path, lines)
	if err != nil {
		s.fail(req, err)
		return
	}

	body := SetBreakpointsResponseBody{Breakpoints: make([]Breakpoint, 0, len(bps))}
	for _, bp := range bps {
		body.Breakpoints = append(body.Breakpoints, toProtocolBreakpoint(bp))
	}
	s.respond(req, body)
}

func (s *Server) handleStackTrace(ctx context.Context, req Request) {
	frames, err := s.session.StackTrace(ctx)
	if err != nil {
		s.fail(req, err)
		return
	}

	body := StackTraceResponseBody{
		StackFrames: make([]StackFrame, 0, len(frames)),
		TotalFrames: len(frames),
	}
	for _, frame := range frames {
		sf := StackFrame{ID: frame.ID, Name: frame.Name, Line: frame.Line}
		if frame.Path != "" {
			sf.Source = &Source{Path: frame.Path}
		}
		body.StackFrames = append(body.StackFrames, sf)
	}
	s.respond(req, body)
}

func (s *Server) handleScopes(req Request) {
	var args ScopesArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		s.fail(req, fmt.Errorf("bad scopes arguments: %w", err))
		return
	}

	scopes := s.session.Scopes(args.FrameID)
	body := ScopesResponseBody{Scopes: make([]Scope, 0, len(scopes))}
	for _, scope := range scopes {
		body.Scopes = append(body.Scopes, Scope{Name: scope.Name, VariablesReference: scope.VariablesReference})
	}
	s.respond(req, body)
}

func (s *Server) handleVariables(ctx context.Context, req Request) {
	var args VariablesArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		s.fail(req, fmt.Errorf("bad variables arguments: %w", err))
		return
	}

	vars, err := s.session.Variables(ctx, args.VariablesReference)
	if err != nil {
		s.fail(req, err)
		return
	}
	body := VariablesResponseBody{Variables: make([]Variable, 0, len(vars))}
	for _, v := range vars {
		body.Variables = append(body.Variables, Variable{Name: v.Name, Value: v.Value})
	}
	s.respond(req, body)
}

func (s *Server) handleSetVariable(ctx context.Context, req Request) {
	var args SetVariableArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		s.fail(req, fmt.Errorf("bad setVariable arguments: %w", err))
		return
	}

	value, err := s.session.SetVariable(ctx, args.VariablesReference, args.Name, args.Value)
	if err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, SetVariableResponseBody{Value: value})
}

func (s *Server) handleEvaluate(ctx context.Context, req Request) {
	var args EvaluateArguments
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		s.fail(req, fmt.Errorf("bad evaluate arguments: %w", err))
		return
	}

	result, err := s.session.Evaluate(ctx, args.Expression)
	if err != nil {
		s.fail(req, err)
		return
	}
	s.respond(req, EvaluateResponseBody{Result: result})
}

// respond writes a success response.
func (s *Server) respond(req Request, body interface{}) {
	s.write(&Response{
		ProtocolMessage: ProtocolMessage{Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
		Body:            body,
	})
}

// fail writes an error response carrying the error text.
func (s *Server) fail(req Request, err error) {
	s.logger.Debug().Err(err).Str("command", req.Command).Msg("Request failed")
	s.write(&Response{
		ProtocolMessage: ProtocolMessage{Type: "response"},
		RequestSeq:      req.Seq,
		Success:         false,
		Command:         req.Command,
		Message:         err.Error(),
	})
}

func (s *Server) sendEvent(name string, body interface{}) {
	s.write(&Event{
		ProtocolMessage: ProtocolMessage{Type: "event"},
		Event:           name,
		Body:            body,
	})
}

// write assigns the next sequence number and frames the message.
func (s *Server) write(msg interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.seq++
	switch m := msg.(type) {
	case *Response:
		m.Seq = s.seq
	case *Event:
		m.Seq = s.seq
	}
	if err := s.transport.WriteMessage(msg); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write message")
	}
}

func toProtocolBreakpoint(bp breakpoint.Breakpoint) Breakpoint {
	out := Breakpoint{
		ID:       bp.ID,
		Verified: bp.Verified,
		Line:     bp.ActualLine,
	}
	if bp.Path != "" {
		out.Source = &Source{Path: bp.Path}
	}
	return out
}

// EventSink implementation. These run on the session's notification
// goroutine and only touch the transport.

// Initialized is unused; the initialized event is tied to the initialize
// response ordering and sent by handleInitialize directly.
func (s *Server) Initialized() {}

// Stopped reports a halt. The source position travels via stackTrace; the
// event itself only carries the reason.
func (s *Server) Stopped(reason session.StopReason, threadID int, path string, line int) {
	s.logger.Debug().Str("reason", string(reason)).Str("path", path).Int("line", line).Msg("Stopped")
	s.sendEvent("stopped", StoppedEventBody{
		Reason:            string(reason),
		ThreadID:          threadID,
		AllThreadsStopped: true,
	})
}

// BreakpointChanged reports a verification change.
func (s *Server) BreakpointChanged(bp breakpoint.Breakpoint) {
	s.sendEvent("breakpoint", BreakpointEventBody{
		Reason:     "changed",
		Breakpoint: toProtocolBreakpoint(bp),
	})
}

// Terminated reports the end of the session.
func (s *Server) Terminated() {
	s.sendEvent("terminated", nil)
}

// Output forwards emulator console output.
func (s *Server) Output(category, text string) {
	s.sendEvent("output", OutputEventBody{Category: category, Output: text})
}
