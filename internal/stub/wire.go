// Package stub implements the client side of the emulator's remote-stub
// protocol.
//
// The protocol is text-based and line-oriented over a TCP socket:
//
//	Request:      CMD:<verb> [arguments...]\n
//	Success:      OK:[data]\n
//	Error:        ERR:<message>\n
//	Notification: EVENT:<name> [data]\n
//
// Commands are strictly request/response with at most one in flight.
// EVENT lines are unsolicited and may arrive at any time, including between
// a command and its reply; they are distinguished by prefix, never by
// arrival order.
package stub

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	commandPrefix = "CMD:"
	okPrefix      = "OK:"
	errPrefix     = "ERR:"
	eventPrefix   = "EVENT:"
)

// EventName identifies an unsolicited stub notification.
type EventName string

const (
	// EventEnd reports that the target program finished. Also synthesized
	// by the client when the connection is lost.
	EventEnd EventName = "end"
	// EventStopOnEntry reports the target halted at its entry point.
	EventStopOnEntry EventName = "stop-entry"
	// EventStopOnBreakpoint reports the target halted at a breakpoint.
	EventStopOnBreakpoint EventName = "stop-breakpoint"
	// EventStopOnException reports the target halted on a CPU exception.
	EventStopOnException EventName = "stop-exception"
	// EventBreakpointValidated reports that the stub confirmed a breakpoint
	// is placed on a real instruction. Carries "<id> <segment> <offset>".
	EventBreakpointValidated EventName = "breakpoint-validated"
)

// Event is a parsed unsolicited notification.
type Event struct {
	Name EventName
	Args []string
}

// Segment is a contiguous loaded region of target memory, as reported by
// the stub's load reply. Segment id is the position in the load-order list.
type Segment struct {
	Address uint32
	Size    uint32
}

// Contains reports whether addr falls inside [Address, Address+Size).
func (s Segment) Contains(addr uint32) bool {
	return addr >= s.Address && addr < s.Address+s.Size
}

// Register is a named CPU register value.
type Register struct {
	Name  string
	Value uint32
}

// StackPosition is one frame of the target's call stack, expressed as a
// segment-relative location.
type StackPosition struct {
	FrameIndex int
	SegmentID  int
	Offset     uint32
}

// ValidatedBreakpoint is the payload of a breakpoint-validated event.
type ValidatedBreakpoint struct {
	ID        int
	SegmentID int
	Offset    uint32
}

// formatCommand renders a command line without the trailing newline.
func formatCommand(verb string, args ...string) string {
	if len(args) == 0 {
		return commandPrefix + verb
	}
	return commandPrefix + verb + " " + strings.Join(args, " ")
}

// parseEventLine parses the payload of an EVENT: line.
func parseEventLine(data string) (Event, error) {
	fields := strings.Fields(data)
	if len(fields) == 0 {
		return Event{}, fmt.Errorf("%w: empty event", ErrProtocol)
	}
	return Event{Name: EventName(fields[0]), Args: fields[1:]}, nil
}

// parseSegments parses a load reply: comma-separated "address:size" pairs,
// both hex, in load order.
func parseSegments(data string) ([]Segment, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("%w: load reply carries no segments", ErrProtocol)
	}

	parts := strings.Split(data, ",")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		addr, size, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad segment %q", ErrProtocol, part)
		}
		a, err := strconv.ParseUint(addr, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad segment address %q", ErrProtocol, addr)
		}
		s, err := strconv.ParseUint(size, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad segment size %q", ErrProtocol, size)
		}
		segments = append(segments, Segment{Address: uint32(a), Size: uint32(s)})
	}
	return segments, nil
}

// parseStack parses a stack reply: semicolon-separated
// "frame:segment:offset" triples, frame and segment decimal, offset hex.
func parseStack(data string) ([]StackPosition, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}

	parts := strings.Split(data, ";")
	frames := make([]StackPosition, 0, len(parts))
	for _, part := range parts {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: bad stack entry %q", ErrProtocol, part)
		}
		frame, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: bad frame index %q", ErrProtocol, fields[0])
		}
		seg, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: bad segment id %q", ErrProtocol, fields[1])
		}
		off, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad offset %q", ErrProtocol, fields[2])
		}
		frames = append(frames, StackPosition{FrameIndex: frame, SegmentID: seg, Offset: uint32(off)})
	}
	return frames, nil
}

// parseRegisters parses a registers reply: space-separated "name=hexvalue".
func parseRegisters(data string) ([]Register, error) {
	fields := strings.Fields(data)
	regs := make([]Register, 0, len(fields))
	for _, field := range fields {
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			return nil, fmt.Errorf("%w: bad register %q", ErrProtocol, field)
		}
		v, err := strconv.ParseUint(value, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad register value %q", ErrProtocol, field)
		}
		regs = append(regs, Register{Name: name, Value: uint32(v)})
	}
	return regs, nil
}

// ParseValidated parses a breakpoint-validated event's payload.
func ParseValidated(ev Event) (ValidatedBreakpoint, error) {
	args := ev.Args
	if len(args) != 3 {
		return ValidatedBreakpoint{}, fmt.Errorf("%w: breakpoint-validated wants 3 args, got %d", ErrProtocol, len(args))
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return ValidatedBreakpoint{}, fmt.Errorf("%w: bad breakpoint id %q", ErrProtocol, args[0])
	}
	seg, err := strconv.Atoi(args[1])
	if err != nil {
		return ValidatedBreakpoint{}, fmt.Errorf("%w: bad segment id %q", ErrProtocol, args[1])
	}
	off, err := strconv.ParseUint(args[2], 16, 32)
	if err != nil {
		return ValidatedBreakpoint{}, fmt.Errorf("%w: bad offset %q", ErrProtocol, args[2])
	}
	return ValidatedBreakpoint{ID: id, SegmentID: seg, Offset: uint32(off)}, nil
}

// parseMemory parses a mem-read reply: one hex-encoded byte string.
func parseMemory(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	bytes, err := hex.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: bad memory payload: %v", ErrProtocol, err)
	}
	return bytes, nil
}
