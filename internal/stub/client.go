package stub

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// maxLineLength bounds a single stub reply line. Memory dumps are the
// largest payload; 1MB of hex covers any sane read.
const maxLineLength = 2 * 1024 * 1024

// Handler is invoked for each notification of a subscribed event name.
// Handlers run on a single dispatch goroutine in stub emission order, so a
// handler may safely issue new commands but must not block indefinitely.
type Handler func(Event)

// Client owns one connection to the remote stub.
//
// Commands are serialized: a Send queues behind any command already awaiting
// its reply. Notifications bypass that queue entirely and are fanned out to
// subscribers as they arrive.
type Client struct {
	logger zerolog.Logger
	conn   net.Conn

	// cmdMu gives the protocol its one-outstanding-command guarantee.
	cmdMu sync.Mutex

	pendingMu sync.Mutex
	pending   *pendingCommand
	// stale counts replies still owed for commands abandoned on context
	// expiry. Those replies must be consumed and dropped before any later
	// command's reply, or replies get matched to the wrong command.
	stale int

	subMu sync.RWMutex
	subs  map[EventName][]Handler

	events  chan Event
	done    chan struct{}
	closing atomic.Bool
}

type pendingCommand struct {
	verb string
	ch   chan commandReply
}

type commandReply struct {
	data string
	err  error
}

// Connect dials the remote stub and starts the receive machinery.
// It fails with ErrConnection when the stub is unreachable.
func Connect(ctx context.Context, logger zerolog.Logger, host string, port int) (*Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, addr, err)
	}

	c := &Client{
		logger: logger.With().Str("component", "stub_client").Logger(),
		conn:   conn,
		subs:   make(map[EventName][]Handler),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}

	go c.readLoop()
	go c.dispatchLoop()

	c.logger.Debug().Str("addr", addr).Msg("Connected to remote stub")
	return c, nil
}

// Subscribe registers a handler for notifications of the given name.
// Handlers registered for the same name run in registration order.
func (c *Client) Subscribe(name EventName, handler Handler) {
	c.subMu.Lock()
	c.subs[name] = append(c.subs[name], handler)
	c.subMu.Unlock()
}

// Close tears down the connection. Any command in flight fails with
// ErrConnectionLost. Safe to call more than once.
func (c *Client) Close() error {
	c.closing.Store(true)
	return c.conn.Close()
}

// Done is closed once the connection is gone and all pending work failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// send issues one command and waits for its matching reply.
func (c *Client) send(ctx context.Context, verb string, args ...string) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	select {
	case <-c.done:
		return "", ErrConnectionLost
	default:
	}

	pending := &pendingCommand{verb: verb, ch: make(chan commandReply, 1)}
	c.pendingMu.Lock()
	c.pending = pending
	c.pendingMu.Unlock()

	line := formatCommand(verb, args...)
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.clearPending(pending)
		return "", fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	select {
	case <-ctx.Done():
		// The command was written, so its reply is still coming. Mark it
		// owed so the read loop drops it instead of handing it to the
		// next command.
		c.abandonPending(pending)
		return "", ctx.Err()
	case r := <-pending.ch:
		return r.data, r.err
	case <-c.done:
		return "", ErrConnectionLost
	}
}

func (c *Client) clearPending(p *pendingCommand) {
	c.pendingMu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	c.pendingMu.Unlock()
}

// abandonPending gives up on a written command. If its reply was already
// delivered there is nothing to do; otherwise one future reply is owed.
func (c *Client) abandonPending(p *pendingCommand) {
	c.pendingMu.Lock()
	if c.pending == p {
		c.pending = nil
		c.stale++
	}
	c.pendingMu.Unlock()
}

// deliver hands a reply to the pending command, if any. Replies owed to
// abandoned commands are consumed here, in wire order, before anything
// reaches a live command.
func (c *Client) deliver(r commandReply) {
	c.pendingMu.Lock()
	if c.stale > 0 {
		c.stale--
		c.pendingMu.Unlock()
		c.logger.Warn().Str("data", r.data).Msg("Dropping reply to an abandoned command")
		return
	}
	p := c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	if p == nil {
		c.logger.Warn().Str("data", r.data).Msg("Reply with no command in flight, dropping")
		return
	}
	p.ch <- r
}

// readLoop reads stub lines and routes them: OK/ERR to the pending command,
// EVENT to the dispatch queue. Routing is by prefix, never arrival order.
func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case line == "":
		case strings.HasPrefix(line, okPrefix):
			c.deliver(commandReply{data: line[len(okPrefix):]})
		case strings.HasPrefix(line, errPrefix):
			c.pendingMu.Lock()
			verb := ""
			if c.pending != nil {
				verb = c.pending.verb
			}
			c.pendingMu.Unlock()
			c.deliver(commandReply{err: &StubError{Command: verb, Message: line[len(errPrefix):]}})
		case strings.HasPrefix(line, eventPrefix):
			ev, err := parseEventLine(line[len(eventPrefix):])
			if err != nil {
				c.logger.Warn().Err(err).Str("line", line).Msg("Dropping malformed notification")
				continue
			}
			c.events <- ev
		default:
			c.logger.Warn().Str("line", line).Msg("Unrecognized stub line")
			c.deliver(commandReply{err: fmt.Errorf("%w: %q", ErrProtocol, line)})
		}
	}

	c.shutdown()
}

// shutdown runs when the connection is gone: fail the in-flight command,
// synthesize an end notification so the session can clean up, and stop the
// dispatcher.
func (c *Client) shutdown() {
	// Fail the in-flight command directly; owed stale replies are moot
	// once the connection is gone.
	c.pendingMu.Lock()
	p := c.pending
	c.pending = nil
	c.stale = 0
	c.pendingMu.Unlock()
	if p != nil {
		p.ch <- commandReply{err: ErrConnectionLost}
	}

	if !c.closing.Load() {
		c.logger.Warn().Msg("Remote stub connection lost")
		c.events <- Event{Name: EventEnd}
	}

	close(c.events)
	close(c.done)
}

// dispatchLoop fans notifications out to subscribers, preserving stub
// emission order.
func (c *Client) dispatchLoop() {
	for ev := range c.events {
		c.subMu.RLock()
		handlers := append([]Handler(nil), c.subs[ev.Name]...)
		c.subMu.RUnlock()

		if len(handlers) == 0 {
			c.logger.Debug().Str("event", string(ev.Name)).Msg("Notification with no subscriber")
			continue
		}
		for _, h := range handlers {
			h(ev)
		}
	}
}

// LoadProgram asks the stub to load the program and returns the memory
// segments it was loaded into, in load order.
func (c *Client) LoadProgram(ctx context.Context, program string) ([]Segment, error) {
	data, err := c.send(ctx, "load", program)
	if err != nil {
		return nil, err
	}
	return parseSegments(data)
}

// Continue resumes the target.
func (c *Client) Continue(ctx context.Context) error {
	_, err := c.send(ctx, "continue")
	return err
}

// Next steps over the current instruction.
func (c *Client) Next(ctx context.Context) error {
	_, err := c.send(ctx, "next")
	return err
}

// Step executes a single instruction, stepping into calls.
func (c *Client) Step(ctx context.Context) error {
	_, err := c.send(ctx, "step")
	return err
}

// SetBreakpoint places a breakpoint at a segment-relative offset and
// returns the id the stub assigned to it. That id is the only valid handle
// for later removal.
func (c *Client) SetBreakpoint(ctx context.Context, segmentID int, offset uint32) (int, error) {
	data, err := c.send(ctx, "break-set", strconv.Itoa(segmentID), strconv.FormatUint(uint64(offset), 16))
	if err != nil {
		return 0, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(data))
	if err != nil {
		return 0, fmt.Errorf("%w: bad breakpoint id %q", ErrProtocol, data)
	}
	return id, nil
}

// RemoveBreakpoint removes a breakpoint by stub-assigned id.
func (c *Client) RemoveBreakpoint(ctx context.Context, id int) error {
	_, err := c.send(ctx, "break-remove", strconv.Itoa(id))
	return err
}

// Stack reads the target's call stack. Only meaningful while stopped.
func (c *Client) Stack(ctx context.Context) ([]StackPosition, error) {
	data, err := c.send(ctx, "stack")
	if err != nil {
		return nil, err
	}
	return parseStack(data)
}

// RegistersSnapshot reads the full register file. The snapshot is fetched
// fresh on every call; nothing is cached or diffed.
func (c *Client) RegistersSnapshot(ctx context.Context) ([]Register, error) {
	data, err := c.send(ctx, "registers")
	if err != nil {
		return nil, err
	}
	return parseRegisters(data)
}

// SetRegister writes a single register.
func (c *Client) SetRegister(ctx context.Context, name string, value uint32) error {
	_, err := c.send(ctx, "reg-set", name, strconv.FormatUint(uint64(value), 16))
	return err
}

// ReadMemory reads length bytes starting at an absolute address.
func (c *Client) ReadMemory(ctx context.Context, addr uint32, length int) ([]byte, error) {
	data, err := c.send(ctx, "mem-read", strconv.FormatUint(uint64(addr), 16), strconv.Itoa(length))
	if err != nil {
		return nil, err
	}
	return parseMemory(data)
}

// WriteMemory writes bytes at an absolute address.
func (c *Client) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	_, err := c.send(ctx, "mem-write", strconv.FormatUint(uint64(addr), 16), hex.EncodeToString(data))
	return err
}
