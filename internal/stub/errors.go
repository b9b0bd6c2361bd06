package stub

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection means the remote stub could not be reached at all.
	ErrConnection = errors.New("cannot reach remote stub")

	// ErrConnectionLost means the connection dropped mid-session. Commands
	// that were in flight when it happened fail with this error.
	ErrConnectionLost = errors.New("connection to remote stub lost")

	// ErrProtocol means the stub sent a reply the client cannot parse.
	ErrProtocol = errors.New("malformed stub reply")
)

// StubError is an error reply from the stub to a specific command. The
// session stays alive; only the command that triggered it fails.
type StubError struct {
	Command string
	Message string
}

func (e *StubError) Error() string {
	return fmt.Sprintf("stub rejected %q: %s", e.Command, e.Message)
}
