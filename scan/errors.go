package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrNameTooLong is returned for request names above MaxNameLength.
	ErrNameTooLong = errors.New("scan: file name too long")

	// ErrFileTooLarge is returned when a request announces more content
	// than the agent accepts.
	ErrFileTooLarge = errors.New("scan: file too large")

	// ErrMalformed is returned for frames that violate the wire format.
	ErrMalformed = errors.New("scan: malformed frame")

	// ErrAgentClosed is returned by the Agent's Serve and ListenAndServe
	// methods after a call to Shutdown.
	ErrAgentClosed = errors.New("scan: agent closed")
)

// Error reports a scan that could not produce a verdict. The Gate pairs it
// with a ScanError verdict.
type Error struct {
	// Op is the failed step: "dial", "send", "receive" or "open"
	Op string

	// Addr is the agent address
	Addr string

	Err error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("scan: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("scan: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
