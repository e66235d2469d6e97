package scanftp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a command is issued without an open
	// control connection.
	ErrNotConnected = errors.New("scanftp: not connected")

	// ErrSessionBroken is returned for every command after the control
	// stream lost command/reply alignment. Only Reconnect recovers.
	ErrSessionBroken = errors.New("scanftp: session desynchronized, reconnect required")

	// ErrBusy is returned when a command is issued while another one is
	// still waiting for its reply.
	ErrBusy = errors.New("scanftp: command already in progress")

	// ErrNotLoggedIn is returned by commands that need an authenticated
	// session.
	ErrNotLoggedIn = errors.New("scanftp: not logged in")
)

// CommandRejected is a 4xx or 5xx reply to a command. It is a normal
// negative outcome: the session stays usable and its state is unchanged.
type CommandRejected struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the server's reply text, verbatim
	Response string

	// Code is the numeric reply code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *CommandRejected) Error() string {
	return fmt.Sprintf("ftp: %s rejected: %d %s", e.Command, e.Code, e.Response)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *CommandRejected) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *CommandRejected) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *CommandRejected) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *CommandRejected) IsPermanent() bool {
	return e.Is5xx()
}

// ProtocolError reports a control stream that could not be framed into
// replies, or a reply that does not belong to the command that was sent.
// It is fatal to the session.
type ProtocolError struct {
	// Command is the command whose reply was being read, if any
	Command string

	// Line is the offending line as received
	Line string

	// Reason describes what was wrong with it
	Reason string
}

func (e *ProtocolError) Error() string {
	msg := "ftp: protocol error"
	if e.Command != "" {
		msg += " after " + e.Command
	}
	msg += ": " + e.Reason
	if e.Line != "" {
		msg += fmt.Sprintf(" (%q)", e.Line)
	}
	return msg
}

// NegotiationError reports a data channel that could not be set up: an
// unparseable PASV reply, a failed dial, or an active-mode accept timeout.
type NegotiationError struct {
	// Mode is "passive" or "active"
	Mode string

	// Reply is the server reply text involved, if any
	Reply string

	Err error
}

func (e *NegotiationError) Error() string {
	if e.Reply != "" {
		return fmt.Sprintf("ftp: %s data channel: %v (reply %q)", e.Mode, e.Err, e.Reply)
	}
	return fmt.Sprintf("ftp: %s data channel: %v", e.Mode, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TransferError reports an I/O failure while streaming a file or listing.
// It aborts only the current transfer.
type TransferError struct {
	// Op is "upload", "download" or "list"
	Op string

	// Path is the remote name involved
	Path string

	// BytesMoved is how many local bytes had been moved when it failed
	BytesMoved int64

	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ftp: %s %s failed after %d bytes: %v", e.Op, e.Path, e.BytesMoved, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// rejected builds a CommandRejected from a reply.
func rejected(command string, r *Reply) *CommandRejected {
	return &CommandRejected{
		Command:  command,
		Response: r.Message,
		Code:     r.Code,
	}
}

// isRejection reports whether err is a CommandRejected.
func isRejection(err error) bool {
	var cr *CommandRejected
	return errors.As(err, &cr)
}
