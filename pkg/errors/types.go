package errors

import (
	"fmt"
)

var (
	// ErrInvalidState is returned when a session operation is attempted in
	// a lifecycle state that doesn't allow it.
	ErrInvalidState = New("session is not in a valid state for this operation")

	// ErrSessionConflict is returned when a client performs a handshake
	// while another session is live and the server is configured to reject
	// new sessions.
	ErrSessionConflict = New("another session is already active")

	// ErrUnknownSession is returned when a stream references a session
	// that doesn't exist or has already closed.
	ErrUnknownSession = New("unknown session")
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// IncompatibleVersionError is returned by the handshake when the peer runs a
// protocol version this binary can't talk to.
type IncompatibleVersionError struct {
	Local, Remote string
}

func (err IncompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage implements FriendlyError.
func (err IncompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The peer is running mirror protocol %q, "+
		"which is incompatible with the local protocol %q.\n"+
		"Please run the same release of mirror on both ends.", err.Remote, err.Local)
}
