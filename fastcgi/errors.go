package fastcgi

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	//ErrConnClosed is returned when the peer side of a connection has gone
	//away, or the engine has closed it.
	ErrConnClosed = errors.New("fastcgi: connection closed")

	//ErrTooLate is returned by header mutations after the first byte of
	//stdout content has been written, even while it is still buffered.
	ErrTooLate = errors.New("fastcgi: headers already committed")

	//ErrPipeClosed is returned on writes to a pipe whose write side has
	//been closed.
	ErrPipeClosed = errors.New("fastcgi: pipe write side closed")

	//ErrEngineClosed is returned by Serve after Shutdown.
	ErrEngineClosed = errors.New("fastcgi: engine closed")

	//ErrRequestAborted is the abort cause seen by stream reads after the
	//web server sends FCGI_ABORT_REQUEST.
	ErrRequestAborted = errors.New("fastcgi: request aborted by web server")
)

// ProtocolError reports a malformed or misaddressed record. The connection
// that produced it is closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "fastcgi: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// StreamAbortedError is delivered to pending stdin/data reads when the
// session is aborted mid-stream. It is distinct from end-of-stream.
type StreamAbortedError struct {
	Cause error
}

func (e *StreamAbortedError) Error() string {
	if e.Cause == nil {
		return "fastcgi: stream aborted"
	}

	return "fastcgi: stream aborted: " + e.Cause.Error()
}

// Unwrap supports errors.Is/As against the abort cause.
func (e *StreamAbortedError) Unwrap() error {
	return e.Cause
}

// UsageError reports invalid arguments passed to the session context. It is
// returned synchronously and affects no other session.
type UsageError struct {
	Op     string
	Reason string
}

func (e *UsageError) Error() string {
	return "fastcgi: " + e.Op + ": " + e.Reason
}

// SessionFailure is returned by a handler to declare a recoverable,
// session-confined failure. The engine answers FCGI_END_REQUEST with the
// given application status and keeps the connection serving other sessions.
type SessionFailure struct {
	AppStatus uint32
	Cause     error
}

func (e *SessionFailure) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("fastcgi: session failed (app status %d)", e.AppStatus)
	}

	return fmt.Sprintf("fastcgi: session failed (app status %d): %v", e.AppStatus, e.Cause)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *SessionFailure) Unwrap() error {
	return e.Cause
}
