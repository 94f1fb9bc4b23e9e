package email

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// Error kinds. Use errors.Is against these to classify a failure.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrNetwork     = errors.New("network error")
	ErrTimeout     = errors.New("timed out")
	ErrProtocol    = errors.New("protocol error")
	ErrPersistence = errors.New("persistence error")
)

// ErrAccountBusy is returned when another fetch or cleanup holds the account.
var ErrAccountBusy = errors.New("another operation is running for this account")

// Error is a classified mail failure
type Error struct {
	Kind error  // one of the Err* kinds
	Op   string // e.g. "login", "select", "expunge"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Hint returns a user-facing remediation for configuration-class errors
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "the app password is likely invalid or IMAP access is disabled for this account"
	case errors.Is(err, ErrTimeout):
		return "the mail server did not respond in time, try again later"
	case errors.Is(err, ErrNetwork):
		return "the mail server is unreachable, check the server address and port"
	}
	return ""
}

// isTimeout reports whether err is a deadline failure or the deadline has already passed.
func isTimeout(err error, deadline time.Time) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return !deadline.IsZero() && !time.Now().Before(deadline)
}

// isReset reports whether the peer dropped the connection.
func isReset(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed)
}
