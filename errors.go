package xfer

import "github.com/pkg/errors"

// Severity distinguishes errors that should abort the whole session
// from errors that should be reported (via an error card, or logged)
// but let the cycle continue (spec.md §7).
type Severity int

const (
	// Fatal errors end the session immediately: the connection is
	// closed (server) or the sync loop exits (client) without further
	// cycles.
	Fatal Severity = iota
	// Recoverable errors are reported on an error card or via a
	// log, and the current card is skipped, but the cycle continues.
	Recoverable
)

// Kind identifies one of the error conditions spec.md §7 enumerates by
// name, so callers can branch on cause rather than string-matching
// messages.
type Kind int

const (
	KindUnspecified Kind = iota
	KindNotAuthorizedRead
	KindNotAuthorizedWrite
	KindNotAuthorizedClone
	KindLoginFailed
	KindBadCommand
	KindMalformedLine
	KindWrongHash
	KindMissingProjectCode
	KindWrongProject
	KindPullOnly
)

// Error is the error type returned by every §4.D-§4.G operation that
// can fail. It carries enough structure for a server to decide whether
// to emit an error card and for a client driver to decide whether to
// keep cycling.
type Error struct {
	Kind     Kind
	Severity Severity
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return "xfer error"
}

// Cause implements the github.com/pkg/errors Causer interface so
// errors.Cause(err) and errors.Wrap still unwrap through an *Error.
func (e *Error) Cause() error { return e.cause }

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, sev Severity, cause error) *Error {
	return &Error{Kind: kind, Severity: sev, cause: cause}
}

var (
	// ErrNotAuthorizedRead is fatal: a pull request arrived from a login
	// without read capability, or a gimme/need card arrived in a request
	// that is not authorized to read.
	ErrNotAuthorizedRead = errors.New("not authorized to read")
	// ErrNotAuthorizedWrite is fatal: an inbound file, cfile, or have
	// card arrived in a request with no authorized push. (A push from a
	// login without write capability draws a non-fatal message card
	// instead.)
	ErrNotAuthorizedWrite = errors.New("not authorized to write")
	// ErrNotAuthorizedClone is fatal: a clone request arrived from a
	// login without clone capability.
	ErrNotAuthorizedClone = errors.New("not authorized to clone")
	// ErrLoginFailed is fatal: the login card's signature did not
	// validate (see package auth).
	ErrLoginFailed = errors.New("login failed")
	// ErrBadCommand is fatal: a request card's keyword is not one the
	// server handler knows.
	ErrBadCommand = errors.New("bad command")
	// ErrMalformedLine names the malformed-line condition. Errors of
	// KindMalformedLine are recoverable: the offending card is reported
	// and skipped, and nothing escalates them to fatal.
	ErrMalformedLine = errors.New("malformed atom line")
	// ErrWrongHash is fatal: a received artifact's content did not hash
	// to its declared name. The artifact is discarded, not stored, and
	// the session ends.
	ErrWrongHash = errors.New("wrong hash on received artifact")
	// ErrMissingProjectCode is fatal: the SERVERCODE token of a pull or
	// push card does not match this server's code.
	ErrMissingProjectCode = errors.New("missing project code")
	// ErrWrongProject is fatal: the peer's project code does not match
	// the store being synced.
	ErrWrongProject = errors.New("wrong project")
	// ErrPullOnly names the pull-only condition. The server handler does
	// not return it: a push from a login without write capability draws
	// a non-fatal message card instead (see server.go).
	ErrPullOnly = errors.New("pull only: not authorized to push")
)

// Fatalf wraps cause as a Fatal Error of the given Kind.
func Fatalf(kind Kind, cause error) error { return newErr(kind, Fatal, cause) }

// Recoverablef wraps cause as a Recoverable Error of the given Kind.
func Recoverablef(kind Kind, cause error) error { return newErr(kind, Recoverable, cause) }

// IsFatal reports whether err (or any cause it wraps) is a Fatal Error.
// An error that isn't an *Error at all is treated as fatal, matching
// exfer.c's default of closing the connection on any unrecognized
// failure.
func IsFatal(err error) bool {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Severity == Fatal
	}
	return err != nil
}
