package models

import "errors"

// Error is the error type surfaced by every part of the chat core. Kind places it in the taxonomy that
// decides how it is reported; Message is the human-readable text shown in the chat log.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// ErrorKind categorizes errors for reporting.
type ErrorKind int

const (
	// KindTransport covers unreachable hosts, resets and mid-stream read failures.
	KindTransport ErrorKind = iota + 1
	// KindProtocol covers non-success HTTP statuses and malformed response bodies.
	KindProtocol
	// KindFrame covers a single malformed stream line. It is never escalated past the decoder.
	KindFrame
	// KindValidation covers rejected input: empty text, no model, empty persona fields.
	KindValidation
	// KindPrecondition covers operations refused because of the current state.
	KindPrecondition
)

// Sentinel errors for state-dependent rejections.
var (
	ErrBusy              = &Error{Kind: KindPrecondition, Message: "already processing a message"}
	ErrLastSession       = &Error{Kind: KindPrecondition, Message: "cannot delete the last session"}
	ErrNoSelection       = &Error{Kind: KindPrecondition, Message: "no session selected"}
	ErrSessionNotFound   = &Error{Kind: KindPrecondition, Message: "session not found"}
	ErrPersonaNotFound   = &Error{Kind: KindPrecondition, Message: "persona not found"}
	ErrOverwriteDeclined = &Error{Kind: KindPrecondition, Message: "persona already exists and overwrite was not confirmed"}
)

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by identity and bare kind templates by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	return t.Message == "" && t.Kind == e.Kind
}

// TransportError reports a failure to reach the server or to keep reading from it.
func TransportError(msg string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: msg, Cause: cause}
}

// ProtocolError reports a response the server sent but that could not be used.
func ProtocolError(msg string, cause error) *Error {
	return &Error{Kind: KindProtocol, Message: msg, Cause: cause}
}

// ValidationError reports rejected input.
func ValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or zero if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
