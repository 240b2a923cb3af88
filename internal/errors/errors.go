package errors

import (
	"errors"
	"fmt"
)

// Kind is the failure category reported to tunnel clients.
type Kind int

const (
	KindInternal Kind = iota
	KindParse
	KindNotFound
	KindConnect
	KindAuth
	KindSchemaMismatch
	KindUpstream
	KindProtocolViolation
)

// String returns the name of the kind
func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindNotFound:
		return "NotFound"
	case KindConnect:
		return "ConnectError"
	case KindAuth:
		return "AuthError"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindUpstream:
		return "UpstreamStatusError"
	case KindProtocolViolation:
		return "ProtocolViolation"
	default:
		return "InternalError"
	}
}

// Sentinel errors for common failure modes.
var (
	ErrConnectionFailed      = errors.New("connection failed")
	ErrReflectionUnavailable = errors.New("reflection not available")
	ErrInvalidDescriptor     = errors.New("invalid descriptor")
	ErrNoDescriptorLoaded    = errors.New("no descriptor loaded")
	ErrTimeout               = errors.New("operation timed out")
	ErrCallStarted           = errors.New("call already started")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string // e.g. "registry.Lookup"
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Kind.String()
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates a kinded error from a format string.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return KindSchemaMismatch
	}
	return KindInternal
}

// ValidationError represents a field validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
