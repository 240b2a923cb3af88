package errors

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classified is an error with client-facing presentation metadata.
type Classified struct {
	Err     error
	Kind    Kind
	Title   string     // Short title, e.g. "Method Not Found"
	Message string     // One-line description of the cause
	Code    codes.Code // gRPC code for upstream failures, codes.OK otherwise
	Details string     // Technical details, rich status details for gRPC errors
}

func (e Classified) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Title
}

// Unwrap returns the underlying error.
func (e Classified) Unwrap() error {
	return e.Err
}

// Content renders the single line carried by an error frame.
func (e *Classified) Content() string {
	if e.Message == "" {
		return e.Title
	}
	return e.Title + ": " + e.Message
}

// Recoverable reports whether a streaming session may continue after this error.
func (e *Classified) Recoverable() bool {
	return e.Kind == KindSchemaMismatch || e.Kind == KindProtocolViolation
}

// Classify converts an error into a Classified with a kind, title and message.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	// Check if already classified
	var classified *Classified
	if errors.As(err, &classified) {
		return classified
	}

	// gRPC statuses carry their own classification
	if isStatusError(err) {
		return ClassifyGRPCError(err)
	}

	// Validation errors name the offending field path
	var validationErr ValidationError
	if errors.As(err, &validationErr) {
		return &Classified{
			Err:     err,
			Kind:    KindSchemaMismatch,
			Title:   "Schema Mismatch",
			Message: validationErr.Error(),
		}
	}

	var kinded *Error
	if errors.As(err, &kinded) && !errors.Is(err, ErrReflectionUnavailable) {
		return classifyKind(kinded.Kind, err)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return &Classified{
			Err:     err,
			Kind:    KindConnect,
			Title:   "Timeout",
			Message: "the operation timed out",
		}

	case errors.Is(err, context.Canceled):
		return &Classified{
			Err:     err,
			Kind:    KindInternal,
			Title:   "Cancelled",
			Message: "the operation was cancelled",
		}

	case errors.Is(err, ErrConnectionFailed):
		return classifyKind(KindConnect, err)

	case errors.Is(err, ErrReflectionUnavailable):
		return &Classified{
			Err:     err,
			Kind:    KindNotFound,
			Title:   "Reflection Not Available",
			Message: "the target does not support gRPC server reflection",
			Details: err.Error(),
		}

	case errors.Is(err, ErrInvalidDescriptor):
		return classifyKind(KindParse, err)
	}

	// Default fallback for unknown errors
	return &Classified{
		Err:     err,
		Kind:    KindInternal,
		Title:   "Unexpected Error",
		Message: err.Error(),
	}
}

// classifyKind builds the presentation for a kinded error.
func classifyKind(kind Kind, err error) *Classified {
	c := &Classified{Err: err, Kind: kind, Message: err.Error()}
	var kinded *Error
	if errors.As(err, &kinded) && kinded.Err != nil {
		c.Message = kinded.Err.Error()
	}
	switch kind {
	case KindParse:
		c.Title = "Invalid Definition"
	case KindNotFound:
		c.Title = "Method Not Found"
	case KindConnect:
		c.Title = "Failed to Dial Target"
	case KindAuth:
		c.Title = "Authentication Failed"
	case KindSchemaMismatch:
		c.Title = "Schema Mismatch"
	case KindUpstream:
		c.Title = "Upstream Error"
	case KindProtocolViolation:
		c.Title = "Protocol Violation"
	default:
		c.Title = "Internal Error"
	}
	return c
}

// isStatusError reports whether err wraps a gRPC status, including codes.Unknown.
func isStatusError(err error) bool {
	var se interface{ GRPCStatus() *status.Status }
	return errors.As(err, &se)
}
