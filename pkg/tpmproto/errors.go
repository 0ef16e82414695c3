package tpmproto

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidHandle        = errors.New("tpmproto: invalid handle")
	ErrInvalidSessionHandle = errors.New("tpmproto: only password sessions are supported")
	ErrMissingAuth          = errors.New("tpmproto: session-tagged command requires an authorization")
	ErrUnexpectedAuth       = errors.New("tpmproto: command without sessions cannot carry an authorization")
	ErrBufferTooLarge       = errors.New("tpmproto: sized buffer exceeds its maximum length")
	ErrCommandTooLarge      = errors.New("tpmproto: command exceeds maximum size")
)

// ValidationErrorKind identifies which framing rule a reply broke.
type ValidationErrorKind int

const (
	ReplyTooShort ValidationErrorKind = iota
	ReplySizeMismatch
	UnexpectedTag
	MalformedHandleArea
	MalformedParameterArea
	MalformedSessionArea
	TrailingData
)

func (k ValidationErrorKind) String() string {
	switch k {
	case ReplyTooShort:
		return "reply too short"
	case ReplySizeMismatch:
		return "reply size mismatch"
	case UnexpectedTag:
		return "unexpected tag"
	case MalformedHandleArea:
		return "malformed handle area"
	case MalformedParameterArea:
		return "malformed parameter area"
	case MalformedSessionArea:
		return "malformed session area"
	case TrailingData:
		return "trailing data"
	}
	return fmt.Sprintf("validation error %d", int(k))
}

// ValidationError reports a reply that violates the TPM response framing.
type ValidationError struct {
	Kind   ValidationErrorKind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "tpmproto: " + e.Kind.String()
	}
	return fmt.Sprintf("tpmproto: %s: %s", e.Kind, e.Detail)
}

// Is matches another *ValidationError with the same Kind so callers can
// test with errors.Is(err, &ValidationError{Kind: ...}).
func (e *ValidationError) Is(target error) bool {
	var t *ValidationError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func validationErrorf(kind ValidationErrorKind, format string, args ...any) error {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
