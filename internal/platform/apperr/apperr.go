// Package apperr defines the failure taxonomy shared by the registration core.
// Every error raised by a domain package carries a Kind so that callers and the
// HTTP layer can decide whether to retry, degrade, or report.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind string

const (
	// KindConfiguration indicates missing or invalid system configuration.
	// Not retryable without operator action.
	KindConfiguration Kind = "configuration"

	// KindValidation indicates malformed caller input.
	KindValidation Kind = "validation"

	// KindRemoteIndex indicates a failure talking to the remote master patient index.
	KindRemoteIndex Kind = "remote_index"

	// KindBiometric indicates the biometric engine was unavailable or a call failed.
	KindBiometric Kind = "biometric_subsystem"

	// KindIllegalState indicates a programming contract was violated.
	KindIllegalState Kind = "illegal_state"

	// KindNotFound indicates the requested record does not exist.
	KindNotFound Kind = "not_found"

	// KindInternal is the fallback for errors without a classification.
	KindInternal Kind = "internal"
)

// Sentinels allow errors.Is(err, apperr.ErrValidation) against any *Error of that kind.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrValidation    = errors.New("validation error")
	ErrRemoteIndex   = errors.New("remote index error")
	ErrBiometric     = errors.New("biometric subsystem error")
	ErrIllegalState  = errors.New("illegal state")
	ErrNotFound      = errors.New("not found")
)

var sentinels = map[Kind]error{
	KindConfiguration: ErrConfiguration,
	KindValidation:    ErrValidation,
	KindRemoteIndex:   ErrRemoteIndex,
	KindBiometric:     ErrBiometric,
	KindIllegalState:  ErrIllegalState,
	KindNotFound:      ErrNotFound,
}

// Error is a classified failure with the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap supports error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New creates a classified error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func Configuration(op, message string) *Error {
	return New(KindConfiguration, op, message, nil)
}

func Configurationf(op, format string, args ...interface{}) *Error {
	return New(KindConfiguration, op, fmt.Sprintf(format, args...), nil)
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

func Validationf(op, format string, args ...interface{}) *Error {
	return New(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

func IllegalState(op, message string) *Error {
	return New(KindIllegalState, op, message, nil)
}

func RemoteIndex(op, message string, err error) *Error {
	return New(KindRemoteIndex, op, message, err)
}

func Biometric(op, message string, err error) *Error {
	return New(KindBiometric, op, message, err)
}

func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message, nil)
}

// KindOf extracts the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the response status the API should use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRemoteIndex, KindBiometric:
		return http.StatusBadGateway
	case KindIllegalState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
