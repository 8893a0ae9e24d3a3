package nftkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goware/superr"
)

// Kind classifies an error by how callers should react to it.
type Kind int

const (
	// KindTransient errors may succeed on retry: network failures, timeouts,
	// 5xx and 429 responses.
	KindTransient Kind = iota

	// KindPermanent errors will fail again if retried.
	KindPermanent

	// KindNotFound marks a resource the upstream reported as missing.
	KindNotFound

	// KindInvalidInput marks a malformed identifier or query parameter.
	KindInvalidInput
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrTransient    = errors.New("nftkit: transient upstream failure")
	ErrPermanent    = errors.New("nftkit: permanent upstream failure")
	ErrNotFound     = errors.New("nftkit: not found")
	ErrInvalidInput = errors.New("nftkit: invalid input")

	// ErrDisabled is returned by every entrypoint when the sponsorship
	// feature is turned off.
	ErrDisabled = errors.New("nftkit: feature disabled")

	// ErrUnconfigured is returned when a required collaborator, such as an
	// rpc endpoint or the backend url, is missing from the config.
	ErrUnconfigured = errors.New("nftkit: not configured")
)

var kindSentinels = map[Kind]error{
	KindTransient:    ErrTransient,
	KindPermanent:    ErrPermanent,
	KindNotFound:     ErrNotFound,
	KindInvalidInput: ErrInvalidInput,
}

// Error is the tagged error produced at the point a failure originates.
type Error struct {
	Kind Kind

	// Op names the operation that failed, ie. "ipfs.fetch".
	Op string

	// StatusCode is the upstream http status, when there was one.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	if msg == "" {
		return e.Kind.String()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transient(op string, err error) error    { return newError(KindTransient, op, err) }
func Permanent(op string, err error) error    { return newError(KindPermanent, op, err) }
func NotFound(op string, err error) error     { return newError(KindNotFound, op, err) }
func InvalidInput(op string, err error) error { return newError(KindInvalidInput, op, err) }

// Errorf builds a tagged error with a formatted cause.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return newError(kind, op, fmt.Errorf(format, args...))
}

// FromStatus classifies an upstream http status code.
func FromStatus(op string, statusCode int) error {
	kind := KindTransient
	switch {
	case statusCode == http.StatusNotFound:
		kind = KindNotFound
	case statusCode == http.StatusTooManyRequests:
		kind = KindTransient
	case statusCode >= 400 && statusCode < 500:
		kind = KindPermanent
	}
	return &Error{Kind: kind, Op: op, StatusCode: statusCode}
}

// Compose joins a classification sentinel with its cause so that both
// match under errors.Is.
func Compose(errs ...error) error {
	if len(errs) == 0 {
		return nil
	}
	return superr.New(errs[0], errs[1:]...)
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Untagged errors are treated as transient, except for context
// cancellation which is permanent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermanent), errors.Is(err, context.Canceled):
		return KindPermanent
	}
	return KindTransient
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// StatusCodeOf returns the upstream status attached to err, or 0.
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
