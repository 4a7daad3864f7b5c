package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error family the coordinator distinguishes.
// The REST layer maps each kind to an HTTP status; components raise kinds
// internally and never deal in status codes themselves.
type Kind string

const (
	KindInvalidToken           Kind = "invalid_token"
	KindTokenExpired           Kind = "token_expired"
	KindTokenUsed              Kind = "token_used"
	KindAttestationRequired    Kind = "attestation_required"
	KindAttestationFailed      Kind = "attestation_failed"
	KindUnauthenticated        Kind = "unauthenticated"
	KindAgentRevoked           Kind = "agent_revoked"
	KindInsufficientPrivilege  Kind = "insufficient_privilege"
	KindUnverifiedAgent        Kind = "unverified_agent"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
	KindValidation             Kind = "validation_error"
	KindRateLimited            Kind = "rate_limited"
	KindResultSignatureInvalid Kind = "result_signature_invalid"
	KindSubscriberLimit        Kind = "subscriber_limit"
	KindInternal               Kind = "internal"
)

// Error carries a kind, a caller-safe detail string, and an optional wrapped
// cause. The cause is logged but never echoed to clients.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a domain error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf builds a domain error with a formatted detail string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and detail to an underlying cause.
func Wrap(err error, kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the kind from err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Detail extracts the caller-safe detail string from err. Internal errors
// get a fixed message so the underlying cause never leaks to clients.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Detail
	}
	return "internal error"
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the REST surface uses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidToken, KindTokenExpired, KindTokenUsed,
		KindAttestationRequired, KindAttestationFailed,
		KindResultSignatureInvalid:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAgentRevoked, KindInsufficientPrivilege, KindUnverifiedAgent:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindSubscriberLimit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
