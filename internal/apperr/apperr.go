// Package apperr defines the error kinds shared by the store gateway, the
// identity service and the HTTP layer. Handlers map a Kind to a status code
// and never enrich the message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind represents the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTenantUnresolved means no tenant could be established for the call.
	KindTenantUnresolved
	// KindValidation indicates invalid input data; Details carries field errors.
	KindValidation
	// KindDuplicateUser indicates the username or email is taken in the tenant.
	KindDuplicateUser
	// KindInvalidCredentials is the single answer for every login failure.
	KindInvalidCredentials
	KindNotFound
	KindForbidden
	// KindConflict covers uniqueness violations other than users.
	KindConflict
	// KindUnauthorized indicates a missing, malformed or revoked bearer token.
	KindUnauthorized
	KindRateLimited
	KindInternal
)

var kindCodes = map[Kind]string{
	KindUnknown:            "unknown",
	KindTenantUnresolved:   "tenant_unresolved",
	KindValidation:         "validation_failed",
	KindDuplicateUser:      "duplicate_user",
	KindInvalidCredentials: "invalid_credentials",
	KindNotFound:           "not_found",
	KindForbidden:          "forbidden",
	KindConflict:           "conflict",
	KindUnauthorized:       "unauthorized",
	KindRateLimited:        "rate_limited",
	KindInternal:           "internal",
}

// Code returns the stable string used in error response bodies.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "unknown"
}

func (k Kind) String() string { return k.Code() }

// Fixed, non-leaking messages.
const (
	MsgTenantUnresolved   = "tenant could not be resolved"
	MsgInvalidCredentials = "invalid credentials"
	MsgNotFound           = "resource not found"
	MsgForbidden          = "insufficient role"
	MsgDuplicateUser      = "user already exists"
	MsgInternal           = "internal error"
)

// Error is a domain error with a typed Kind for HTTP mapping.
type Error struct {
	Kind    Kind
	Message string
	Op      string            // operation that failed (optional)
	Err     error             // underlying error (optional)
	Details map[string]string // field -> reason, used by KindValidation
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so errors.Is(err, apperr.ErrNotFound) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// HTTPStatus returns the status code for this error kind.
func (e *Error) HTTPStatus() int {
	return StatusFor(e.Kind)
}

// StatusFor maps a kind to its HTTP status code.
func StatusFor(k Kind) int {
	switch k {
	case KindTenantUnresolved, KindInvalidCredentials, KindUnauthorized:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicateUser, KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WithOp sets the operation on the error and returns it.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithDetail adds one field-level detail.
func (e *Error) WithDetail(field, reason string) *Error {
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	e.Details[field] = reason
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrTenantUnresolved   = &Error{Kind: KindTenantUnresolved, Message: MsgTenantUnresolved}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: MsgInvalidCredentials}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: MsgNotFound}
	ErrForbidden          = &Error{Kind: KindForbidden, Message: MsgForbidden}
	ErrDuplicateUser      = &Error{Kind: KindDuplicateUser, Message: MsgDuplicateUser}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func TenantUnresolved() *Error {
	return New(KindTenantUnresolved, MsgTenantUnresolved)
}

// Validation creates a validation error; attach field reasons with WithDetail.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

func DuplicateUser() *Error {
	return New(KindDuplicateUser, MsgDuplicateUser)
}

func InvalidCredentials() *Error {
	return New(KindInvalidCredentials, MsgInvalidCredentials)
}

func NotFound() *Error {
	return New(KindNotFound, MsgNotFound)
}

func Forbidden() *Error {
	return New(KindForbidden, MsgForbidden)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

func RateLimited() *Error {
	return New(KindRateLimited, "too many requests")
}

// Internal hides err behind a generic message.
func Internal(err error) *Error {
	return Wrap(KindInternal, MsgInternal, err)
}

// GetKind extracts the error kind anywhere in the chain.
// Returns KindUnknown if no *Error is found.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is checks if err carries the given kind.
func Is(err error, kind Kind) bool {
	return GetKind(err) == kind
}

// As returns the first *Error in the chain, or an internal error wrapping err.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
