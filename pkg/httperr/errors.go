// Package httperr maps the gateway's internal error taxonomy to HTTP
// status codes and response bodies at the edge, so no handler has to
// duplicate that mapping.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lsst-dm/jwt-authorizer/pkg/logger"
)

// Kind is the discriminated union of error categories the gateway can
// surface. It replaces exception-driven control flow: internal code
// returns a *Error wrapping one of these kinds, and the HTTP edge is the
// only place that turns a Kind into a status code.
type Kind string

// Error kinds, per the error handling design.
const (
	KindInvalidCredentials Kind = "invalid_credentials" // 401
	KindInsufficientScope  Kind = "insufficient_scope"  // 403
	KindTokenExpired       Kind = "token_expired"        // 401
	KindDuplicateName      Kind = "duplicate_token_name" // 409 on create, 422 on modify (see StatusOverride)
	KindMalformedToken     Kind = "malformed_token"       // 422
	KindProviderError      Kind = "provider_error"        // 502
	KindConfigError        Kind = "config_error"          // 500, fatal at startup
	KindNotFound           Kind = "not_found"             // 404
	KindForbidden          Kind = "forbidden"             // 403
	KindUnavailable        Kind = "unavailable"           // 503, transient backend failure
)

// Error is the internal boundary error type. Handlers never construct raw
// HTTP status codes themselves; they return an *Error and let WriteError
// do the mapping.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// StatusOverride, if non-zero, wins over Kind's default status. Used
	// by KindDuplicateName, whose HTTP status depends on whether the
	// violation happened on create (409) or modify (422).
	StatusOverride int
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, preserving cause for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewDuplicateNameOnModify constructs the 422 variant of KindDuplicateName
// used when a PATCH would violate the (owner, name) uniqueness invariant.
func NewDuplicateNameOnModify(message string) *Error {
	return &Error{Kind: KindDuplicateName, Message: message, StatusOverride: http.StatusUnprocessableEntity}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Kind) status() int {
	switch *e {
	case KindInvalidCredentials, KindTokenExpired:
		return http.StatusUnauthorized
	case KindInsufficientScope, KindForbidden:
		return http.StatusForbidden
	case KindDuplicateName:
		return http.StatusConflict
	case KindMalformedToken:
		return http.StatusUnprocessableEntity
	case KindProviderError:
		return http.StatusBadGateway
	case KindConfigError:
		return http.StatusInternalServerError
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// detailEntry is one element of the {detail: [...]} body shape used by
// every 4xx/5xx JSON response.
type detailEntry struct {
	Msg  string `json:"msg"`
	Type string `json:"type"`
	Loc  []string `json:"loc,omitempty"`
}

type detailBody struct {
	Detail []detailEntry `json:"detail"`
}

// WriteError writes the JSON error body and status code for err. If err is
// not an *Error it is treated as an unclassified internal failure (500)
// and logged with its cause — unlike classified errors, this indicates a
// programmer mistake and is always logged at error level.
func WriteError(w http.ResponseWriter, err error) {
	var herr *Error
	if !errors.As(err, &herr) {
		logger.Errorf("unclassified error reached HTTP edge: %v", err)
		herr = &Error{Kind: KindConfigError, Message: "internal error", Cause: err}
	}

	if herr.Cause != nil {
		logger.Debugf("%s: %v", herr.Message, herr.Cause)
	}

	status := herr.Kind.status()
	if herr.StatusOverride != 0 {
		status = herr.StatusOverride
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(detailBody{Detail: []detailEntry{{
		Msg:  herr.Message,
		Type: string(herr.Kind),
	}}})
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var herr *Error
	if !errors.As(err, &herr) {
		return false
	}
	return herr.Kind == kind
}
