// Package gwerr defines the closed error taxonomy shared by every other
// gateway component and the HTTP status codes each kind maps to.
package gwerr

import (
	"errors"
	"net/http"
)

// Kind is a closed set of error categories. Every error that crosses a
// component boundary should be classified as one of these.
type Kind int

const (
	// KindInternal is the zero value; treated as an unclassified internal
	// error and maps to 500.
	KindInternal Kind = iota
	// KindConfiguration covers missing credentials or unparseable config.
	// Fatal at startup; never surfaced over HTTP.
	KindConfiguration
	// KindAuthFailure covers token issuance rejections.
	KindAuthFailure
	// KindUpstream covers non-zero cloud API codes or non-2xx status after
	// retries are exhausted.
	KindUpstream
	// KindNotFound covers an absent object or directory.
	KindNotFound
	// KindConflict covers a duplicate-creation the provider refuses.
	KindConflict
	// KindPayloadTooLarge covers a single-shot upload over the 1 GiB cap.
	KindPayloadTooLarge
	// KindRateLimited covers retries exhausted against HTTP 429.
	KindRateLimited
	// KindCache covers a local metadata-store I/O failure.
	KindCache
	// KindIO covers a client stream aborted or a network break mid-transfer.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthFailure:
		return "auth_failure"
	case KindUpstream:
		return "upstream"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindRateLimited:
		return "rate_limited"
	case KindCache:
		return "cache"
	case KindIO:
		return "io"
	default:
		return "internal"
	}
}

// StatusCode returns the HTTP status this kind maps to when surfaced to a
// Restic client.
func (k Kind) StatusCode() int {
	switch k {
	case KindAuthFailure:
		return http.StatusInternalServerError
	case KindUpstream:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPayloadTooLarge:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusServiceUnavailable
	case KindCache:
		return http.StatusInternalServerError
	case KindIO:
		return http.StatusInternalServerError
	case KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error carrying a message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error, attaching a message.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it (or something it wraps) is a
// *gwerr.Error; otherwise returns KindInternal. When classified errors are
// nested, the innermost classification wins, so an outer Wrap that only adds
// context does not hide a more specific kind such as KindRateLimited.
func KindOf(err error) Kind {
	kind := KindInternal
	for {
		var e *Error
		if !errors.As(err, &e) {
			return kind
		}
		kind = e.Kind
		err = e.Cause
	}
}

// StatusCode returns the HTTP status that should be used to surface err to a
// Restic client, using the kind KindOf reports.
func StatusCode(err error) int {
	return KindOf(err).StatusCode()
}
