// Package apperr defines the typed errors shared by the sync engine.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindIntegrationNotFound Kind = "integration_not_found"
	KindIntegrationInactive Kind = "integration_inactive"
	KindRefreshTokenMissing Kind = "refresh_token_missing"
	KindRefreshFailed       Kind = "refresh_failed"
	KindProviderRejected    Kind = "provider_rejected"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindNotFound            Kind = "not_found"
	KindSyncAlreadyRunning  Kind = "sync_already_running"
	KindMapping             Kind = "mapping_error"
	KindValidation          Kind = "validation"
	KindConfig              Kind = "config"
	KindInternal            Kind = "internal"
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrIntegrationNotFound = &Error{Kind: KindIntegrationNotFound}
	ErrIntegrationInactive = &Error{Kind: KindIntegrationInactive}
	ErrRefreshTokenMissing = &Error{Kind: KindRefreshTokenMissing}
	ErrRefreshFailed       = &Error{Kind: KindRefreshFailed}
	ErrProviderRejected    = &Error{Kind: KindProviderRejected}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrSyncAlreadyRunning  = &Error{Kind: KindSyncAlreadyRunning}
	ErrMapping             = &Error{Kind: KindMapping}
	ErrValidation          = &Error{Kind: KindValidation}
)

// Error is a structured application error.
type Error struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status when the error came from a provider API.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// WithStatus attaches an upstream HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func IntegrationNotFound(userID, provider string) *Error {
	return New(KindIntegrationNotFound, fmt.Sprintf("no %s integration for user %s", provider, userID), nil)
}

func IntegrationInactive(userID, provider string) *Error {
	return New(KindIntegrationInactive, fmt.Sprintf("%s integration for user %s is disconnected", provider, userID), nil)
}

func RefreshTokenMissing(provider string) *Error {
	return New(KindRefreshTokenMissing, fmt.Sprintf("%s token expired and no refresh token is stored", provider), nil)
}

func RefreshFailed(provider string, cause error) *Error {
	return New(KindRefreshFailed, fmt.Sprintf("%s rejected the token refresh", provider), cause)
}

func ProviderRejected(msg string, cause error) *Error {
	return New(KindProviderRejected, msg, cause)
}

func ProviderUnavailable(msg string, cause error) *Error {
	return New(KindProviderUnavailable, msg, cause)
}

func NotFound(resource string) *Error {
	return New(KindNotFound, resource+" not found", nil)
}

func SyncAlreadyRunning(userID, provider string) *Error {
	return New(KindSyncAlreadyRunning, fmt.Sprintf("a %s sync for user %s is already in progress", provider, userID), nil)
}

func Mapping(msg string, cause error) *Error {
	return New(KindMapping, msg, cause)
}

func Validation(msg string) *Error {
	return New(KindValidation, msg, nil)
}

// KindOf returns the kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the upstream HTTP status carried by err, if any.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// FromHTTPStatus maps a provider HTTP status to the error taxonomy.
func FromHTTPStatus(status int, msg string, cause error) *Error {
	switch {
	case status == 404 || status == 410:
		return New(KindNotFound, msg, cause).WithStatus(status)
	case status == 429 || status >= 500:
		return ProviderUnavailable(msg, cause).WithStatus(status)
	case status >= 400:
		return ProviderRejected(msg, cause).WithStatus(status)
	}
	return New(KindInternal, msg, cause).WithStatus(status)
}
