package document

import (
	"errors"
	"fmt"
)

// Authentication failure reasons surfaced to clients.
const (
	ReasonNoToken     = "no-token"
	ReasonInvalidType = "invalid-type"
)

var (
	// ErrNoToken matches any AuthenticationError with ReasonNoToken.
	ErrNoToken = &AuthenticationError{Reason: ReasonNoToken}
	// ErrInvalidType matches any AuthenticationError with ReasonInvalidType.
	ErrInvalidType = &AuthenticationError{Reason: ReasonInvalidType}
	// ErrMissingOrganization explains an invalid-type rejection caused by an absent organization.
	ErrMissingOrganization = errors.New("document: organization id is required")
)

// AuthenticationError rejects a connection attempt at the authentication boundary.
type AuthenticationError struct {
	Reason string
	Err    error
}

// NewAuthenticationError builds an AuthenticationError carrying the underlying cause.
func NewAuthenticationError(reason string, cause error) *AuthenticationError {
	return &AuthenticationError{Reason: reason, Err: cause}
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// Is matches on reason so callers can compare against ErrNoToken and ErrInvalidType.
func (e *AuthenticationError) Is(target error) bool {
	var other *AuthenticationError
	if !errors.As(target, &other) {
		return false
	}
	return other.Reason == e.Reason
}

// GatewayError reports a failed call against the resource gateway.
type GatewayError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Operation, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// DecodeError reports malformed persisted state, either binary or HTML.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
