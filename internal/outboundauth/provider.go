// Package outboundauth implements the outbound authentication providers the
// proxy uses to authenticate itself to upstream tool servers: a static
// bearer token, OAuth2 client-credentials, and OAuth2 authorization-code
// with PKCE. All three share the same capability surface so a transport
// never needs to know which kind it is talking to.
package outboundauth

import (
	"context"
	"fmt"
)

// ErrorKind tags the failure mode of an AuthenticationError.
type ErrorKind string

const (
	ErrInvalidClient    ErrorKind = "invalid_client"
	ErrInvalidGrant     ErrorKind = "invalid_grant"
	ErrInvalidScope     ErrorKind = "invalid_scope"
	ErrAudienceMismatch ErrorKind = "audience_mismatch"
	// ErrOAuthSemantic covers every other OAuth error code the token
	// endpoint can return (unauthorized_client, unsupported_grant_type,
	// invalid_request, access_denied, ...): the request was rejected on
	// semantic grounds the client cannot fix by retrying unchanged.
	ErrOAuthSemantic ErrorKind = "oauth_semantic"
	ErrNetwork       ErrorKind = "network"
	ErrTimeout       ErrorKind = "timeout"
)

// AuthenticationError is the tagged error type surfaced by every provider.
type AuthenticationError struct {
	Kind ErrorKind
	Err  error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("outbound auth (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("outbound auth: %s", e.Kind)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// newAuthError wraps err under kind, or returns nil if err is nil.
func newAuthError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &AuthenticationError{Kind: kind, Err: err}
}

// isFailFast reports whether a client-credentials/auth-code error should
// abort retrying immediately rather than backing off.
func isFailFast(kind ErrorKind) bool {
	switch kind {
	case ErrInvalidClient, ErrInvalidGrant, ErrInvalidScope, ErrAudienceMismatch, ErrOAuthSemantic:
		return true
	default:
		return false
	}
}

// Provider is the capability every outbound auth implementation exposes.
type Provider interface {
	// GetHeaders returns the headers to merge into an outbound request,
	// acquiring or reusing a cached token as needed.
	GetHeaders(ctx context.Context) (map[string]string, error)
	// Refresh forces acquisition of a new token, discarding any cached one.
	Refresh(ctx context.Context) error
	// IsValid reports whether the provider currently holds an unexpired token.
	IsValid() bool
}
