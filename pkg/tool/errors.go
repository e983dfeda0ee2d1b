// pkg/tool/errors.go
package tool

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a protocol failure. Callers switch on the kind
// rather than matching message strings.
type ErrorKind string

const (
	// KindConfiguration means the platform or deployment is not registered.
	// Expected and recoverable: an admin can fix it by registering.
	KindConfiguration ErrorKind = "configuration_error"

	// Structurally invalid input (client or platform bug).
	KindMalformedToken   ErrorKind = "malformed_token"
	KindSchemaValidation ErrorKind = "schema_validation_error"

	// Security failures. Always terminal, never retried, and logged
	// distinctly from configuration errors since they may indicate an attack.
	KindInvalidSignature  ErrorKind = "invalid_signature"
	KindKeySetUnavailable ErrorKind = "keyset_unavailable"
	KindInvalidState      ErrorKind = "invalid_state"
	KindClientMismatch    ErrorKind = "client_mismatch"
	KindNonceMismatch     ErrorKind = "nonce_mismatch"
	KindNonceReplay       ErrorKind = "nonce_replay"

	// Service-token acquisition failures (propagate to the service caller).
	KindTokenRequestFailed     ErrorKind = "token_request_failed"
	KindTokenResponseMalformed ErrorKind = "token_response_malformed"
)

// Security reports whether the kind is a security failure (as opposed to a
// configuration or structural one).
func (k ErrorKind) Security() bool {
	switch k {
	case KindInvalidSignature, KindKeySetUnavailable, KindInvalidState,
		KindClientMismatch, KindNonceMismatch, KindNonceReplay:
		return true
	}
	return false
}

// Error is the tagged error type used for every failure mode in the
// login/launch/token protocol. Phase names which step failed; Issuer and
// ClientID carry the identity being processed when known.
type Error struct {
	Kind     ErrorKind
	Phase    string // e.g. "login", "launch.signature", "token"
	Issuer   string
	ClientID string
	Msg      string
	Err      error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Phase != "" {
		s = e.Phase + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Issuer != "" {
		s += fmt.Sprintf(" (iss=%s client_id=%s)", e.Issuer, e.ClientID)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare &Error{Kind: ...} target.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the ErrorKind from err, or "" when err is not a protocol
// error (e.g. a storage/network failure propagated as-is).
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func protoErr(kind ErrorKind, phase, msg string, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Msg: msg, Err: cause}
}
