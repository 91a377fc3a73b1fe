package core

import (
	"errors"
	"fmt"
)

// ErrRevoked is returned by account collaborators when the device or account
// is no longer valid. It forces the blocking error state and is never retried.
var ErrRevoked = errors.New("account or device revoked or expired")

// ConfigError reports an invalid target or setting. Not retried; surfaced
// to the caller immediately.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Reason
}

// PlatformError reports a failed firewall/routing/DNS primitive. Retried a
// bounded number of times, then fatal for the attempt.
type PlatformError struct {
	Op  string // "firewall", "route", "dns"
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform error (%s): %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// HandshakeError reports a failed key registration or PQ negotiation.
// Triggers fallback to the next candidate target or classical-only mode.
type HandshakeError struct {
	Op  string // "register", "pq-exchange", "wg-handshake"
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake error (%s): %v", e.Op, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ErrorCauseKind classifies the cause carried by the error state.
type ErrorCauseKind int

const (
	CauseConfig ErrorCauseKind = iota
	CausePlatform
	CauseHandshake
	CauseExhausted
	CauseRevoked
)

func (k ErrorCauseKind) String() string {
	switch k {
	case CauseConfig:
		return "config"
	case CausePlatform:
		return "platform"
	case CauseHandshake:
		return "handshake"
	case CauseExhausted:
		return "exhausted"
	case CauseRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// ErrorCause describes why the engine entered the error state.
type ErrorCause struct {
	Kind   ErrorCauseKind `yaml:"kind"`
	Detail string         `yaml:"detail,omitempty"`
}

func (c ErrorCause) String() string {
	if c.Detail == "" {
		return c.Kind.String()
	}
	return c.Kind.String() + ": " + c.Detail
}

// ClassifyError maps an arbitrary attempt error onto an ErrorCause.
func ClassifyError(err error) ErrorCause {
	var cfgErr *ConfigError
	var platErr *PlatformError
	var hsErr *HandshakeError

	switch {
	case errors.Is(err, ErrRevoked):
		return ErrorCause{Kind: CauseRevoked, Detail: err.Error()}
	case errors.As(err, &cfgErr):
		return ErrorCause{Kind: CauseConfig, Detail: cfgErr.Reason}
	case errors.As(err, &platErr):
		return ErrorCause{Kind: CausePlatform, Detail: platErr.Error()}
	case errors.As(err, &hsErr):
		return ErrorCause{Kind: CauseHandshake, Detail: hsErr.Error()}
	default:
		return ErrorCause{Kind: CausePlatform, Detail: err.Error()}
	}
}

// IsFilteredSignature reports whether an attempt failure looks like the
// traffic was blocked or filtered on path (handshake never completing)
// rather than the relay being unreachable at the routing level. Filtered
// failures prioritize the obfuscation fallback sequence over plain retries.
func IsFilteredSignature(err error) bool {
	var hsErr *HandshakeError
	return errors.As(err, &hsErr)
}
