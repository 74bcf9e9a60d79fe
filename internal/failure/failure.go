// Package failure defines the error taxonomy shared by the tunnel, remote
// execution, diagnostics and connection packages.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the part of the system it originates from.
type Kind int

const (
	// KindUnknown is an error nothing more specific could be said about.
	KindUnknown Kind = iota
	// KindConfig indicates invalid or missing configuration. Never retried.
	KindConfig
	// KindAuth indicates the remote host rejected the credentials.
	KindAuth
	// KindNetwork indicates the host or port could not be reached.
	KindNetwork
	// KindService indicates the remote SSH service is down or misconfigured.
	KindService
	// KindSecurity indicates a host key mismatch or permission problem.
	KindSecurity
	// KindTimeout indicates a blocking operation exceeded its deadline.
	KindTimeout
	// KindRepairStep indicates a repair step's postcondition check failed.
	KindRepairStep
)

var kindNames = map[Kind]string{
	KindUnknown:    "unknown",
	KindConfig:     "config",
	KindAuth:       "auth",
	KindNetwork:    "network",
	KindService:    "service",
	KindSecurity:   "security",
	KindTimeout:    "timeout",
	KindRepairStep: "repair_step",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether an error of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindConfig, KindSecurity:
		return false
	default:
		return true
	}
}

// Error is a classified error. Category, Severity and ManualFix are filled in
// once diagnostics has interpreted the underlying failure.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Category  string
	Severity  string
	ManualFix string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Configf returns a KindConfig error with a formatted message.
func Configf(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// Timeout wraps err as a KindTimeout error.
func Timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
