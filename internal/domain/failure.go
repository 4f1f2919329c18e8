package domain

import (
	"errors"
	"fmt"
)

// FailureKind classifies failures raised while talking to external services
// or managing transient resources.
type FailureKind string

const (
	// FailureTransport covers network and connection errors to any external service.
	FailureTransport FailureKind = "transport_failure"

	// FailureDecode covers malformed lines or JSON received from an external service.
	FailureDecode FailureKind = "decode_failure"

	// FailureVerdictRejected is an explicit non-clean verdict.
	FailureVerdictRejected FailureKind = "verdict_rejected"

	// FailureTimeout is an exhausted attempt budget.
	FailureTimeout FailureKind = "timeout"

	// FailureCleanup is a failed removal of a staged file. Logged only.
	FailureCleanup FailureKind = "resource_cleanup_failure"
)

// Failure is a classified error. Use errors.As to recover the kind.
type Failure struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is reports whether target is a *Failure of the same kind, so callers can
// write errors.Is(err, &domain.Failure{Kind: domain.FailureTransport}).
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// NewFailure wraps err with a kind and the operation that produced it.
func NewFailure(kind FailureKind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf returns the failure kind carried by err, or "" if err is not a *Failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
