package scan

import (
	"encoding/json"
	"errors"

	"github.com/tjfontaine/intake-gateway/internal/domain"
)

// Status is the tag of an Outcome.
type Status string

const (
	StatusClean         Status = "clean"
	StatusBlocked       Status = "blocked"
	StatusIndeterminate Status = "indeterminate"
)

// Indeterminate reasons.
const (
	ReasonSubmissionFailed = "submission failed"
	ReasonQueryFailed      = "verdict query failed"
	ReasonTimeout          = "timeout"
)

// Outcome is the single result of one scan. Only Clean permits proceeding.
type Outcome struct {
	Status Status `json:"status"`

	// Detail is the full verdict response that caused a Blocked outcome.
	Detail json.RawMessage `json:"detail,omitempty"`

	// Reason explains an Indeterminate outcome.
	Reason string `json:"reason,omitempty"`

	// Kind classifies the failure behind a non-clean outcome.
	Kind domain.FailureKind `json:"kind,omitempty"`

	TicketID string `json:"ticket_id,omitempty"`
	Attempts int    `json:"attempts"`
}

// Clean returns a clean outcome.
func Clean() Outcome {
	return Outcome{Status: StatusClean}
}

// Blocked returns a blocked outcome carrying the verdict service response.
func Blocked(detail json.RawMessage) Outcome {
	return Outcome{Status: StatusBlocked, Detail: detail, Kind: domain.FailureVerdictRejected}
}

// Indeterminate returns an outcome for a scan that could not reach a verdict.
func Indeterminate(reason string, kind domain.FailureKind) Outcome {
	return Outcome{Status: StatusIndeterminate, Reason: reason, Kind: kind}
}

// IsClean reports whether the content may be admitted.
func (o Outcome) IsClean() bool {
	return o.Status == StatusClean
}

// Err converts a non-clean outcome into a classified error, nil for Clean.
func (o Outcome) Err() error {
	switch o.Status {
	case StatusClean:
		return nil
	case StatusBlocked:
		return domain.NewFailure(domain.FailureVerdictRejected, "scan", errors.New("content rejected by verdict service"))
	default:
		kind := o.Kind
		if kind == "" {
			kind = domain.FailureTimeout
		}
		return domain.NewFailure(kind, "scan", errors.New(o.Reason))
	}
}
