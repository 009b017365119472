package infra

import (
	"fmt"

	"github.com/pkg/errors"
)

// Reason classifies why a pipeline run stopped
type Reason int

const (
	NoEndorsers Reason = iota
	InsufficientEndorsers
	SubmissionTimeout
	CommitFailure
	QueryValidationFailure
	ConfigurationError
	TransportFailure
	PipelineTimeout
)

var reasonNames = map[Reason]string{
	NoEndorsers:            "NoEndorsers",
	InsufficientEndorsers:  "InsufficientEndorsers",
	SubmissionTimeout:      "SubmissionTimeout",
	CommitFailure:          "CommitFailure",
	QueryValidationFailure: "QueryValidationFailure",
	ConfigurationError:     "ConfigurationError",
	TransportFailure:       "TransportFailure",
	PipelineTimeout:        "PipelineTimeout",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// PipelineError is terminal for a run. It records the phase that failed and
// the diagnostic of the first failure encountered.
type PipelineError struct {
	Phase  Phase
	Reason Reason
	Detail string
	cause  error
}

func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("%s phase failed: %s", e.Phase, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Cause returns the underlying error, if any
func (e *PipelineError) Cause() error { return e.cause }

func (e *PipelineError) Unwrap() error { return e.cause }

func newPipelineError(phase Phase, reason Reason, format string, args ...interface{}) *PipelineError {
	return &PipelineError{
		Phase:  phase,
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

func wrapPipelineError(err error, phase Phase, reason Reason, detail string) *PipelineError {
	return &PipelineError{
		Phase:  phase,
		Reason: reason,
		Detail: detail,
		cause:  err,
	}
}

// AsPipelineError extracts a *PipelineError from err's chain
func AsPipelineError(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsReason reports whether err carries a PipelineError with the given reason
func IsReason(err error, reason Reason) bool {
	pe, ok := AsPipelineError(err)
	return ok && pe.Reason == reason
}
