package pipeline

import (
	"fmt"

	"github.com/editalflow/api/internal/model"
)

// ErrorKind classifies stage failures for retry decisions and reporting.
type ErrorKind = model.ErrorKind

const (
	KindValidation        = model.ErrorKindValidation
	KindTransientProvider = model.ErrorKindTransientProvider
	KindProvider          = model.ErrorKindProvider
	KindStorage           = model.ErrorKindStorage
	KindDegraded          = model.ErrorKindDegraded
	KindCancelled         = model.ErrorKindCancelled
	KindInternal          = model.ErrorKindInternal
)

type OutcomeType int

const (
	OutcomeOK OutcomeType = iota
	OutcomeSkipped
	OutcomeRetryable
	OutcomeFatal
)

func (t OutcomeType) String() string {
	switch t {
	case OutcomeOK:
		return "ok"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(t))
}

// Outcome is what a stage executor reports back to the engine.
type Outcome struct {
	Type    OutcomeType
	Kind    ErrorKind
	Err     error
	Reason  string
	Warning string
}

func Ok() Outcome {
	return Outcome{Type: OutcomeOK}
}

func Skipped(reason string) Outcome {
	return Outcome{Type: OutcomeSkipped, Reason: reason}
}

func Retryable(kind ErrorKind, err error) Outcome {
	return Outcome{Type: OutcomeRetryable, Kind: kind, Err: err}
}

func Fatal(kind ErrorKind, err error) Outcome {
	return Outcome{Type: OutcomeFatal, Kind: kind, Err: err}
}

// WithWarning attaches a degraded-result note to a successful outcome.
func (o Outcome) WithWarning(format string, args ...any) Outcome {
	o.Warning = fmt.Sprintf(format, args...)
	return o
}

// Succeeded reports whether the stage counts as completed.
func (o Outcome) Succeeded() bool {
	return o.Type == OutcomeOK || o.Type == OutcomeSkipped
}

func (o Outcome) message() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	if o.Reason != "" {
		return o.Reason
	}
	return string(o.Kind)
}
