package execution

import (
	"context"
	"errors"

	gwerrors "github.com/wudi/apigw/internal/errors"
)

// Outcome classifies how a stage completed.
type Outcome int

const (
	Continue Outcome = iota
	Interrupted
	InterruptedWithFailure
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Interrupted:
		return "interrupt"
	case InterruptedWithFailure:
		return "interrupt_with_failure"
	case Cancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Interruption short-circuits the request pipeline. Without a failure the
// request is considered answered.
type Interruption struct {
	Failure *gwerrors.ExecutionFailure
}

func (i *Interruption) Error() string {
	if i.Failure != nil {
		return "interrupted: " + i.Failure.Error()
	}
	return "interrupted"
}

func (i *Interruption) Unwrap() error {
	if i.Failure == nil {
		return nil
	}
	return i.Failure
}

// Interrupt signals that the request has been fully answered.
func Interrupt() error {
	return &Interruption{}
}

// InterruptWith signals a structured failure.
func InterruptWith(f *gwerrors.ExecutionFailure) error {
	return &Interruption{Failure: f}
}

// Classify maps a stage error to its outcome. A bare ExecutionFailure in the
// chain counts as an interruption with failure.
func Classify(err error) (Outcome, *gwerrors.ExecutionFailure) {
	if err == nil {
		return Continue, nil
	}
	var in *Interruption
	if errors.As(err, &in) {
		if in.Failure != nil {
			return InterruptedWithFailure, in.Failure
		}
		return Interrupted, nil
	}
	if f, ok := gwerrors.AsFailure(err); ok {
		return InterruptedWithFailure, f
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled, nil
	}
	return Failed, nil
}
