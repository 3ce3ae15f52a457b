package extract

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition       = errors.New("invalid transition")
	ErrSchemaGenerationRefused = errors.New("schema generation refused")
	ErrSchemaGenerationFailed  = errors.New("schema generation failed")
	ErrExtractionRefused       = errors.New("extraction refused")
	ErrExtractionFailed        = errors.New("extraction failed")
	ErrNoSchemaApproved        = errors.New("no schema approved")
	ErrInvalidInput            = errors.New("invalid input")
)

// InvalidTransitionError reports an operation called from a state that does
// not allow it.
type InvalidTransitionError struct {
	Op       Op
	Current  ProjectState
	Required []ProjectState
}

func (e *InvalidTransitionError) Error() string {
	if e == nil {
		return ErrInvalidTransition.Error()
	}
	req := make([]string, len(e.Required))
	for i, s := range e.Required {
		req[i] = string(s)
	}
	return fmt.Sprintf("invalid transition: %s requires state %s, project is %s",
		e.Op, strings.Join(req, " or "), e.Current)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// StepError carries one of the step error kinds plus the underlying cause, so
// both errors.Is(err, ErrExtractionFailed) and errors.As on the cause work.
type StepError struct {
	Kind error
	Err  error
}

func (e *StepError) Error() string {
	if e == nil || e.Kind == nil {
		return "step error"
	}
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *StepError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
