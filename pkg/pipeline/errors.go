package pipeline

import (
	"errors"
	"strings"

	"src.rsh.sh/pkg/command"
)

var (
	// ErrUnsupported is returned when piping into a value that is neither a
	// Pipeline nor a Transform.
	ErrUnsupported = errors.New("unsupported pipe target")
	// ErrEmpty is returned by operations on the zero Pipeline.
	ErrEmpty = errors.New("empty pipeline")

	errNoInvoker = errors.New("command produced no invoker")
)

// MissingMemberError is returned by Pipeline.Member when the name is neither
// a built-in operation nor a valid sub-command selection.
type MissingMemberError struct {
	Name string
}

func (e *MissingMemberError) Error() string {
	return "no such member: " + e.Name
}

// RuntimeError wraps an error raised while running a pipeline invoked
// directly by Pipeline.Call.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return e.Err.Error() }

func (e *RuntimeError) Unwrap() error { return e.Err }

// PipelineError is returned when more than one stage of a pipeline fails. It
// contains one entry per stage, nil for stages that succeeded.
type PipelineError struct {
	Errors []error
}

func (e *PipelineError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		if err == nil {
			parts[i] = "<nil>"
		} else {
			parts[i] = err.Error()
		}
	}
	return "(" + strings.Join(parts, " | ") + ")"
}

// Unwrap returns the non-nil errors.
func (e *PipelineError) Unwrap() []error {
	var errs []error
	for _, err := range e.Errors {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Builds the error of a pipeline from the errors of its stages: nil if all
// stages succeeded, the only error if exactly one failed, a *PipelineError
// otherwise.
func makePipelineError(errs []error) error {
	var first error
	n := 0
	for _, err := range errs {
		if err != nil {
			if first == nil {
				first = err
			}
			n++
		}
	}
	switch n {
	case 0:
		return nil
	case 1:
		return first
	default:
		return &PipelineError{errs}
	}
}

func creationError(name string, err error) error {
	var ce *command.CreationError
	if errors.As(err, &ce) {
		return err
	}
	return &command.CreationError{Name: name, Err: err}
}
