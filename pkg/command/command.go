// Package command defines commands, the invokers they produce, and the
// resolver that finds commands by name.
//
// A command is resolved from a resource by a Manager chosen by the resource's
// extension. Invoking a command happens in two steps: the command first
// materialises an Invoker for a particular set of options and arguments, and
// the Invoker is then run as one stage of a pipeline, reading values from the
// previous stage and writing values to the next.
package command

import (
	"context"
	"fmt"
)

// Command is a resolved command.
type Command interface {
	// Description returns a one-line description of the command.
	Description() string
	// Invoker materialises an invocation of the command. The sub argument
	// selects a sub-command and is empty for the command itself.
	Invoker(sub string, opts map[string]any, args []any) (Invoker, error)
}

// Invoker is one materialised stage of a pipeline.
type Invoker interface {
	// Invoke runs the stage. It reads from in until in is closed or it no
	// longer needs input, and writes its output to out. It must not close
	// out; the caller does that after Invoke returns.
	Invoke(ctx *Context, in <-chan any, out chan<- any) error
}

// InvokerFunc adapts a function to an Invoker.
type InvokerFunc func(ctx *Context, in <-chan any, out chan<- any) error

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx *Context, in <-chan any, out chan<- any) error {
	return f(ctx, in, out)
}

// IO is the terminal side of an invocation.
type IO interface {
	// ReadLine writes the prompt and reads one line of input from the
	// terminal, with character echo turned on or off. It returns false if no
	// input is available, for example because the invocation is being
	// cancelled or the terminal is gone.
	ReadLine(prompt string, echo bool) (string, bool)
	Width() int
	Height() int
}

// Context is shared by every stage of one invocation.
type Context struct {
	context.Context
	IO    IO
	Attrs *Attrs
	// Output receives the values written by the last stage of a pipeline
	// that is invoked directly against this Context. It may be nil, in which
	// case such values are discarded.
	Output chan<- any
}

// Send writes v to out, giving up if the invocation is cancelled first.
func (ctx *Context) Send(out chan<- any, v any) error {
	select {
	case out <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolution is the result of resolving a command.
type Resolution struct {
	Name        string
	Description string
	Command     Command
}

// Manager resolves commands written in one language.
type Manager interface {
	// Extensions returns the resource extensions handled by the manager,
	// without the leading dot.
	Extensions() []string
	// ResolveCommand builds a command from its source. It returns nil and no
	// error if the source is valid but doesn't define a command.
	ResolveCommand(name string, source []byte) (*Resolution, error)
}

// CreationError is returned when a command or a pipeline stage cannot be
// created.
type CreationError struct {
	Name string
	Err  error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("cannot create command %s: %v", e.Name, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }
