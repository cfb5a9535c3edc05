package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"src.rsh.sh/pkg/command"
)

// Element is one stage of a Pipeline. It is either a *CommandElement or a
// *TransformElement. Elements are never modified after they are constructed.
type Element interface {
	String() string
	// Materialises the stage.
	make() (command.Invoker, error)
}

// CommandElement is a stage running a named command.
type CommandElement struct {
	// Name is the full name of the command, including the sub-command if
	// there is one, like "net.ping".
	Name    string
	Command command.Command
	// Sub is the name of the selected sub-command, or "".
	Sub     string
	Options map[string]any
	Args    []any
}

func (e *CommandElement) make() (command.Invoker, error) {
	inv, err := e.Command.Invoker(e.Sub, e.Options, e.Args)
	if err != nil {
		return nil, creationError(e.Name, err)
	}
	if inv == nil {
		return nil, &command.CreationError{Name: e.Name, Err: errNoInvoker}
	}
	return inv, nil
}

func (e *CommandElement) String() string {
	var sb strings.Builder
	sb.WriteString(e.Name)
	keys := make([]string, 0, len(e.Options))
	for k := range e.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " --%s=%v", k, e.Options[k])
	}
	for _, arg := range e.Args {
		fmt.Fprintf(&sb, " %v", arg)
	}
	return sb.String()
}

// Transform is an ad-hoc stage that maps each input value to an output value.
// A nil output value drops the input.
type Transform interface {
	Apply(ctx context.Context, v any) (any, error)
}

// TransformFunc adapts a function to a Transform.
type TransformFunc func(ctx context.Context, v any) (any, error)

// Apply calls f.
func (f TransformFunc) Apply(ctx context.Context, v any) (any, error) { return f(ctx, v) }

// TransformElement is a stage applying a Transform to every input value.
type TransformElement struct {
	Transform Transform
}

func (e *TransformElement) make() (command.Invoker, error) {
	t := e.Transform
	return command.InvokerFunc(func(ctx *command.Context, in <-chan any, out chan<- any) error {
		for v := range in {
			r, err := t.Apply(ctx, v)
			if err != nil {
				return err
			}
			if r == nil {
				continue
			}
			if err := ctx.Send(out, r); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func (e *TransformElement) String() string {
	if s, ok := e.Transform.(fmt.Stringer); ok {
		return s.String()
	}
	return "{...}"
}
