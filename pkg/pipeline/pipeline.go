// Package pipeline implements the immutable pipeline values that requests are
// evaluated into, and the machinery that binds and runs them.
//
// A Pipeline is an ordered list of elements whose first element is always a
// command. Every operation on a Pipeline returns a new Pipeline and leaves the
// receiver and its elements unchanged, so partially configured pipelines can
// be shared freely.
package pipeline

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"strings"

	"src.rsh.sh/pkg/command"
)

// Pipeline is an immutable sequence of elements. The zero value is an empty
// pipeline, on which most operations fail with ErrEmpty.
type Pipeline struct {
	ctx   *command.Context
	elems []Element
}

// New creates a single-command pipeline.
func New(name string, cmd command.Command) Pipeline {
	return Pipeline{elems: []Element{&CommandElement{Name: name, Command: cmd}}}
}

// Elements returns a copy of the elements of the pipeline.
func (p Pipeline) Elements() []Element { return slices.Clone(p.elems) }

// Context returns the invocation context bound to the pipeline, or nil.
func (p Pipeline) Context() *command.Context { return p.ctx }

// WithContext returns a copy of the pipeline bound to an invocation context.
func (p Pipeline) WithContext(ctx *command.Context) Pipeline {
	return Pipeline{ctx, p.elems}
}

func (p Pipeline) String() string {
	parts := make([]string, len(p.elems))
	for i, e := range p.elems {
		parts[i] = e.String()
	}
	return strings.Join(parts, " | ")
}

// Pipe returns the pipeline followed by x. If x is a Pipeline, its elements
// are appended in order; if it is a Transform, it becomes a new final stage.
// The result keeps the context of p.
func (p Pipeline) Pipe(x any) (Pipeline, error) {
	if len(p.elems) == 0 {
		return Pipeline{}, ErrEmpty
	}
	switch x := x.(type) {
	case Pipeline:
		if len(x.elems) == 0 {
			return Pipeline{}, ErrEmpty
		}
		return p.with(x.elems...), nil
	case *Pipeline:
		if x == nil {
			return Pipeline{}, ErrUnsupported
		}
		return p.Pipe(*x)
	case Transform:
		return p.with(&TransformElement{x}), nil
	default:
		return Pipeline{}, ErrUnsupported
	}
}

func (p Pipeline) with(elems ...Element) Pipeline {
	combined := make([]Element, 0, len(p.elems)+len(elems))
	combined = append(combined, p.elems...)
	combined = append(combined, elems...)
	return Pipeline{p.ctx, combined}
}

// Sub selects a sub-command. It only succeeds on a pipeline that consists of
// exactly one command without a sub-command; the result has no options and
// no arguments.
func (p Pipeline) Sub(name string) (Pipeline, bool) {
	if len(p.elems) != 1 || name == "" {
		return Pipeline{}, false
	}
	e, ok := p.elems[0].(*CommandElement)
	if !ok || e.Sub != "" {
		return Pipeline{}, false
	}
	return Pipeline{p.ctx, []Element{&CommandElement{
		Name: e.Name + "." + name, Command: e.Command, Sub: name}}}, true
}

var builtinMembers = map[string]func(p Pipeline) any{
	"pipe":     func(p Pipeline) any { return p.Pipe },
	"bind":     func(p Pipeline) any { return p.Bind },
	"call":     func(p Pipeline) any { return p.Call },
	"elements": func(p Pipeline) any { return p.Elements },
	"string":   func(p Pipeline) any { return p.String },
}

// Member looks up a member of the pipeline. Built-in operations take
// precedence; otherwise the name selects a sub-command. When neither applies,
// a *MissingMemberError is returned.
func (p Pipeline) Member(name string) (any, error) {
	if f, ok := builtinMembers[name]; ok {
		return f(p), nil
	}
	if sub, ok := p.Sub(name); ok {
		return sub, nil
	}
	return nil, &MissingMemberError{name}
}

// Configure returns a copy of the pipeline with the first command
// reconfigured. Options are merged key by key over the existing ones, with
// the new values winning; a nil or empty map keeps the existing options.
// Arguments replace the existing ones entirely, unless args is nil.
func (p Pipeline) Configure(opts map[string]any, args []any) (Pipeline, error) {
	first, err := p.first()
	if err != nil {
		return Pipeline{}, err
	}
	e := *first
	if len(opts) > 0 {
		e.Options = mergeOptions(first.Options, opts)
	}
	if args != nil {
		e.Args = slices.Clone(args)
	}
	elems := slices.Clone(p.elems)
	elems[0] = &e
	return Pipeline{p.ctx, elems}, nil
}

// Block is a deferred configuration: evaluating it yields the options it
// assigned and a result value. Cancelling ctx stops the evaluation.
type Block interface {
	Eval(ctx context.Context) (opts map[string]any, ret any, err error)
}

// Call invokes the pipeline as a function.
//
// When the last argument is a Block, the call configures the pipeline rather
// than running it: the block is evaluated against the bound context, or
// context.Background() without one, its options are merged in and its
// result becomes the positional arguments, and the reconfigured Pipeline is
// returned. Arguments before the block are applied first the same way Bind
// applies them.
//
// Otherwise the pipeline is bound with the arguments. If a context is bound,
// the pipeline is run against it and its output is sent to the context's
// Output; any failure is returned as a *RuntimeError. Without a context the
// bound *Invoker is returned.
func (p Pipeline) Call(args ...any) (any, error) {
	if n := len(args); n > 0 {
		if b, ok := args[n-1].(Block); ok {
			return p.callBlock(args[:n-1], b)
		}
	}
	inv, err := p.Bind(args...)
	if p.ctx == nil {
		if err != nil {
			return nil, err
		}
		return inv, nil
	}
	if err == nil {
		err = inv.Invoke(p.ctx, closedChan(), p.ctx.Output)
	}
	if err != nil {
		return nil, &RuntimeError{err}
	}
	return nil, nil
}

func (p Pipeline) callBlock(args []any, b Block) (Pipeline, error) {
	opts, explicit := splitArgs(args)
	q, err := p.Configure(opts, nil)
	if err != nil {
		return Pipeline{}, err
	}
	var ctx context.Context = context.Background()
	if p.ctx != nil && p.ctx.Context != nil {
		ctx = p.ctx
	}
	blockOpts, ret, err := b.Eval(ctx)
	if err != nil {
		return Pipeline{}, err
	}
	return q.Configure(blockOpts, append(explicit, blockArgs(ret, blockOpts)...))
}

// Turns the result of a configuration block into positional arguments.
func blockArgs(ret any, opts map[string]any) []any {
	if ret == nil {
		return []any{}
	}
	if s, ok := ret.([]any); ok {
		return slices.Clone(s)
	}
	if rv := reflect.ValueOf(ret); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		args := make([]any, rv.Len())
		for i := range args {
			args[i] = rv.Index(i).Interface()
		}
		return args
	}
	// A block whose last statement is an option assignment evaluates to the
	// assigned value; that value is an option, not an argument.
	for _, v := range opts {
		if identical(v, ret) {
			return []any{}
		}
	}
	return []any{ret}
}

// Reports whether a and b are the same value: the same reference for maps,
// slices, pointers, functions and channels, equal for other comparable
// values.
func identical(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	return va.Comparable() && va.Equal(vb)
}

// Bind materialises the pipeline into an *Invoker. A leading
// map[string]any argument is merged into the options of the first command;
// the remaining non-nil arguments are appended to its arguments. If any
// stage cannot be created, a *command.CreationError is returned and nothing
// is bound.
func (p Pipeline) Bind(args ...any) (*Invoker, error) {
	first, err := p.first()
	if err != nil {
		return nil, err
	}
	e := *first
	if len(args) > 0 {
		opts, rest := splitArgs(args)
		if len(opts) > 0 {
			e.Options = mergeOptions(first.Options, opts)
		}
		if len(rest) > 0 {
			e.Args = append(slices.Clone(first.Args), rest...)
		}
	}
	stages := make([]command.Invoker, len(p.elems))
	for i, elem := range p.elems {
		if i == 0 {
			elem = &e
		}
		stage, err := elem.make()
		if err != nil {
			return nil, err
		}
		stages[i] = stage
	}
	return &Invoker{stages}, nil
}

func (p Pipeline) first() (*CommandElement, error) {
	if len(p.elems) == 0 {
		return nil, ErrEmpty
	}
	e, ok := p.elems[0].(*CommandElement)
	if !ok {
		return nil, ErrUnsupported
	}
	return e, nil
}

// Splits call arguments into a leading options map and the non-nil
// positional arguments that follow it.
func splitArgs(args []any) (map[string]any, []any) {
	var opts map[string]any
	if len(args) > 0 {
		if m, ok := args[0].(map[string]any); ok {
			opts = m
			args = args[1:]
		}
	}
	rest := make([]any, 0, len(args))
	for _, arg := range args {
		if arg != nil {
			rest = append(rest, arg)
		}
	}
	return opts, rest
}

func mergeOptions(base, over map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(over))
	maps.Copy(merged, base)
	maps.Copy(merged, over)
	return merged
}
