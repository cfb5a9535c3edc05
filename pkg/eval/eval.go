// Package eval turns parsed requests into bound pipelines and runs them.
package eval

import (
	"context"
	"errors"
	"slices"

	"src.rsh.sh/pkg/command"
	"src.rsh.sh/pkg/logutil"
	"src.rsh.sh/pkg/parse"
	"src.rsh.sh/pkg/pipeline"
	"src.rsh.sh/pkg/resource"
)

var logger = logutil.GetLogger("[eval] ")

// ErrNoCommand is returned when creating the commands of a blank request.
var ErrNoCommand = errors.New("no command")

// Engine evaluates requests using commands found by a resolver.
type Engine struct {
	resolver *command.Resolver
}

// NewEngine creates an Engine.
func NewEngine(r *command.Resolver) *Engine {
	return &Engine{r}
}

// Resolver returns the resolver used by the engine.
func (ev *Engine) Resolver() *command.Resolver { return ev.resolver }

// Expr is a parsed request.
type Expr struct {
	ev      *Engine
	chunk   *parse.Chunk
	invoker *pipeline.Invoker
}

// Parse parses a request. Errors are of type *parse.Error.
func (ev *Engine) Parse(request string) (*Expr, error) {
	chunk, err := parse.Parse("[request]", request)
	if err != nil {
		return nil, err
	}
	return &Expr{ev: ev, chunk: chunk}, nil
}

// Empty reports whether the request contains no command.
func (x *Expr) Empty() bool { return len(x.chunk.Forms) == 0 }

// Source returns the text of the request.
func (x *Expr) Source() string { return x.chunk.Source }

// CreateCommands resolves the commands of the request, builds the pipeline
// and binds it. Configuration blocks are run at this point, and cancelling
// ctx interrupts them. Failures are returned as *command.CreationError.
func (x *Expr) CreateCommands(ctx context.Context) error {
	if x.Empty() {
		return ErrNoCommand
	}
	var p pipeline.Pipeline
	for i, f := range x.chunk.Forms {
		if f.Head == nil {
			t, err := newTransformBlock(f.Block.Code)
			if err != nil {
				return &command.CreationError{Name: "{...}", Err: err}
			}
			if p, err = p.Pipe(t); err != nil {
				return &command.CreationError{Name: "{...}", Err: err}
			}
			continue
		}
		q, err := x.ev.form(ctx, f)
		if err != nil {
			return err
		}
		if i == 0 {
			p = q
		} else if p, err = p.Pipe(q); err != nil {
			return &command.CreationError{Name: f.Head.String(), Err: err}
		}
	}
	inv, err := p.Bind()
	if err != nil {
		return err
	}
	logger.Debugw("bound pipeline", "request", x.chunk.Source, "stages", inv.Len())
	x.invoker = inv
	return nil
}

// Builds the single-command pipeline for a headed form.
func (ev *Engine) form(ctx context.Context, f *parse.Form) (pipeline.Pipeline, error) {
	name := f.Head.Name()
	res, err := ev.resolver.Resolve(name)
	if err != nil {
		return pipeline.Pipeline{}, err
	}
	if res == nil {
		return pipeline.Pipeline{}, &command.CreationError{Name: name, Err: resource.ErrNotFound}
	}
	p := pipeline.New(name, res.Command)
	for _, sub := range f.Head.Path[1:] {
		q, ok := p.Sub(sub)
		if !ok {
			return pipeline.Pipeline{}, &command.CreationError{
				Name: f.Head.String(), Err: &pipeline.MissingMemberError{Name: sub}}
		}
		p = q
	}

	opts := make(map[string]any, len(f.Options))
	for _, opt := range f.Options {
		if opt.Value == nil {
			opts[opt.Name] = true
		} else {
			opts[opt.Name] = opt.Value.Value
		}
	}
	args := make([]any, len(f.Args))
	for i, arg := range f.Args {
		args[i] = arg.Value
	}

	if f.Block == nil {
		return p.Configure(opts, args)
	}
	b, err := newConfigBlock(f.Block.Code)
	if err != nil {
		return pipeline.Pipeline{}, &command.CreationError{Name: f.Head.String(), Err: err}
	}
	v, err := p.WithContext(&command.Context{Context: ctx}).
		Call(slices.Concat([]any{opts}, args, []any{b})...)
	if err != nil {
		return pipeline.Pipeline{}, &command.CreationError{Name: f.Head.String(), Err: err}
	}
	return v.(pipeline.Pipeline).WithContext(nil), nil
}

// Execute runs the bound pipeline. The values written by the last stage are
// sent to ctx.Output. CreateCommands must have succeeded before.
func (x *Expr) Execute(ctx *command.Context) error {
	if x.invoker == nil {
		return ErrNoCommand
	}
	in := make(chan any)
	close(in)
	return x.invoker.Invoke(ctx, in, ctx.Output)
}
