// Package jscmd implements commands written in JavaScript, run by goja.
//
// A command script defines one function per sub-command; the function named
// main implements the command itself. A global string named description
// describes the command. Each function is called with three arguments: a
// context object, the options and the arguments of the invocation:
//
//	description = "prints its arguments"
//	function main(ctx, opts, args) {
//		for (var i = 0; i < args.length; i++) ctx.emit(args[i]);
//	}
//
// The context object has the following methods:
//
//   - emit(v) writes v to the next stage.
//   - next() reads the next value from the previous stage, returning
//     undefined when there are no more values.
//   - readLine(prompt, echo) reads a line from the terminal, returning null
//     when there is no input. Echo defaults to true.
//   - width() and height() return the size of the terminal.
//   - attr(name) and setAttr(name, value) access the attributes of the
//     session.
//
// A value returned by the function, other than undefined and null, is also
// written to the next stage.
package jscmd

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dop251/goja"

	"src.rsh.sh/pkg/command"
	"src.rsh.sh/pkg/logutil"
)

var logger = logutil.GetLogger("[jscmd] ")

// Manager is a command.Manager for JavaScript commands.
type Manager struct{}

// New creates a Manager.
func New() *Manager { return &Manager{} }

// Extensions returns "js".
func (*Manager) Extensions() []string { return []string{"js"} }

// ErrResolveTimeout is returned when the top-level code of a script runs for
// longer than ResolveTimeout.
var ErrResolveTimeout = errors.New("script took too long to load")

// ResolveTimeout bounds the time the top-level code of a script may run when
// it is resolved.
var ResolveTimeout = 5 * time.Second

// ResolveCommand compiles the script and runs it once to find the functions
// it defines. A script that defines no functions is not a command.
func (*Manager) ResolveCommand(name string, source []byte) (*command.Resolution, error) {
	prog, err := goja.Compile(name+".js", string(source), false)
	if err != nil {
		return nil, err
	}
	vm := newRuntime()
	timer := time.AfterFunc(ResolveTimeout, func() { vm.Interrupt(ErrResolveTimeout) })
	_, err = vm.RunProgram(prog)
	timer.Stop()
	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, fmt.Errorf("%s: %w", name, ErrResolveTimeout)
		}
		return nil, err
	}
	var funcs []string
	global := vm.GlobalObject()
	for _, key := range global.Keys() {
		if _, ok := goja.AssertFunction(global.Get(key)); ok {
			funcs = append(funcs, key)
		}
	}
	if len(funcs) == 0 {
		return nil, nil
	}
	slices.Sort(funcs)
	var desc string
	if v := vm.Get("description"); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
		desc = v.String()
	}
	cmd := &Command{name, prog, desc, funcs}
	return &command.Resolution{Name: name, Description: desc, Command: cmd}, nil
}

// Command is a compiled JavaScript command.
type Command struct {
	name        string
	prog        *goja.Program
	description string
	funcs       []string
}

// Description returns the value of the script's description global.
func (c *Command) Description() string { return c.description }

// Functions returns the sorted names of the functions the script defines.
func (c *Command) Functions() []string { return slices.Clone(c.funcs) }

// Invoker returns an invoker for the main function, or the function named
// by sub.
func (c *Command) Invoker(sub string, opts map[string]any, args []any) (command.Invoker, error) {
	fn := "main"
	if sub != "" {
		fn = sub
	}
	if !slices.Contains(c.funcs, fn) {
		return nil, fmt.Errorf("%s doesn't define function %s", c.name, fn)
	}
	return &invoker{c, fn, opts, args}, nil
}

type invoker struct {
	cmd  *Command
	fn   string
	opts map[string]any
	args []any
}

// Invoke runs the function in a fresh runtime. Cancelling ctx interrupts the
// script.
func (inv *invoker) Invoke(ctx *command.Context, in <-chan any, out chan<- any) error {
	vm := newRuntime()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	err := func() error {
		if _, err := vm.RunProgram(inv.cmd.prog); err != nil {
			return err
		}
		fn, ok := goja.AssertFunction(vm.Get(inv.fn))
		if !ok {
			return fmt.Errorf("%s is not a function", inv.fn)
		}
		opts := inv.opts
		if opts == nil {
			opts = map[string]any{}
		}
		args := inv.args
		if args == nil {
			args = []any{}
		}
		ret, err := fn(goja.Undefined(), newContextObject(vm, ctx, in, out),
			vm.ToValue(opts), vm.ToValue(args))
		if err != nil {
			return err
		}
		if ret != nil && !goja.IsUndefined(ret) && !goja.IsNull(ret) {
			return ctx.Send(out, ret.Export())
		}
		return nil
	}()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		return fmt.Errorf("%s interrupted: %v", inv.cmd.name, ie.Value())
	}
	return err
}

func newContextObject(vm *goja.Runtime, ctx *command.Context, in <-chan any, out chan<- any) *goja.Object {
	o := vm.NewObject()
	o.Set("emit", func(v goja.Value) {
		if err := ctx.Send(out, v.Export()); err != nil {
			panic(vm.NewGoError(err))
		}
	})
	o.Set("next", func() goja.Value {
		select {
		case v, ok := <-in:
			if !ok {
				return goja.Undefined()
			}
			return vm.ToValue(v)
		case <-ctx.Done():
			panic(vm.NewGoError(ctx.Err()))
		}
	})
	o.Set("readLine", func(call goja.FunctionCall) goja.Value {
		if ctx.IO == nil {
			return goja.Null()
		}
		echo := true
		if e := call.Argument(1); !goja.IsUndefined(e) {
			echo = e.ToBoolean()
		}
		var prompt string
		if p := call.Argument(0); !goja.IsUndefined(p) && !goja.IsNull(p) {
			prompt = p.String()
		}
		line, ok := ctx.IO.ReadLine(prompt, echo)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(line)
	})
	o.Set("width", func() int {
		if ctx.IO == nil {
			return 0
		}
		return ctx.IO.Width()
	})
	o.Set("height", func() int {
		if ctx.IO == nil {
			return 0
		}
		return ctx.IO.Height()
	})
	o.Set("attr", func(name string) goja.Value {
		if ctx.Attrs == nil {
			return goja.Undefined()
		}
		v, ok := ctx.Attrs.Get(name)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	o.Set("setAttr", func(name string, v goja.Value) {
		if ctx.Attrs == nil {
			return
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			ctx.Attrs.Delete(name)
		} else {
			ctx.Attrs.Set(name, v.Export())
		}
	})
	return o
}

func newRuntime() *goja.Runtime {
	vm := goja.New()
	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		logger.Debugln(args...)
		return goja.Undefined()
	})
	vm.Set("console", console)
	return vm
}
