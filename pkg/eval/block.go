package eval

import (
	"context"

	"github.com/dop251/goja"
)

// A configuration block. Global variables it creates become options; its
// completion value becomes the arguments.
type configBlock struct {
	prog *goja.Program
}

func newConfigBlock(code string) (*configBlock, error) {
	prog, err := goja.Compile("[block]", code, false)
	if err != nil {
		return nil, err
	}
	return &configBlock{prog}, nil
}

// Eval runs the block in a fresh runtime. Cancelling ctx interrupts it.
func (b *configBlock) Eval(ctx context.Context) (map[string]any, any, error) {
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()
	global := vm.GlobalObject()
	predefined := make(map[string]bool)
	for _, k := range global.Keys() {
		predefined[k] = true
	}
	ret, err := vm.RunProgram(b.prog)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, err
	}
	opts := make(map[string]any)
	var names []string
	for _, k := range global.Keys() {
		if !predefined[k] {
			opts[k] = global.Get(k).Export()
			names = append(names, k)
		}
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return opts, nil, nil
	}
	// Reuse the exported option value when the completion value is the same
	// JavaScript value, so that the two stay identical.
	for _, k := range names {
		if ret.StrictEquals(global.Get(k)) {
			return opts, opts[k], nil
		}
	}
	return opts, ret.Export(), nil
}

// A transform block, run once per value with the value bound to it.
type transformBlock struct {
	code string
	prog *goja.Program
}

func newTransformBlock(code string) (*transformBlock, error) {
	prog, err := goja.Compile("[transform]", code, false)
	if err != nil {
		return nil, err
	}
	return &transformBlock{code, prog}, nil
}

func (t *transformBlock) Apply(ctx context.Context, v any) (any, error) {
	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()
	vm.Set("it", v)
	ret, err := vm.RunProgram(t.prog)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, nil
	}
	return ret.Export(), nil
}

func (t *transformBlock) String() string { return "{" + t.code + "}" }
