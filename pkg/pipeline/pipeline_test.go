package pipeline

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"src.rsh.sh/pkg/command"
)

// A command that writes its sub-command (if any), its options and its
// arguments.
type echoCommand struct{}

func (echoCommand) Description() string { return "echo" }

func (echoCommand) Invoker(sub string, opts map[string]any, args []any) (command.Invoker, error) {
	return command.InvokerFunc(func(ctx *command.Context, in <-chan any, out chan<- any) error {
		if sub != "" {
			out <- "sub:" + sub
		}
		for _, k := range sortedKeys(opts) {
			out <- k + "=" + opts[k].(string)
		}
		for _, arg := range args {
			out <- arg
		}
		return nil
	}), nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

// A command whose invoker fails with a fixed error, or which cannot be
// created at all.
type failCommand struct {
	createErr error
	runErr    error
	created   *int
}

func (failCommand) Description() string { return "fail" }

func (c failCommand) Invoker(string, map[string]any, []any) (command.Invoker, error) {
	if c.created != nil {
		*c.created++
	}
	if c.createErr != nil {
		return nil, c.createErr
	}
	return command.InvokerFunc(func(ctx *command.Context, in <-chan any, out chan<- any) error {
		return c.runErr
	}), nil
}

var upper = TransformFunc(func(_ context.Context, v any) (any, error) {
	return strings.ToUpper(v.(string)), nil
})

type staticBlock struct {
	opts map[string]any
	ret  any
	err  error
}

func (b staticBlock) Eval(context.Context) (map[string]any, any, error) {
	return b.opts, b.ret, b.err
}

func run(t *testing.T, inv command.Invoker) ([]any, error) {
	t.Helper()
	ctx := &command.Context{Context: context.Background()}
	out := make(chan any, 100)
	err := inv.Invoke(ctx, closedChan(), out)
	close(out)
	var values []any
	for v := range out {
		values = append(values, v)
	}
	return values, err
}

func bindAndRun(t *testing.T, p Pipeline, args ...any) []any {
	t.Helper()
	inv, err := p.Bind(args...)
	if err != nil {
		t.Fatalf("Bind -> error %v", err)
	}
	values, err := run(t, inv)
	if err != nil {
		t.Fatalf("Invoke -> error %v", err)
	}
	return values
}

func names(p Pipeline) []string {
	var ns []string
	for _, e := range p.Elements() {
		ns = append(ns, e.String())
	}
	return ns
}

func mustPipe(t *testing.T, p Pipeline, x any) Pipeline {
	t.Helper()
	q, err := p.Pipe(x)
	if err != nil {
		t.Fatalf("Pipe -> error %v", err)
	}
	return q
}

func TestPipe_Associative(t *testing.T) {
	a, b, c := New("a", echoCommand{}), New("b", echoCommand{}), New("c", echoCommand{})
	left := mustPipe(t, mustPipe(t, a, b), c)
	right := mustPipe(t, a, mustPipe(t, b, c))
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, names(left)); diff != "" {
		t.Errorf("(a|b)|c (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, names(right)); diff != "" {
		t.Errorf("a|(b|c) (-want +got):\n%s", diff)
	}
}

func TestPipe_LeavesOperandsUnchanged(t *testing.T) {
	a, b := New("a", echoCommand{}), New("b", echoCommand{})
	ab := mustPipe(t, a, b)
	mustPipe(t, ab, upper)
	if len(a.Elements()) != 1 || len(b.Elements()) != 1 || len(ab.Elements()) != 2 {
		t.Errorf("operands modified: a=%v b=%v ab=%v", a, b, ab)
	}
}

func TestPipe_Unsupported(t *testing.T) {
	a := New("a", echoCommand{})
	for _, x := range []any{"string", 42, nil, (*Pipeline)(nil), Pipeline{}} {
		if _, err := a.Pipe(x); err == nil {
			t.Errorf("Pipe(%#v) -> no error", x)
		}
	}
	if _, err := (Pipeline{}).Pipe(a); err != ErrEmpty {
		t.Errorf("Pipe on empty pipeline -> %v, want ErrEmpty", err)
	}
}

func TestCommandThenTransform(t *testing.T) {
	p := mustPipe(t, New("echo", echoCommand{}), upper)
	got := bindAndRun(t, p, "a", "b", "c")
	if diff := cmp.Diff([]any{"A", "B", "C"}, got); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestTransform_NilDropsValue(t *testing.T) {
	dropB := TransformFunc(func(_ context.Context, v any) (any, error) {
		if v == "b" {
			return nil, nil
		}
		return v, nil
	})
	p := mustPipe(t, New("echo", echoCommand{}), dropB)
	got := bindAndRun(t, p, "a", "b", "c")
	if diff := cmp.Diff([]any{"a", "c"}, got); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestConfigure(t *testing.T) {
	p := New("echo", echoCommand{})
	p1, _ := p.Configure(map[string]any{"a": "1", "b": "1"}, []any{"x", "y"})
	p2, _ := p1.Configure(map[string]any{"b": "2", "c": "2"}, []any{"z"})
	p3, _ := p2.Configure(nil, nil)

	got := bindAndRun(t, p3)
	want := []any{"a=1", "b=2", "c=2", "z"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
	// Earlier pipelines are unaffected.
	got = bindAndRun(t, p1)
	want = []any{"a=1", "b=1", "x", "y"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("p1 output (-want +got):\n%s", diff)
	}
	// Empty argument list clears arguments.
	p4, _ := p1.Configure(nil, []any{})
	got = bindAndRun(t, p4)
	want = []any{"a=1", "b=1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("p4 output (-want +got):\n%s", diff)
	}
}

func TestBind_OptionsAndArguments(t *testing.T) {
	p, _ := New("echo", echoCommand{}).Configure(map[string]any{"a": "1"}, []any{"x"})
	got := bindAndRun(t, p, map[string]any{"a": "2", "b": "2"}, "y", nil, "z")
	want := []any{"a=2", "b=2", "x", "y", "z"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestBind_CreationErrorBindsNothing(t *testing.T) {
	created := 0
	boom := errors.New("boom")
	p := mustPipe(t, New("ok", failCommand{created: &created}),
		New("bad", failCommand{createErr: boom, created: &created}))
	inv, err := p.Bind()
	if inv != nil {
		t.Errorf("Bind -> invoker %v, want nil", inv)
	}
	var ce *command.CreationError
	if !errors.As(err, &ce) || ce.Name != "bad" || !errors.Is(err, boom) {
		t.Errorf("Bind -> error %v, want CreationError for bad", err)
	}
}

func TestInvoke_Errors(t *testing.T) {
	e1, e2 := errors.New("e1"), errors.New("e2")
	one := mustPipe(t, New("a", failCommand{runErr: e1}), New("b", echoCommand{}))
	inv, _ := one.Bind()
	if _, err := run(t, inv); err != e1 {
		t.Errorf("single failing stage -> %v, want e1", err)
	}

	two := mustPipe(t, New("a", failCommand{runErr: e1}), New("b", failCommand{runErr: e2}))
	inv, _ = two.Bind()
	_, err := run(t, inv)
	var pe *PipelineError
	if !errors.As(err, &pe) {
		t.Fatalf("two failing stages -> %v, want *PipelineError", err)
	}
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Errorf("PipelineError %v doesn't wrap both errors", err)
	}
	if got := err.Error(); got != "(e1 | e2)" {
		t.Errorf("PipelineError.Error() -> %q", got)
	}
}

func TestInvoke_PanicBecomesError(t *testing.T) {
	p := mustPipe(t, New("echo", echoCommand{}), TransformFunc(func(context.Context, any) (any, error) {
		panic("oops")
	}))
	inv, _ := p.Bind("a")
	if _, err := run(t, inv); err == nil || !strings.Contains(err.Error(), "oops") {
		t.Errorf("Invoke -> %v, want error mentioning panic", err)
	}
}

func TestMember(t *testing.T) {
	p := New("net", echoCommand{})

	for _, name := range []string{"pipe", "bind", "call", "elements", "string"} {
		v, err := p.Member(name)
		if err != nil || v == nil {
			t.Errorf("Member(%q) -> (%v, %v), want built-in", name, v, err)
		}
	}

	v, err := p.Member("ping")
	sub, ok := v.(Pipeline)
	if err != nil || !ok {
		t.Fatalf("Member(ping) -> (%v, %v), want Pipeline", v, err)
	}
	if diff := cmp.Diff([]any{"sub:ping", "host"}, bindAndRun(t, sub, "host")); diff != "" {
		t.Errorf("sub-command output (-want +got):\n%s", diff)
	}
	if got := sub.String(); got != "net.ping" {
		t.Errorf("sub-command name %q, want net.ping", got)
	}

	// No sub-command of a sub-command, and none on a longer pipeline.
	_, err = sub.Member("again")
	var me *MissingMemberError
	if !errors.As(err, &me) || me.Name != "again" {
		t.Errorf("Member on sub-command -> %v, want MissingMemberError", err)
	}
	long := mustPipe(t, p, upper)
	if _, err := long.Member("ping"); !errors.As(err, &me) {
		t.Errorf("Member on two-element pipeline -> %v, want MissingMemberError", err)
	}
}

func TestMember_BuiltinPipe(t *testing.T) {
	p := New("echo", echoCommand{})
	v, _ := p.Member("pipe")
	q, err := v.(func(any) (Pipeline, error))(upper)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"X"}, bindAndRun(t, q, "x")); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestCall_Block(t *testing.T) {
	shared := map[string]any{"k": "v"}
	tests := []struct {
		name  string
		block staticBlock
		want  []any
	}{
		{"result becomes argument",
			staticBlock{ret: "x"}, []any{"x"}},
		{"list result becomes arguments",
			staticBlock{ret: []any{"x", "y"}}, []any{"x", "y"}},
		{"typed list result becomes arguments",
			staticBlock{ret: []string{"x", "y"}}, []any{"x", "y"}},
		{"nil result gives no arguments",
			staticBlock{opts: map[string]any{"a": "1"}}, []any{"a=1"}},
		{"result identical to an option is not an argument",
			staticBlock{opts: map[string]any{"bar": "juu"}, ret: "juu"}, []any{"bar=juu"}},
		{"result different from options is an argument",
			staticBlock{opts: map[string]any{"bar": "juu"}, ret: "daa"}, []any{"bar=juu", "daa"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			v, err := New("echo", echoCommand{}).Call(test.block)
			if err != nil {
				t.Fatalf("Call -> error %v", err)
			}
			got := bindAndRun(t, v.(Pipeline))
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("output (-want +got):\n%s", diff)
			}
		})
	}

	// Maps are identical only when they are the same map.
	if args := blockArgs(shared, map[string]any{"m": shared}); len(args) != 0 {
		t.Errorf("same map -> args %v, want none", args)
	}
	if args := blockArgs(map[string]any{"k": "v"}, map[string]any{"m": shared}); len(args) != 1 {
		t.Errorf("equal but distinct map -> args %v, want one", args)
	}
}

func TestCall_BlockError(t *testing.T) {
	boom := errors.New("boom")
	if _, err := New("echo", echoCommand{}).Call(staticBlock{err: boom}); err != boom {
		t.Errorf("Call -> %v, want boom", err)
	}
}

// A block that fails with the error of its context.
type ctxBlock struct{}

func (ctxBlock) Eval(ctx context.Context) (map[string]any, any, error) {
	return nil, nil, ctx.Err()
}

func TestCall_BlockSeesBoundContext(t *testing.T) {
	goctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New("echo", echoCommand{}).WithContext(&command.Context{Context: goctx})
	if _, err := p.Call(ctxBlock{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Call with cancelled context -> %v, want context.Canceled", err)
	}
	if _, err := New("echo", echoCommand{}).Call(ctxBlock{}); err != nil {
		t.Errorf("Call without context -> %v, want nil", err)
	}
}

func TestCall_WithoutContextBinds(t *testing.T) {
	v, err := New("echo", echoCommand{}).Call("a")
	inv, ok := v.(*Invoker)
	if err != nil || !ok {
		t.Fatalf("Call -> (%v, %v), want *Invoker", v, err)
	}
	values, _ := run(t, inv)
	if diff := cmp.Diff([]any{"a"}, values); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestCall_WithContextRuns(t *testing.T) {
	out := make(chan any, 10)
	ctx := &command.Context{Context: context.Background(), Output: out}
	p := New("echo", echoCommand{}).WithContext(ctx)
	v, err := p.Call("a", "b")
	if v != nil || err != nil {
		t.Fatalf("Call -> (%v, %v), want (nil, nil)", v, err)
	}
	close(out)
	var got []any
	for v := range out {
		got = append(got, v)
	}
	if diff := cmp.Diff([]any{"a", "b"}, got); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}

	boom := errors.New("boom")
	_, err = New("fail", failCommand{runErr: boom}).WithContext(ctx).Call()
	var re *RuntimeError
	if !errors.As(err, &re) || !errors.Is(err, boom) {
		t.Errorf("Call of failing command -> %v, want RuntimeError wrapping boom", err)
	}
}

func TestNestedInvoker(t *testing.T) {
	inner, _ := mustPipe(t, New("echo", echoCommand{}), upper).Bind("a", "b")
	outer := &Invoker{[]command.Invoker{inner, command.InvokerFunc(
		func(ctx *command.Context, in <-chan any, out chan<- any) error {
			for v := range in {
				out <- v.(string) + "!"
			}
			return nil
		})}}
	got, err := run(t, outer)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]any{"A!", "B!"}, got); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}
