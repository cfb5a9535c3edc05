package shell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"src.rsh.sh/pkg/command"
	"src.rsh.sh/pkg/command/jscmd"
	"src.rsh.sh/pkg/eval"
	"src.rsh.sh/pkg/resource"
	"src.rsh.sh/pkg/testutil"
)

type fakeContext struct {
	mu      sync.Mutex
	out     strings.Builder
	flushed string
	lines   []string
	ended   chan Response
}

func newFakeContext(lines ...string) *fakeContext {
	return &fakeContext{lines: lines, ended: make(chan Response, 2)}
}

func (fc *fakeContext) ReadLine(prompt string, echo bool) (string, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.out.WriteString(prompt)
	if len(fc.lines) == 0 {
		return "", false
	}
	line := fc.lines[0]
	fc.lines = fc.lines[1:]
	return line, true
}

func (*fakeContext) Width() int  { return 80 }
func (*fakeContext) Height() int { return 24 }

func (fc *fakeContext) Write(text string) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.out.WriteString(text)
	return nil
}

func (fc *fakeContext) Flush() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.flushed = fc.out.String()
	return nil
}

func (fc *fakeContext) End(resp Response) { fc.ended <- resp }

func (fc *fakeContext) output() string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.flushed
}

func (fc *fakeContext) wait(t *testing.T) Response {
	t.Helper()
	select {
	case resp := <-fc.ended:
		select {
		case resp2 := <-fc.ended:
			t.Errorf("second response %v", resp2)
		case <-time.After(testutil.Scaled(10 * time.Millisecond)):
		}
		return resp
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("timed out waiting for response")
		panic("unreachable")
	}
}

const (
	echoJS = `function main(ctx, opts, args) {
		for (var i = 0; i < args.length; i++) ctx.emit(args[i]);
	}`
	askJS  = `function main(ctx) { ctx.emit("got " + ctx.readLine("name? ", true)) }`
	spinJS = `function main(ctx) { while (true) {} }`
	whoJS  = `function main(ctx) { ctx.emit(ctx.attr("user")) }`
)

func newSession(t *testing.T, lifecycle map[string]string) (*Session, *resource.Mem) {
	t.Helper()
	mem := &resource.Mem{}
	mem.Put(resource.Command, "echo.js", echoJS)
	mem.Put(resource.Command, "ask.js", askJS)
	mem.Put(resource.Command, "spin.js", spinJS)
	mem.Put(resource.Command, "who.js", whoJS)
	for name, content := range lifecycle {
		mem.Put(resource.Lifecycle, name, content)
	}
	ev := eval.NewEngine(command.NewResolver(mem, jscmd.New()))
	return NewSession(ev, mem, nil), mem
}

func execute(t *testing.T, s Shell, request string, lines ...string) (Response, string) {
	t.Helper()
	p, err := s.CreateProcess(request)
	if err != nil {
		t.Fatalf("CreateProcess -> error %v", err)
	}
	fc := newFakeContext(lines...)
	p.Execute(context.Background(), fc)
	resp := fc.wait(t)
	return resp, fc.output()
}

func TestSession_Responses(t *testing.T) {
	s, _ := newSession(t, nil)
	tests := []struct {
		request string
		kind    Kind
		output  string
	}{
		{"echo a b", OK, "a\nb\n"},
		{"echo a | { it + '!' }", OK, "a!\n"},
		{"ask", OK, "name? got joe\n"},
		{"bye", Close, ""},
		{"  bye ", Close, ""},
		{"   ", NoCommand, ""},
		{"echo |", Error, ""},
		{"nope", Error, ""},
	}
	for _, test := range tests {
		resp, output := execute(t, s, test.request, "joe")
		if resp.Kind != test.kind || output != test.output {
			t.Errorf("%q -> (%v, %q), want (%v, %q)",
				test.request, resp.Kind, output, test.kind, test.output)
		}
		if resp.Kind == Error && (resp.Text == "" || resp.Err == nil) {
			t.Errorf("%q -> error response without text or error", test.request)
		}
	}
}

func TestSession_Cancel(t *testing.T) {
	s, _ := newSession(t, nil)
	p, _ := s.CreateProcess("spin")
	fc := newFakeContext()
	go p.Execute(context.Background(), fc)
	time.Sleep(testutil.Scaled(10 * time.Millisecond))
	p.Cancel()
	if resp := fc.wait(t); resp.Kind != Cancelled {
		t.Errorf("response %v, want cancelled", resp.Kind)
	}

	// Cancelling before execution.
	p, _ = s.CreateProcess("echo a")
	p.Cancel()
	p.Execute(context.Background(), fc)
	if resp := fc.wait(t); resp.Kind != Cancelled {
		t.Errorf("response %v, want cancelled", resp.Kind)
	}
}

func TestSession_CancelConfigBlock(t *testing.T) {
	s, _ := newSession(t, nil)
	as := NewAsyncShell(s, Config{}, nil)
	p, err := as.CreateProcess("echo { while (true) {} }")
	if err != nil {
		t.Fatal(err)
	}
	fc := newFakeContext()
	p.Execute(context.Background(), fc)
	time.Sleep(testutil.Scaled(20 * time.Millisecond))
	p.Cancel()
	if resp := fc.wait(t); resp.Kind != Cancelled {
		t.Errorf("response %v, want cancelled", resp.Kind)
	}

	// The plain session reports the cancellation too.
	sp, _ := s.CreateProcess("echo { while (true) {} }")
	fc = newFakeContext()
	go sp.Execute(context.Background(), fc)
	time.Sleep(testutil.Scaled(20 * time.Millisecond))
	sp.Cancel()
	if resp := fc.wait(t); resp.Kind != Cancelled {
		t.Errorf("response %v, want cancelled", resp.Kind)
	}
}

func TestSession_SpinningLogout(t *testing.T) {
	testutil.Set(t, &LifecycleTimeout, testutil.Scaled(20*time.Millisecond))
	s, _ := newSession(t, map[string]string{
		"logout.js": `function main(ctx) { while (true) {} }`,
	})
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("Close blocked by the logout script")
	}
}

func TestSession_Lifecycle(t *testing.T) {
	s, _ := newSession(t, map[string]string{
		"login.js": `function main(ctx) { ctx.setAttr("user", "joe") }`,
		"welcome":  "hello\n",
		"prompt":   "rsh> \n",
	})
	if got := s.Welcome(); got != "hello\n" {
		t.Errorf("Welcome() -> %q", got)
	}
	if got := s.Prompt(); got != "rsh> " {
		t.Errorf("Prompt() -> %q", got)
	}
	if _, output := execute(t, s, "who"); output != "joe\n" {
		t.Errorf("who -> %q, want joe", output)
	}
	s.Close()
	if names := s.Attrs().Names(); len(names) != 0 {
		t.Errorf("attributes after Close: %v", names)
	}
	if _, err := s.CreateProcess("echo"); err != ErrShellClosed {
		t.Errorf("CreateProcess after Close -> %v", err)
	}
	s.Close()
}

func TestSession_Defaults(t *testing.T) {
	s, _ := newSession(t, nil)
	if s.Welcome() != defaultWelcome || s.Prompt() != defaultPrompt {
		t.Errorf("Welcome, Prompt -> %q, %q", s.Welcome(), s.Prompt())
	}
}

func TestSession_Complete(t *testing.T) {
	s, _ := newSession(t, nil)
	if diff := cmp.Diff([]string{"ask", "echo"}, s.Complete("")[:2]); diff != "" {
		t.Errorf("Complete(\"\") (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"spin"}, s.Complete("sp")); diff != "" {
		t.Errorf("Complete(sp) (-want +got):\n%s", diff)
	}
	if got := s.Complete("echo a"); got != nil {
		t.Errorf("Complete after command -> %v", got)
	}
}

func TestFailed(t *testing.T) {
	resp := Failed(errors.New("plain"))
	if resp.Kind != Error || resp.Text != "plain" {
		t.Errorf("Failed -> %+v", resp)
	}
	resp = Failed(showError{})
	if resp.Text != "shown" {
		t.Errorf("Failed with Show -> %q", resp.Text)
	}
}

type showError struct{}

func (showError) Error() string { return "plain" }
func (showError) Show() string  { return "shown" }

func TestKind_String(t *testing.T) {
	if OK.String() != "ok" || NoCommand.String() != "no-command" || Kind(42).String() != "Kind(42)" {
		t.Errorf("unexpected Kind strings")
	}
}
