package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"src.rsh.sh/pkg/shell"
	"src.rsh.sh/pkg/term"
	"src.rsh.sh/pkg/testutil"
)

// A transport whose input is fed by the test, one read step at a time.
type fakeTransport struct {
	steps  chan []term.Event
	closed chan struct{}

	mu     sync.Mutex
	out    strings.Builder
	echoes []bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{steps: make(chan []term.Event, 16), closed: make(chan struct{})}
}

func (ft *fakeTransport) feed(events ...term.Event) { ft.steps <- events }

func (ft *fakeTransport) ReadStep() ([]term.Event, error) {
	select {
	case events := <-ft.steps:
		return events, nil
	case <-ft.closed:
		return nil, io.EOF
	}
}

func (ft *fakeTransport) Write(text string) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.out.WriteString(text)
	return nil
}

func (ft *fakeTransport) SetEcho(on bool) error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.echoes = append(ft.echoes, on)
	return nil
}

func (*fakeTransport) Flush() error                  { return nil }
func (*fakeTransport) Width() int                    { return 80 }
func (*fakeTransport) Height() int                   { return 24 }
func (*fakeTransport) TakeAlternateBuffer() error    { return nil }
func (*fakeTransport) ReleaseAlternateBuffer() error { return nil }
func (*fakeTransport) Close() error                  { return nil }

func (ft *fakeTransport) output() string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.out.String()
}

// A shell whose processes interpret simple requests:
//
//   - "echo TEXT" writes TEXT.
//   - "ask" reads a line without echo and writes it.
//   - "block" waits until cancelled, or released through the release channel.
//   - "race" waits for a value on the proceed channel and responds OK even if
//     cancelled.
//   - "fail" fails.
//   - "bye" closes the session.
type fakeShell struct {
	release chan struct{}
	proceed chan struct{}
	started chan string
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		release: make(chan struct{}), proceed: make(chan struct{}), started: make(chan string, 16)}
}

func (*fakeShell) Welcome() string { return "welcome\n" }
func (*fakeShell) Prompt() string  { return "% " }
func (*fakeShell) Close()          {}

func (*fakeShell) Complete(prefix string) []string {
	return []string{prefix + "1", prefix + "2"}
}

func (fs *fakeShell) CreateProcess(request string) (shell.Process, error) {
	return &fakeProcess{fs, request}, nil
}

type fakeProcess struct {
	fs      *fakeShell
	request string
}

func (fp *fakeProcess) Execute(ctx context.Context, pc shell.ProcessContext) {
	n := fp.fs.active.Add(1)
	defer fp.fs.active.Add(-1)
	for {
		m := fp.fs.maxSeen.Load()
		if n <= m || fp.fs.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	fp.fs.started <- fp.request

	switch req := fp.request; {
	case strings.HasPrefix(req, "echo "):
		pc.Write(strings.TrimPrefix(req, "echo ") + "\n")
		pc.End(shell.Respond(shell.OK))
	case req == "ask":
		line, ok := pc.ReadLine("? ", false)
		if !ok {
			pc.End(shell.Failed(errors.New("no input")))
			return
		}
		pc.Write("got " + line + "\n")
		pc.End(shell.Respond(shell.OK))
	case req == "block":
		select {
		case <-ctx.Done():
			pc.End(shell.Respond(shell.Cancelled))
		case <-fp.fs.release:
			pc.End(shell.Respond(shell.OK))
		}
	case req == "race":
		<-fp.fs.proceed
		pc.End(shell.Respond(shell.OK))
	case req == "fail":
		pc.End(shell.Failed(errors.New("boom")))
	case req == "bye":
		pc.End(shell.Respond(shell.Close))
	default:
		pc.End(shell.Failed(errors.New("unknown request " + req)))
	}
}

func (*fakeProcess) Cancel() {}

type fixture struct {
	t         *testing.T
	transport *fakeTransport
	shell     *fakeShell
	async     *shell.AsyncShell
	p         *Processor
	teardowns atomic.Int32
	ran       chan struct{}
}

func setup(t *testing.T) *fixture {
	f := &fixture{t: t, transport: newFakeTransport(), shell: newFakeShell(), ran: make(chan struct{})}
	f.async = shell.NewAsyncShell(f.shell, shell.Config{}, nil)
	f.p = New(f.async, f.transport, func() {
		f.teardowns.Add(1)
		f.async.Close()
	})
	go func() {
		f.p.Run()
		close(f.ran)
	}()
	t.Cleanup(func() {
		close(f.transport.closed)
		select {
		case <-f.ran:
		case <-time.After(testutil.Scaled(5 * time.Second)):
			t.Error("Run didn't return")
		}
	})
	return f
}

// Waits until the output satisfies the predicate.
func (f *fixture) waitOutput(desc string, pred func(string) bool) {
	f.t.Helper()
	deadline := time.Now().Add(testutil.Scaled(5 * time.Second))
	for !pred(f.transport.output()) {
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for output to %s; output is %q", desc, f.transport.output())
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitOutputSuffix(suffix string) {
	f.t.Helper()
	f.waitOutput("end with "+suffix, func(s string) bool { return strings.HasSuffix(s, suffix) })
}

func (f *fixture) waitState(want State) {
	f.t.Helper()
	deadline := time.Now().Add(testutil.Scaled(5 * time.Second))
	for f.p.State() != want {
		if time.Now().After(deadline) {
			f.t.Fatalf("timed out waiting for state %v; state is %v", want, f.p.State())
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fixture) waitStarted(want string) {
	f.t.Helper()
	select {
	case got := <-f.shell.started:
		if got != want {
			f.t.Errorf("started %q, want %q", got, want)
		}
	case <-time.After(testutil.Scaled(5 * time.Second)):
		f.t.Fatalf("timed out waiting for %q to start", want)
	}
}

func TestProcessor_RunsLines(t *testing.T) {
	f := setup(t)
	f.waitOutputSuffix("welcome\n% ")
	f.transport.feed(term.LineEvent{Line: "echo hello"})
	f.waitOutputSuffix("hello\n% ")
	if f.p.State() != Available {
		t.Errorf("state %v, want available", f.p.State())
	}
}

func TestProcessor_QueuesLinesWhileProcessing(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "block"}, term.LineEvent{Line: "echo 1"}, term.LineEvent{Line: "echo 2"})
	f.waitStarted("block")
	if f.p.State() != Processing {
		t.Errorf("state %v, want processing", f.p.State())
	}
	close(f.shell.release)
	f.waitStarted("echo 1")
	f.waitStarted("echo 2")
	// Queued requests run back to back, without a prompt in between.
	f.waitOutputSuffix("1\n2\n% ")
	if n := f.shell.maxSeen.Load(); n != 1 {
		t.Errorf("%d processes ran at the same time, want 1", n)
	}
}

func TestProcessor_OneProcessAtATimeUnderLoad(t *testing.T) {
	f := setup(t)
	f.waitOutputSuffix("% ")
	const writers, lines = 8, 50
	// Drain the start notifications so that processes don't block on them.
	stopDrain := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			select {
			case <-f.shell.started:
			case <-stopDrain:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range lines {
				if err := f.p.Submit(fmt.Sprintf("echo %d-%d", w, i)); err != nil {
					t.Errorf("Submit -> %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	f.waitOutput("show all the output", func(s string) bool {
		return strings.Count(s, "\n") == 1+writers*lines && strings.HasSuffix(s, "% ")
	})
	f.waitState(Available)
	close(stopDrain)
	<-drained

	if n := f.shell.maxSeen.Load(); n != 1 {
		t.Errorf("%d processes ran at the same time, want 1", n)
	}
	out := f.transport.output()
	for w := range writers {
		// Lines of one writer run in the order they were submitted.
		last := -1
		for i := range lines {
			idx := strings.Index(out, fmt.Sprintf("%d-%d\n", w, i))
			if idx < 0 || idx < last {
				t.Fatalf("output of %d-%d missing or out of order", w, i)
			}
			last = idx
		}
	}
}

func TestProcessor_InterruptRacesEnd(t *testing.T) {
	f := setup(t)
	f.waitOutputSuffix("% ")
	for i := range 200 {
		before := len(f.transport.output())
		if err := f.p.Submit("race"); err != nil {
			t.Fatal(err)
		}
		f.waitStarted("race")

		go func() { f.shell.proceed <- struct{}{} }()
		f.p.interrupt()
		// Served whether the interrupt found the process running or not.
		queued := fmt.Sprintf("echo served %d", i)
		if err := f.p.Submit(queued); err != nil {
			t.Fatal(err)
		}
		f.waitStarted(queued)
		f.waitOutputSuffix(fmt.Sprintf("served %d\n%% ", i))
		f.waitState(Available)

		if out := f.transport.output()[before:]; strings.Contains(out, "% % ") {
			t.Fatalf("iteration %d: doubled prompt in %q", i, out)
		}
	}
}

func TestProcessor_BlankLineReprompts(t *testing.T) {
	f := setup(t)
	f.waitOutputSuffix("% ")
	f.transport.feed(term.LineEvent{Line: "  "})
	f.waitOutputSuffix("% % ")
}

func TestProcessor_LineContinuation(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: `echo a\`})
	f.waitOutputSuffix("% " + continuationPrompt)
	f.transport.feed(term.LineEvent{Line: "b"})
	f.waitOutputSuffix("a\nb\n% ")
}

func TestProcessor_Interrupt(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "block"}, term.LineEvent{Line: "echo queued"})
	f.waitStarted("block")
	f.transport.feed(term.InterruptEvent{})
	f.waitState(Available)
	f.waitOutput("show the prompt again", func(s string) bool { return s == "welcome\n% % " })

	// The queued line was discarded.
	select {
	case req := <-f.shell.started:
		t.Errorf("%q started after interrupt", req)
	case <-time.After(testutil.Scaled(20 * time.Millisecond)):
	}
	if strings.Contains(f.transport.output(), "queued") {
		t.Errorf("output of a discarded line: %q", f.transport.output())
	}

	// Interrupting when available redisplays the prompt.
	before := f.transport.output()
	f.transport.feed(term.InterruptEvent{})
	f.waitOutput("show another prompt", func(s string) bool { return s == before+"\n% " })
}

func TestProcessor_ReadLine(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "ask"})
	f.waitStarted("ask")
	f.waitOutputSuffix("? ")
	f.transport.feed(term.LineEvent{Line: "joe"})
	// A newline follows the line read without echo.
	f.waitOutputSuffix("? \ngot joe\n% ")

	f.transport.mu.Lock()
	echoes := f.transport.echoes
	f.transport.mu.Unlock()
	if len(echoes) != 2 || echoes[0] || !echoes[1] {
		t.Errorf("echo changes %v, want [false true]", echoes)
	}
}

func TestProcessor_ReadLineTypedAhead(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "block"},
		term.LineEvent{Line: "ask"}, term.LineEvent{Line: "joe"})
	f.waitStarted("block")
	close(f.shell.release)
	f.waitStarted("ask")
	f.waitOutputSuffix("? got joe\n% ")

	// The line was already there: echo is left alone.
	f.transport.mu.Lock()
	echoes := f.transport.echoes
	f.transport.mu.Unlock()
	if len(echoes) != 0 {
		t.Errorf("echo changes %v, want none", echoes)
	}
}

func TestProcessor_ReadLineNoInput(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "ask"})
	f.waitOutputSuffix("? ")
	// Whichever of the main loop and ReadLine reads the first key, ReadLine
	// has done its own read step after the second one.
	f.transport.feed(term.KeyEvent{Key: 'x'})
	f.transport.feed(term.KeyEvent{Key: 'y'})
	f.waitOutputSuffix("no input\n% ")
}

func TestProcessor_ErrorResponse(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "fail"})
	f.waitOutputSuffix("boom\n% ")
}

func TestProcessor_Complete(t *testing.T) {
	f := setup(t)
	f.waitOutputSuffix("% ")
	f.transport.feed(term.CompleteEvent{Prefix: "ec"})
	f.waitOutputSuffix("\nec1 ec2\n% ")
}

func TestProcessor_Bye(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "bye"}, term.LineEvent{Line: "echo late"})
	select {
	case <-f.ran:
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("Run didn't return after bye")
	}
	if f.p.State() != Closed {
		t.Errorf("state %v, want closed", f.p.State())
	}
	if err := f.p.Submit("echo x"); err != ErrClosed {
		t.Errorf("Submit after close -> %v, want ErrClosed", err)
	}
	if n := f.teardowns.Load(); n != 1 {
		t.Errorf("teardown ran %d times, want 1", n)
	}
	if strings.Contains(f.transport.output(), "late") {
		t.Errorf("line after bye was run")
	}
}

func TestProcessor_CloseWhileProcessing(t *testing.T) {
	f := setup(t)
	f.transport.feed(term.LineEvent{Line: "block"})
	f.waitStarted("block")
	f.transport.feed(term.CloseEvent{})
	select {
	case <-f.p.Done():
	case <-time.After(testutil.Scaled(5 * time.Second)):
		t.Fatal("not closed")
	}
	// The cancelled process responds after the close; the response is
	// dropped and the teardown doesn't run again.
	time.Sleep(testutil.Scaled(20 * time.Millisecond))
	if n := f.teardowns.Load(); n != 1 {
		t.Errorf("teardown ran %d times, want 1", n)
	}
	if f.async.Live() != 0 {
		t.Errorf("%d live processes after close", f.async.Live())
	}
}

func TestProcessor_Submit(t *testing.T) {
	f := setup(t)
	if err := f.p.Submit("echo submitted"); err != nil {
		t.Fatal(err)
	}
	f.waitOutputSuffix("submitted\n% ")
}

func TestProcessor_EndWhileAvailablePanics(t *testing.T) {
	p := New(newFakeShell(), newFakeTransport(), nil)
	if r := testutil.Recover(func() { p.End(shell.Respond(shell.OK)) }); r == nil {
		t.Errorf("End while available didn't panic")
	}
}

func TestState_String(t *testing.T) {
	if Cancelling.String() != "cancelling" || State(9).String() != "State(9)" {
		t.Errorf("unexpected State strings")
	}
}
