// Package processor implements the terminal processor, which connects a
// shell to a terminal transport for the lifetime of a session.
//
// The processor reads events from the transport, turns submitted lines into
// processes, and runs them one at a time. Lines submitted while a process is
// running are queued and served in order when it ends. A running process can
// read a line from the terminal through the processor, which acts as the
// process's shell.ProcessContext.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"src.rsh.sh/pkg/logutil"
	"src.rsh.sh/pkg/shell"
	"src.rsh.sh/pkg/term"
)

var logger = logutil.GetLogger("[processor] ")

// ErrClosed is returned when submitting a request to a closed processor.
var ErrClosed = errors.New("processor is closed")

// State is the state of a Processor.
type State int

// Possible values of State.
const (
	// Available means no process is running and the prompt is displayed.
	Available State = iota
	// Processing means a process is running.
	Processing
	// Cancelling means the running process has been asked to stop.
	Cancelling
	// Closed means the session is over.
	Closed
)

var stateNames = [...]string{"available", "processing", "cancelling", "closed"}

func (s State) String() string {
	if 0 <= s && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const continuationPrompt = "> "

// Processor runs the session of one terminal.
type Processor struct {
	shell     shell.Shell
	transport term.Transport
	teardown  func()
	done      chan struct{}
	closeOnce sync.Once

	// Guards all fields below.
	mu   sync.Mutex
	cond *sync.Cond
	// Signaled whenever any field below changes.
	state   State
	queue   []term.Event
	current shell.Process
	// Text of lines continued with a trailing backslash.
	continued strings.Builder
	// Whether some goroutine is in a read step of the transport.
	reading bool
	// Whether a process is waiting for a line in ReadLine.
	awaiting bool
}

// New creates a Processor. The teardown function is called exactly once
// when the session is closed, either by the shell or by the terminal.
func New(sh shell.Shell, t term.Transport, teardown func()) *Processor {
	p := &Processor{shell: sh, transport: t, teardown: teardown, done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// State returns the current state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done returns a channel that is closed when the session is closed.
func (p *Processor) Done() <-chan struct{} { return p.done }

// Run shows the welcome text and the prompt, and processes input from the
// transport until the session is closed.
func (p *Processor) Run() {
	p.writeBestEffort(p.shell.Welcome())
	p.prompt()
	go p.readLoop()
	<-p.done
}

func (p *Processor) readLoop() {
	for {
		p.mu.Lock()
		for (p.reading || p.awaiting) && p.state != Closed {
			p.cond.Wait()
		}
		if p.state == Closed {
			p.mu.Unlock()
			return
		}
		p.reading = true
		p.mu.Unlock()

		p.readStep()
	}
}

// Drives one read step of the transport and dispatches the events it
// produced. The events are dispatched before the transport is released, so
// that a goroutine waiting to read sees them first.
func (p *Processor) readStep() {
	events, err := p.transport.ReadStep()
	if err != nil {
		logger.Debugw("transport ended", "err", err)
		events = append(events, term.CloseEvent{})
	}
	for _, e := range events {
		p.dispatch(e)
	}
	p.mu.Lock()
	p.reading = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Submit submits a request as if it was typed on the terminal.
func (p *Processor) Submit(request string) error {
	if p.State() == Closed {
		return ErrClosed
	}
	p.dispatch(term.LineEvent{Line: request})
	return nil
}

func (p *Processor) dispatch(e term.Event) {
	switch e := e.(type) {
	case term.LineEvent:
		p.mu.Lock()
		if p.state == Closed {
			p.mu.Unlock()
			return
		}
		p.queue = append(p.queue, e)
		var action func()
		if p.state == Available {
			action = p.next()
		}
		p.cond.Broadcast()
		p.mu.Unlock()
		if action != nil {
			action()
		}
	case term.KeyEvent:
		p.mu.Lock()
		if p.state == Processing || p.state == Cancelling {
			p.queue = append(p.queue, e)
			p.cond.Broadcast()
		}
		p.mu.Unlock()
	case term.InterruptEvent:
		p.interrupt()
	case term.CloseEvent:
		p.close()
	case term.CompleteEvent:
		if p.State() != Available {
			return
		}
		candidates := p.shell.Complete(e.Prefix)
		if len(candidates) > 0 {
			p.writeBestEffort("\n" + strings.Join(candidates, " ") + "\n")
			p.prompt()
		}
	default:
		logger.Warnw("unknown event", "event", e)
	}
}

func (p *Processor) interrupt() {
	p.mu.Lock()
	p.queue = nil
	p.continued.Reset()
	switch p.state {
	case Processing:
		p.state = Cancelling
		proc := p.current
		p.cond.Broadcast()
		p.mu.Unlock()
		proc.Cancel()
	case Available:
		p.mu.Unlock()
		p.writeBestEffort("\n")
		p.prompt()
	default:
		p.mu.Unlock()
	}
}

func (p *Processor) close() {
	p.mu.Lock()
	if p.state == Closed {
		p.mu.Unlock()
		return
	}
	p.state = Closed
	proc := p.current
	p.current = nil
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if proc != nil {
		proc.Cancel()
	}
	p.runTeardown()
}

func (p *Processor) runTeardown() {
	p.closeOnce.Do(func() {
		if p.teardown != nil {
			p.teardown()
		}
		close(p.done)
	})
}

// Serves the queued lines. It must be called with p.mu held in the
// Available state, and returns the action to run after releasing it.
func (p *Processor) next() func() {
	reprompt := false
	for len(p.queue) > 0 {
		e := p.queue[0]
		p.queue = p.queue[1:]
		le, ok := e.(term.LineEvent)
		if !ok {
			continue
		}
		if line, ok := strings.CutSuffix(le.Line, "\\"); ok {
			p.continued.WriteString(line)
			p.continued.WriteByte('\n')
			continue
		}
		request := p.continued.String() + le.Line
		p.continued.Reset()
		if strings.TrimSpace(request) == "" {
			reprompt = true
			continue
		}
		proc, err := p.shell.CreateProcess(request)
		if err != nil {
			return func() {
				p.writeBestEffort(err.Error() + "\n")
				p.prompt()
			}
		}
		p.state = Processing
		p.current = proc
		return func() { proc.Execute(context.Background(), p) }
	}
	switch {
	case p.continued.Len() > 0:
		return func() { p.writeBestEffort(continuationPrompt); p.flushBestEffort() }
	case reprompt:
		return p.prompt
	}
	return nil
}

// End is called by the running process with its response.
func (p *Processor) End(resp shell.Response) {
	p.mu.Lock()
	switch p.state {
	case Closed:
		p.mu.Unlock()
		logger.Debugw("dropping response of closed session", "kind", resp.Kind)
		return
	case Available:
		p.mu.Unlock()
		panic(fmt.Sprintf("processor: response %v while no process is running", resp.Kind))
	}
	p.current = nil
	var action func()
	switch resp.Kind {
	case shell.Close:
		p.state = Closed
		p.queue = nil
		action = p.runTeardown
	case shell.Cancelled:
		p.state = Available
	default:
		p.state = Available
		if resp.Text != "" {
			action = func() { p.flushResponse(resp) }
		}
	}
	var next func()
	available := p.state == Available
	if available {
		next = p.next()
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	if action != nil {
		action()
	}
	if next != nil {
		next()
	} else if available {
		p.prompt()
	}
}

func (p *Processor) flushResponse(resp shell.Response) {
	text := resp.Text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	p.writeBestEffort(text)
	p.flushBestEffort()
}

// ReadLine reads a line for the running process. It returns a line queued
// before the call if there is one; otherwise it waits for the next read step
// of the transport, driving it itself if no other goroutine does. Echo is set
// as requested only while waiting. It returns false if no line was read, or
// the session is being closed or the process cancelled.
func (p *Processor) ReadLine(prompt string, echo bool) (string, bool) {
	p.writeBestEffort(prompt)
	p.flushBestEffort()

	waited := false
	defer func() {
		if waited && !echo {
			// The terminal didn't echo the end of the line.
			p.writeBestEffort("\n")
			p.setEcho(true)
		}
		p.mu.Lock()
		p.awaiting = false
		p.cond.Broadcast()
		p.mu.Unlock()
	}()

	stepped := false
	for {
		p.mu.Lock()
		for {
			if p.state == Closed || p.state == Cancelling {
				p.mu.Unlock()
				return "", false
			}
			if line, ok := p.dequeueLine(); ok {
				p.mu.Unlock()
				return line, true
			}
			if stepped {
				p.mu.Unlock()
				return "", false
			}
			if !waited {
				waited = true
				// Keeps the main loop from taking the next read step.
				p.awaiting = true
				if !echo {
					p.mu.Unlock()
					p.setEcho(false)
					p.mu.Lock()
					continue
				}
			}
			if !p.reading {
				break
			}
			p.cond.Wait()
		}
		p.reading = true
		p.mu.Unlock()

		p.readStep()
		stepped = true
	}
}

func (p *Processor) setEcho(on bool) {
	if err := p.transport.SetEcho(on); err != nil {
		logger.Warnw("cannot set echo", "on", on, "err", err)
	}
}

// Removes and returns the first queued line. It must be called with p.mu
// held.
func (p *Processor) dequeueLine() (string, bool) {
	for i, e := range p.queue {
		if le, ok := e.(term.LineEvent); ok {
			p.queue = append(p.queue[:i:i], p.queue[i+1:]...)
			return le.Line, true
		}
	}
	return "", false
}

// Write writes text to the transport.
func (p *Processor) Write(text string) error { return p.transport.Write(text) }

// Flush flushes the transport.
func (p *Processor) Flush() error { return p.transport.Flush() }

// Width returns the width of the terminal.
func (p *Processor) Width() int { return p.transport.Width() }

// Height returns the height of the terminal.
func (p *Processor) Height() int { return p.transport.Height() }

func (p *Processor) prompt() {
	p.writeBestEffort(p.shell.Prompt())
	p.flushBestEffort()
}

func (p *Processor) writeBestEffort(text string) {
	if err := p.transport.Write(text); err != nil {
		logger.Warnw("cannot write to terminal", "err", err)
	}
}

func (p *Processor) flushBestEffort() {
	if err := p.transport.Flush(); err != nil {
		logger.Warnw("cannot flush terminal", "err", err)
	}
}
