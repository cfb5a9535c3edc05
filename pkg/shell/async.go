package shell

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Config configures an AsyncShell.
type Config struct {
	// Workers is the maximum number of processes running at the same time.
	// Zero means no limit.
	Workers int64
}

// AsyncShell wraps a Shell, running its processes on a worker pool. It keeps
// track of live processes so that they can be cancelled when the shell is
// closed.
type AsyncShell struct {
	shell   Shell
	pool    *semaphore.Weighted
	metrics *Metrics

	mu     sync.Mutex
	closed bool
	live   map[uuid.UUID]*AsyncProcess
}

// NewAsyncShell creates an AsyncShell. If m is nil, metrics are created
// without being registered.
func NewAsyncShell(s Shell, cfg Config, m *Metrics) *AsyncShell {
	var pool *semaphore.Weighted
	if cfg.Workers > 0 {
		pool = semaphore.NewWeighted(cfg.Workers)
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &AsyncShell{shell: s, pool: pool, metrics: m, live: make(map[uuid.UUID]*AsyncProcess)}
}

// Welcome calls the wrapped shell.
func (s *AsyncShell) Welcome() string { return s.shell.Welcome() }

// Prompt calls the wrapped shell.
func (s *AsyncShell) Prompt() string { return s.shell.Prompt() }

// Complete calls the wrapped shell.
func (s *AsyncShell) Complete(prefix string) []string { return s.shell.Complete(prefix) }

// CreateProcess creates an *AsyncProcess wrapping a process of the wrapped
// shell, and registers it as live. It returns ErrShellClosed after Close.
func (s *AsyncShell) CreateProcess(request string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShellClosed
	}
	wrapped, err := s.shell.CreateProcess(request)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &AsyncProcess{
		ID: uuid.New(), Request: request,
		shell: s, wrapped: wrapped, ctx: ctx, cancel: cancel}
	s.live[p.ID] = p
	s.metrics.LiveProcesses.Inc()
	return p, nil
}

// Live returns the number of live processes.
func (s *AsyncShell) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close marks the shell as closed and cancels all live processes. It doesn't
// wait for them to finish. Closing a closed shell does nothing.
func (s *AsyncShell) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	snapshot := make([]*AsyncProcess, 0, len(s.live))
	for _, p := range s.live {
		snapshot = append(snapshot, p)
	}
	s.mu.Unlock()

	// Processes deregister themselves when cancelled, which needs s.mu.
	for _, p := range snapshot {
		p.Cancel()
	}
	s.shell.Close()
}

func (s *AsyncShell) deregister(p *AsyncProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[p.ID]; ok {
		delete(s.live, p.ID)
		s.metrics.LiveProcesses.Dec()
	}
}

// Status is the status of an AsyncProcess.
type Status int

// Possible values of Status.
const (
	StatusCreated Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
)

var statusNames = [...]string{"created", "running", "completed", "cancelled"}

func (st Status) String() string {
	if 0 <= st && int(st) < len(statusNames) {
		return statusNames[st]
	}
	return fmt.Sprintf("Status(%d)", int(st))
}

// AsyncProcess is a process of an AsyncShell.
type AsyncProcess struct {
	ID      uuid.UUID
	Request string

	shell   *AsyncShell
	wrapped Process
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	status   Status
	executed bool
}

// Status returns the status of the process.
func (p *AsyncProcess) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Execute submits the process to the worker pool and returns immediately.
// The response is reported to pc from a worker goroutine: the response of
// the wrapped process, a Cancelled response if the process was cancelled, or
// an Error response if the wrapped process panicked. Cancelling ctx cancels
// the process. Only the first call has any effect.
func (p *AsyncProcess) Execute(ctx context.Context, pc ProcessContext) {
	p.mu.Lock()
	if p.executed {
		p.mu.Unlock()
		return
	}
	p.executed = true
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, p.Cancel)
	go func() {
		defer stop()
		start := time.Now()
		resp := p.run(pc)
		p.complete(pc, resp, time.Since(start))
	}()
}

func (p *AsyncProcess) run(pc ProcessContext) (resp Response) {
	if pool := p.shell.pool; pool != nil {
		if err := pool.Acquire(p.ctx, 1); err != nil {
			return Respond(Cancelled)
		}
		defer pool.Release(1)
	}
	p.mu.Lock()
	if p.status != StatusCreated {
		p.mu.Unlock()
		return Respond(Cancelled)
	}
	p.status = StatusRunning
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("process panicked", "id", p.ID, "panic", r, "stack", string(debug.Stack()))
			resp = Failed(fmt.Errorf("internal error: %v", r))
		}
	}()
	ec := &endCapture{ProcessContext: pc}
	p.wrapped.Execute(p.ctx, ec)
	if p.ctx.Err() != nil {
		return Respond(Cancelled)
	}
	if !ec.ended {
		return Failed(fmt.Errorf("internal error: process ended without a response"))
	}
	return ec.resp
}

func (p *AsyncProcess) complete(pc ProcessContext, resp Response, d time.Duration) {
	p.mu.Lock()
	if p.status != StatusCancelled {
		p.status = StatusCompleted
	} else {
		resp = Respond(Cancelled)
	}
	p.mu.Unlock()
	p.cancel()
	p.shell.deregister(p)
	p.shell.metrics.Responses.WithLabelValues(resp.Kind.String()).Inc()
	p.shell.metrics.ProcessDuration.Observe(d.Seconds())
	logger.Debugw("process completed", "id", p.ID, "kind", resp.Kind)
	pc.End(resp)
}

// Cancel cancels the process and removes it from the live processes. It
// does nothing if the process has already completed or been cancelled.
func (p *AsyncProcess) Cancel() {
	p.mu.Lock()
	if p.status == StatusCompleted || p.status == StatusCancelled {
		p.mu.Unlock()
		return
	}
	p.status = StatusCancelled
	p.mu.Unlock()

	p.cancel()
	p.wrapped.Cancel()
	p.shell.deregister(p)
	logger.Debugw("process cancelled", "id", p.ID)
}

// Keeps the response reported by the wrapped process, so that it can be
// reported after bookkeeping.
type endCapture struct {
	ProcessContext
	ended bool
	resp  Response
}

func (ec *endCapture) End(resp Response) {
	if !ec.ended {
		ec.ended = true
		ec.resp = resp
	}
}
