package shell

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"src.rsh.sh/pkg/command"
	"src.rsh.sh/pkg/command/jscmd"
	"src.rsh.sh/pkg/eval"
	"src.rsh.sh/pkg/logutil"
	"src.rsh.sh/pkg/pipeline"
	"src.rsh.sh/pkg/resource"
)

var logger = logutil.GetLogger("[shell] ")

// Request that closes the session.
const byeRequest = "bye"

// LifecycleTimeout bounds the time a lifecycle script may run.
var LifecycleTimeout = 5 * time.Second

const (
	defaultWelcome = "Welcome to rsh. Type bye to leave.\n"
	defaultPrompt  = "% "
)

// Session is a Shell evaluating requests with an eval.Engine. Commands of a
// session share its attributes.
//
// A session runs the lifecycle script login.js when it is created and
// logout.js when it is closed. The welcome text and the prompt are read from
// the lifecycle resources welcome and prompt when they exist.
type Session struct {
	id       uuid.UUID
	engine   *eval.Engine
	provider resource.Provider
	attrs    *command.Attrs
	closed   atomic.Bool
}

// NewSession creates a Session with the given initial attributes.
func NewSession(ev *eval.Engine, p resource.Provider, attrs map[string]any) *Session {
	s := &Session{id: uuid.New(), engine: ev, provider: p, attrs: command.NewAttrs(attrs)}
	s.runLifecycle("login")
	logger.Infow("session started", "id", s.id)
	return s
}

// ID returns the identifier of the session.
func (s *Session) ID() uuid.UUID { return s.id }

// Attrs returns the attributes of the session.
func (s *Session) Attrs() *command.Attrs { return s.attrs }

// Welcome returns the content of the welcome resource, or a default text.
func (s *Session) Welcome() string {
	return s.lifecycleText("welcome", defaultWelcome)
}

// Prompt returns the content of the prompt resource with trailing newlines
// removed, or a default prompt.
func (s *Session) Prompt() string {
	return strings.TrimRight(s.lifecycleText("prompt", defaultPrompt), "\n")
}

func (s *Session) lifecycleText(name, fallback string) string {
	res, err := s.provider.Load(name, resource.Lifecycle)
	if err != nil {
		if !errors.Is(err, resource.ErrNotFound) {
			logger.Warnw("cannot load lifecycle resource", "name", name, "err", err)
		}
		return fallback
	}
	return string(res.Content)
}

// Complete returns the names of the commands starting with prefix. Only the
// first word of a request is completed.
func (s *Session) Complete(prefix string) []string {
	if strings.ContainsAny(prefix, " \t|") {
		return nil
	}
	names, err := s.engine.Resolver().Names()
	if err != nil {
		logger.Warnw("cannot list commands", "err", err)
		return nil
	}
	return slices.DeleteFunc(names, func(name string) bool {
		return !strings.HasPrefix(name, prefix)
	})
}

// CreateProcess creates a process evaluating the request.
func (s *Session) CreateProcess(request string) (Process, error) {
	if s.closed.Load() {
		return nil, ErrShellClosed
	}
	return &process{session: s, request: request}, nil
}

// Close runs the logout script and clears the attributes. Closing a closed
// session does nothing.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.runLifecycle("logout")
	s.attrs.Clear()
	logger.Infow("session closed", "id", s.id)
}

// Runs a lifecycle script, if it exists, for at most LifecycleTimeout. Its
// output is discarded.
func (s *Session) runLifecycle(name string) {
	res, err := s.provider.Load(name+".js", resource.Lifecycle)
	if err != nil {
		if !errors.Is(err, resource.ErrNotFound) {
			logger.Warnw("cannot load lifecycle script", "name", name, "err", err)
		}
		return
	}
	resolution, err := jscmd.New().ResolveCommand(name, res.Content)
	if err != nil || resolution == nil {
		logger.Warnw("invalid lifecycle script", "name", name, "err", err)
		return
	}
	inv, err := pipeline.New(name, resolution.Command).Bind()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), LifecycleTimeout)
		defer cancel()
		in := make(chan any)
		close(in)
		err = inv.Invoke(&command.Context{Context: ctx, Attrs: s.attrs}, in, nil)
	}
	if err != nil {
		logger.Warnw("lifecycle script failed", "name", name, "err", err)
	}
}

// The process of a request in a Session.
type process struct {
	session *Session
	request string

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func (p *process) Execute(ctx context.Context, pc ProcessContext) {
	pc.End(p.run(ctx, pc))
}

func (p *process) run(ctx context.Context, pc ProcessContext) Response {
	if strings.TrimSpace(p.request) == byeRequest {
		return Respond(Close)
	}
	x, err := p.session.engine.Parse(p.request)
	if err != nil {
		return Failed(err)
	}
	if x.Empty() {
		return Respond(NoCommand)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return Respond(Cancelled)
	}
	p.cancel = cancel
	p.mu.Unlock()

	if err := x.CreateCommands(ctx); err != nil {
		if ctx.Err() != nil {
			return Respond(Cancelled)
		}
		return Failed(err)
	}

	out := make(chan any, 32)
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for v := range out {
			if err := pc.Write(fmt.Sprintln(v)); err != nil {
				logger.Warnw("cannot write output", "err", err)
			}
		}
	}()
	err = x.Execute(&command.Context{
		Context: ctx, IO: pc, Attrs: p.session.attrs, Output: out})
	close(out)
	<-rendered
	if err := pc.Flush(); err != nil {
		logger.Warnw("cannot flush output", "err", err)
	}

	if ctx.Err() != nil {
		return Respond(Cancelled)
	}
	if err != nil {
		return Failed(err)
	}
	return Respond(OK)
}

func (p *process) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
	if p.cancel != nil {
		p.cancel()
	}
}
