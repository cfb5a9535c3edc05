// Package remote serves shell sessions to remote terminals.
//
// Two transports are supported. An HTTP server accepts websocket terminals
// on /ws, and also lists the available commands on /commands and exposes
// metrics on /metrics. A JSON-RPC 2.0 server accepts terminals on a unix
// socket. Both exchange the same Message frames; every connection gets its
// own shell and terminal processor.
package remote

import (
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"src.rsh.sh/pkg/command"
	"src.rsh.sh/pkg/logutil"
	"src.rsh.sh/pkg/processor"
	"src.rsh.sh/pkg/shell"
	"src.rsh.sh/pkg/term"
)

var logger = logutil.GetLogger("[remote] ")

// Types of Message frames sent by terminals.
const (
	TypeLine      = "line"
	TypeKey       = "key"
	TypeInterrupt = "interrupt"
	TypeClose     = "close"
	TypeComplete  = "complete"
	TypeResize    = "resize"
)

// Types of Message frames sent to terminals.
const (
	TypeOutput    = "output"
	TypeEcho      = "echo"
	TypeAltBuffer = "alt-buffer"
	TypeError     = "error"
)

// Message is a frame exchanged with a remote terminal.
type Message struct {
	Type string `json:"type"`
	// Text is the line, key, completion prefix, output or error message.
	Text string `json:"text,omitempty"`
	// Width and Height are set on resize frames.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	// On is set on echo and alt-buffer frames.
	On bool `json:"on,omitempty"`
}

// Options configures a Server.
type Options struct {
	// NewShell creates the shell of a new connection. The shell is closed
	// when the connection ends.
	NewShell func() shell.Shell
	// Resolver lists the commands served on /commands. It may be nil.
	Resolver *command.Resolver
	// Registerer and Gatherer are used for the server metrics and the
	// /metrics endpoint. Without a Registerer, the server uses a registry of
	// its own. Gatherer defaults to the Registerer when it is also a
	// Gatherer, and to the Prometheus default gatherer otherwise.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// RateLimit is the number of lines per second a connection may send,
	// with bursts of up to RateBurst lines. Zero disables rate limiting.
	RateLimit float64
	RateBurst int
	// IdleTimeout closes connections that send nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration
}

// Server serves shell sessions.
type Server struct {
	opts    Options
	metrics *metrics

	mu     sync.Mutex
	closed bool
	conns  map[io.Closer]struct{}
	wg     sync.WaitGroup
}

type metrics struct {
	connections *prometheus.GaugeVec
	rateLimited prometheus.Counter
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Gatherer == nil {
		if g, ok := opts.Registerer.(prometheus.Gatherer); ok {
			opts.Gatherer = g
		} else {
			opts.Gatherer = prometheus.DefaultGatherer
		}
	}
	factory := promauto.With(opts.Registerer)
	m := &metrics{
		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rsh",
			Subsystem: "remote",
			Name:      "connections",
			Help:      "Number of open terminal connections by transport",
		}, []string{"transport"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rsh",
			Subsystem: "remote",
			Name:      "rate_limited_lines_total",
			Help:      "Number of lines rejected by rate limiting",
		}),
	}
	return &Server{opts: opts, metrics: m, conns: make(map[io.Closer]struct{})}
}

// Returns a new limiter for a connection, or nil if rate limiting is
// disabled.
func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.RateLimit <= 0 {
		return nil
	}
	burst := s.opts.RateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.RateLimit), burst)
}

// Reports whether a line may be accepted by a connection with the given
// limiter.
func (s *Server) allow(l *rate.Limiter) bool {
	if l == nil || l.Allow() {
		return true
	}
	s.metrics.rateLimited.Inc()
	return false
}

// Runs a session over t until it is closed by either side. The name of the
// transport is used in metrics.
func (s *Server) serve(name string, t term.Transport) {
	if !s.track(t) {
		t.Close()
		return
	}
	defer s.untrack(t)
	gauge := s.metrics.connections.WithLabelValues(name)
	gauge.Inc()
	defer gauge.Dec()

	sh := s.opts.NewShell()
	p := processor.New(sh, t, func() {
		sh.Close()
		if err := t.Close(); err != nil {
			logger.Debugw("cannot close transport", "err", err)
		}
	})
	logger.Infow("session opened", "transport", name)
	p.Run()
	logger.Infow("session closed", "transport", name)
}

func (s *Server) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Close closes all connections and waits for their sessions to end. New
// connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

// Converts a frame received from a terminal to events. Resize frames update
// size and produce no event.
func decode(m Message, size *termSize) []term.Event {
	switch m.Type {
	case TypeLine:
		return []term.Event{term.LineEvent{Line: m.Text}}
	case TypeKey:
		for _, r := range m.Text {
			return []term.Event{term.KeyEvent{Key: r}}
		}
		return nil
	case TypeInterrupt:
		return []term.Event{term.InterruptEvent{}}
	case TypeClose:
		return []term.Event{term.CloseEvent{}}
	case TypeComplete:
		return []term.Event{term.CompleteEvent{Prefix: m.Text}}
	case TypeResize:
		size.set(m.Width, m.Height)
		return nil
	}
	logger.Warnw("unknown frame", "type", m.Type)
	return nil
}

const (
	defaultWidth  = 80
	defaultHeight = 24
)

type termSize struct {
	mu            sync.Mutex
	width, height int
}

func (ts *termSize) set(w, h int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if w > 0 {
		ts.width = w
	}
	if h > 0 {
		ts.height = h
	}
}

func (ts *termSize) get() (int, int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	w, h := ts.width, ts.height
	if w == 0 {
		w = defaultWidth
	}
	if h == 0 {
		h = defaultHeight
	}
	return w, h
}
