package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"golang.org/x/time/rate"

	"src.rsh.sh/pkg/term"
)

var (
	errMethodNotFound = &jsonrpc2.Error{
		Code: jsonrpc2.CodeMethodNotFound, Message: "method not found"}
	errInvalidParams = &jsonrpc2.Error{
		Code: jsonrpc2.CodeInvalidParams, Message: "invalid params"}
	errLimited = &jsonrpc2.Error{
		Code: -32000, Message: errRateLimited.Error()}
	errConnClosed = &jsonrpc2.Error{
		Code: -32001, Message: "connection closed"}

	errIdleTimeout = errors.New("idle timeout")
)

// ServeSocket accepts JSON-RPC terminals on l until l fails or ctx is done.
// It closes l before returning.
//
// A terminal calls the methods line, key, interrupt, close, complete and
// resize, whose parameters are a Message without the type. The server sends
// the notifications output, echo and alt-buffer, whose parameters are a
// Message.
func (s *Server) ServeSocket(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	defer l.Close()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serve("jsonrpc", newRPCTransport(ctx, s, conn))
	}
}

// A Transport over a JSON-RPC connection.
type rpcTransport struct {
	frames
	server  *Server
	limiter *rate.Limiter
	conn    *jsonrpc2.Conn
	events  chan term.Event

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newRPCTransport(ctx context.Context, s *Server, rwc io.ReadWriteCloser) *rpcTransport {
	t := &rpcTransport{
		server: s, limiter: s.newLimiter(),
		events: make(chan term.Event, 16), closed: make(chan struct{})}
	t.frames.send = t.notify
	t.conn = jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}), t.handler())
	return t
}

type method func(context.Context, jsonrpc2.JSONRPC2, json.RawMessage) (any, error)

func routingHandler(methods map[string]method) jsonrpc2.Handler {
	return jsonrpc2.HandlerWithError(func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
		fn, ok := methods[req.Method]
		if !ok {
			return nil, errMethodNotFound
		}
		var params json.RawMessage
		if req.Params != nil {
			params = *req.Params
		}
		return fn(ctx, conn, params)
	})
}

func (t *rpcTransport) handler() jsonrpc2.Handler {
	methods := make(map[string]method)
	for _, typ := range []string{TypeLine, TypeKey, TypeInterrupt, TypeClose, TypeComplete, TypeResize} {
		methods[typ] = t.receive(typ)
	}
	return routingHandler(methods)
}

// Returns the method receiving frames of the given type.
func (t *rpcTransport) receive(typ string) method {
	return func(_ context.Context, _ jsonrpc2.JSONRPC2, params json.RawMessage) (any, error) {
		var m Message
		if len(params) > 0 && json.Unmarshal(params, &m) != nil {
			return nil, errInvalidParams
		}
		m.Type = typ
		if typ == TypeLine && !t.server.allow(t.limiter) {
			return nil, errLimited
		}
		for _, e := range decode(m, &t.size) {
			select {
			case t.events <- e:
			case <-t.closed:
				return nil, errConnClosed
			}
		}
		return nil, nil
	}
}

func (t *rpcTransport) notify(m Message) error {
	return t.conn.Notify(context.Background(), m.Type, m)
}

// ReadStep waits for the next event. A disconnection or the idle timeout
// ends the transport.
func (t *rpcTransport) ReadStep() ([]term.Event, error) {
	var timeout <-chan time.Time
	if idle := t.server.opts.IdleTimeout; idle > 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case e := <-t.events:
		return []term.Event{e}, nil
	case <-t.conn.DisconnectNotify():
		return nil, io.EOF
	case <-t.closed:
		return nil, io.EOF
	case <-timeout:
		return nil, errIdleTimeout
	}
}

// Close flushes pending output and closes the connection.
func (t *rpcTransport) Close() error {
	t.closeOnce.Do(func() {
		if err := t.Flush(); err != nil {
			logger.Debugw("cannot flush before closing", "err", err)
		}
		close(t.closed)
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
