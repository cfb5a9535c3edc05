package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"src.rsh.sh/pkg/term"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	// Terminals are not pages of a particular origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())
	r.GET("/ws", s.handleWebsocket)
	r.GET("/commands", s.handleCommands)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	return r
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugw("request",
			"method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

// CommandInfo describes a command in the output of /commands.
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCommands(c *gin.Context) {
	infos := []CommandInfo{}
	if r := s.opts.Resolver; r != nil {
		names, err := r.Names()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, name := range names {
			desc, err := r.Description(name)
			if err != nil {
				logger.Debugw("skipping command", "name", name, "err", err)
				continue
			}
			infos = append(infos, CommandInfo{name, desc})
		}
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnw("websocket upgrade failed", "err", err)
		return
	}
	s.serve("websocket", newWSTransport(s, conn))
}

// A Transport over a websocket connection.
type wsTransport struct {
	frames
	server  *Server
	conn    *websocket.Conn
	limiter *rate.Limiter

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(s *Server, conn *websocket.Conn) *wsTransport {
	t := &wsTransport{server: s, conn: conn, limiter: s.newLimiter()}
	t.frames.send = t.writeFrame
	return t
}

func (t *wsTransport) writeFrame(m Message) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(m)
}

// ReadStep reads one frame. Malformed frames and lines over the rate limit
// are answered with an error frame and produce no events.
func (t *wsTransport) ReadStep() ([]term.Event, error) {
	if idle := t.server.opts.IdleTimeout; idle > 0 {
		t.conn.SetReadDeadline(time.Now().Add(idle))
	}
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, t.writeFrame(Message{Type: TypeError, Text: "malformed frame: " + err.Error()})
	}
	if m.Type == TypeLine && !t.server.allow(t.limiter) {
		return nil, t.writeFrame(Message{Type: TypeError, Text: errRateLimited.Error()})
	}
	return decode(m, &t.size), nil
}

// Close flushes pending output and closes the connection with a normal
// closure.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		if err := t.Flush(); err != nil {
			logger.Debugw("cannot flush before closing", "err", err)
		}
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

var errRateLimited = errors.New("rate limit exceeded")
