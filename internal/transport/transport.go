// Package transport carries session traffic over WebSocket: segments as
// binary frames, protocol strings as text frames.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/arcadecast/arcadecast/internal/util"
)

var (
	// ErrConnClosed is returned by sends after the connection closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrMissingProgram rejects an open without a game parameter.
	ErrMissingProgram = errors.New("missing game parameter")
)

// Params are the handshake parameters taken from the upgrade request.
type Params struct {
	Program  string
	ClientID string
	Query    map[string]string
}

// ParseParams reads the handshake query. The game parameter is required.
func ParseParams(r *http.Request) (Params, error) {
	q := r.URL.Query()
	p := Params{
		Program:  q.Get("game"),
		ClientID: q.Get("id"),
		Query:    make(map[string]string, len(q)),
	}
	for k := range q {
		p.Query[k] = q.Get(k)
	}
	if p.Program == "" {
		return p, ErrMissingProgram
	}
	return p, nil
}

// Handler receives connection events. OnClose is called exactly once for
// every connection that OnOpen accepted.
type Handler interface {
	OnOpen(c *Conn, params Params) error
	OnMessage(c *Conn, text string)
	OnClose(c *Conn, reason error)
}

// Conn is one client connection. Sends are synchronous and serialized.
type Conn struct {
	id         string
	remoteAddr string
	ws         *websocket.Conn
	logger     *slog.Logger
	writeWait  time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func newConn(ws *websocket.Conn, remoteAddr string, writeWait time.Duration) *Conn {
	id := uniuri.NewLen(12)
	return &Conn{
		id:         id,
		remoteAddr: remoteAddr,
		ws:         ws,
		writeWait:  writeWait,
		logger:     util.GetLogger().With("component", "transport", "conn", id),
		done:       make(chan struct{}),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the close reason after Done.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// SendText delivers one text frame.
func (c *Conn) SendText(msg string) error {
	return c.send(websocket.TextMessage, []byte(msg))
}

// SendBinary delivers one binary frame.
func (c *Conn) SendBinary(data []byte) error {
	return c.send(websocket.BinaryMessage, data)
}

// send writes a frame. A failed write closes the connection and is not retried.
func (c *Conn) send(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if c.writeWait > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		c.logger.Warn("Write failed, closing connection", "error", err, "size", len(data))
		err = errors.Wrap(err, "write")
		c.Close(err)
		return err
	}
	return nil
}

// Close tells the client why with a close frame and closes the connection.
// A nil reason is a normal closure. Only the first call has an effect.
func (c *Conn) Close(reason error) {
	c.closeOnce.Do(func() {
		c.err = reason
		close(c.done)

		code, text := websocket.CloseNormalClosure, ""
		if reason != nil {
			code, text = websocket.CloseInternalServerErr, truncateReason(reason.Error())
		}
		// fails harmlessly when the peer already closed
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeWait))
		c.ws.Close()
	})
}

const closeWait = time.Second

// Options tune the WebSocket endpoint.
type Options struct {
	// WriteTimeout bounds each frame write; zero disables it.
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size.
	ReadLimit int64
}

// Server upgrades HTTP requests and runs the read loop of each connection.
type Server struct {
	handler  Handler
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(handler Handler, opts Options) *Server {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4096
	}
	return &Server{
		handler: handler,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP handles one client for the lifetime of its connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := util.GetLogger()

	params, err := ParseParams(r)
	if err != nil {
		logger.Warn("Rejecting stream request", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade to WebSocket", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.opts.ReadLimit)

	conn := newConn(ws, r.RemoteAddr, s.opts.WriteTimeout)
	if err := s.handler.OnOpen(conn, params); err != nil {
		conn.logger.Warn("Session open failed", "program", params.Program, "error", err)
		conn.Close(err)
		return
	}

	reason := s.readLoop(conn)
	conn.Close(reason)
	s.handler.OnClose(conn, conn.Err())
}

func (s *Server) readLoop(conn *Conn) error {
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Debug("Client closed connection", "error", err)
			} else {
				conn.logger.Debug("WebSocket read error", "error", err)
			}
			return errors.Wrap(err, "read")
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handler.OnMessage(conn, string(data))
	}
}

// close reasons must fit a control frame
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
