package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-relay/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-relay/internal/relay"
)

// WebSocket defaults used when the config leaves a field at zero.
const (
	defaultSendBuffer     = 256
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024

	// closeGracePeriod bounds the close frame write on shutdown.
	closeGracePeriod = time.Second

	rateLimitMessage = "Rate limit exceeded"
)

// Transport errors.
var (
	errTransportClosed = errors.New("websocket transport closed")
	errSendBufferFull  = errors.New("websocket send buffer full")
)

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// wsTransport adapts one gorilla connection to relay.Transport.
//
// Writes never block: frames go to a buffered channel drained by writePump,
// and a full buffer is reported as a send failure. Close signals writePump,
// which sends a close frame and closes the socket; that in turn ends
// readPump.
type wsTransport struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, buffer int) *wsTransport {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &wsTransport{
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Write implements relay.Transport.
func (t *wsTransport) Write(data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	return t.trySend(data)
}

// trySend queues data without blocking.
func (t *wsTransport) trySend(data []byte) error {
	select {
	case t.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close implements relay.Transport. The send channel is never closed, so a
// Write racing Close cannot panic.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// wsSession holds what the pumps of one connection share.
type wsSession struct {
	transport *wsTransport
	conn      *relay.Connection
	broker    *relay.Broker
	logger    *logging.Logger
	limiter   *rate.Limiter

	maxMessageSize int64
	pingInterval   time.Duration
	pongTimeout    time.Duration
}

// handleWebSocket upgrades the HTTP connection and hands it to the broker.
// Every client is accepted; there is no authentication step.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	transport := newWSTransport(ws, s.wsCfg.SendBuffer)
	sess := &wsSession{
		transport:      transport,
		broker:         s.broker,
		logger:         s.logger,
		limiter:        newLimiter(s.wsCfg.RateLimit),
		maxMessageSize: int64(orDefault(s.wsCfg.MaxMessageSize, defaultMaxMessageSize)),
		pingInterval:   secondsOrDefault(s.wsCfg.PingInterval, defaultPingInterval),
		pongTimeout:    secondsOrDefault(s.wsCfg.PongTimeout, defaultPongTimeout),
	}

	// A connection_ack queued by Accept waits in the send buffer until
	// writePump starts.
	sess.conn = s.broker.Accept(transport, r.RemoteAddr)

	s.pumps.Add(2) //nolint:mnd // read and write pump
	go func() {
		defer s.pumps.Done()
		sess.writePump()
	}()
	go func() {
		defer s.pumps.Done()
		sess.readPump()
	}()
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if !cfg.Enabled || cfg.MessagesPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
}

// readPump reads frames in arrival order and routes each one through the
// broker. It owns the end of the connection's life: whatever stops the read
// loop, the broker is told the connection is gone.
func (sess *wsSession) readPump() {
	defer func() {
		sess.broker.ConnectionClosed(sess.conn)
	}()

	ws := sess.transport.conn
	ws.SetReadLimit(sess.maxMessageSize)
	deadline := sess.pingInterval + sess.pongTimeout
	//nolint:errcheck // Best-effort deadline on connection setup
	ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		msgType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.logger.Debug("websocket read error", "connection_id", sess.conn.ID(), "error", err)
			}
			return
		}
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		ws.SetReadDeadline(time.Now().Add(deadline))

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if sess.limiter != nil && !sess.limiter.Allow() {
			sess.broker.Reject(sess.conn, rateLimitMessage, relay.ErrRateLimited)
			continue
		}
		sess.broker.HandleInbound(sess.conn, message)
	}
}

// writePump drains the send queue and pings the peer. It exits when the
// transport is closed, after flushing what is already queued.
func (sess *wsSession) writePump() {
	ws := sess.transport.conn
	ticker := time.NewTicker(sess.pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message := <-sess.transport.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			ws.SetWriteDeadline(time.Now().Add(sess.pongTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				sess.closeAfterWriteError(err)
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			ws.SetWriteDeadline(time.Now().Add(sess.pongTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.closeAfterWriteError(err)
				return
			}
		case <-sess.transport.done:
			sess.flush()
			//nolint:errcheck // Best-effort close message
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(closeGracePeriod))
			return
		}
	}
}

// flush writes any frames queued before the transport was closed.
func (sess *wsSession) flush() {
	ws := sess.transport.conn
	for {
		select {
		case message := <-sess.transport.send:
			//nolint:errcheck // Best-effort deadline
			ws.SetWriteDeadline(time.Now().Add(closeGracePeriod))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// closeAfterWriteError logs a failed write. Closing the socket on return
// makes readPump fail, which reports the connection closed to the broker.
func (sess *wsSession) closeAfterWriteError(err error) {
	sess.logger.Debug("websocket write failed", "connection_id", sess.conn.ID(), "error", err)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func secondsOrDefault(secs int, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
