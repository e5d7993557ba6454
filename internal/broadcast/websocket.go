package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 16
)

// WSSubscriber pushes snapshots to one websocket client.
type WSSubscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	closed bool
	logger zerolog.Logger
}

func newWSSubscriber(conn *websocket.Conn, logger zerolog.Logger) *WSSubscriber {
	id := uuid.NewString()
	return &WSSubscriber{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: logger.With().Str("subscriber", id).Logger(),
	}
}

// ID implements Subscriber.
func (s *WSSubscriber) ID() string { return s.id }

// Send queues msg for the write pump without blocking.
func (s *WSSubscriber) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSubscriberBusy
	}
}

// Receptive reports whether the connection is still open.
func (s *WSSubscriber) Receptive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close stops the write pump, which closes the connection.
func (s *WSSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	return nil
}

func (s *WSSubscriber) readPump(unsubscribe func()) {
	defer func() {
		unsubscribe()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
	}
}

func (s *WSSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler upgrades HTTP requests and subscribes the connection.
type Handler struct {
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

// NewHandler builds the websocket endpoint. An empty origins list accepts
// any origin.
func NewHandler(b *Broadcaster, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &Handler{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				_, ok := allowed[r.Header.Get("Origin")]
				return ok
			},
		},
		logger: logger.With().Str("component", "broadcast_ws").Logger(),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sub := newWSSubscriber(conn, h.logger)
	unsubscribe, err := h.broadcaster.Subscribe(sub)
	if err != nil {
		h.logger.Warn().Err(err).Msg("subscribe failed")
		_ = conn.Close()
		return
	}

	go sub.writePump()
	go sub.readPump(unsubscribe)
}

var (
	_ Subscriber   = (*WSSubscriber)(nil)
	_ Receptive    = (*WSSubscriber)(nil)
	_ http.Handler = (*Handler)(nil)
)
