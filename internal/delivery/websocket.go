package delivery

import (
	"context"
	"sync"
	"time"

	logx "homedir/pkg/logx"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type WSConfig struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func (c WSConfig) withDefaults() WSConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	return c
}

// WSSession adapts a websocket connection to Session. Send only queues; a
// single write pump owns every write to the connection.
type WSSession struct {
	id   string
	conn *websocket.Conn
	cfg  WSConfig
	log  logx.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewWSSession(conn *websocket.Conn, cfg WSConfig, log logx.Logger) *WSSession {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	id := uuid.NewString()
	return &WSSession{
		id:   id,
		conn: conn,
		cfg:  cfg,
		log:  log.With(logx.String("session", id)),
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (s *WSSession) ID() string { return s.id }

// Send queues payload for the write pump. It gives up when ctx ends or the
// session closes.
func (s *WSSession) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *WSSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = s.conn.Close()
	})
	return err
}

// Done is closed once the session is closed.
func (s *WSSession) Done() <-chan struct{} { return s.done }

// Run pumps the connection until the peer goes away, a write fails or ctx
// ends. Inbound messages are read and discarded so control frames are handled.
func (s *WSSession) Run(ctx context.Context) {
	defer s.Close()

	go s.writePump(ctx)

	pongWait := s.cfg.PingInterval + s.cfg.WriteTimeout
	s.conn.SetReadLimit(s.cfg.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Debug("websocket read ended", logx.Err(err))
			}
			return
		}
	}
}

func (s *WSSession) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer s.Close()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug("websocket write failed", logx.Err(err))
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.log.Debug("websocket ping failed", logx.Err(err))
				return
			}
		}
	}
}
