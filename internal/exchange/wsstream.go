package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 5 * time.Second
	wsCloseWait = time.Second
)

// WsStream adapts a gorilla websocket connection to the Stream
// interface. When readIdle is positive the read deadline is extended on
// every message and pong, so a dead link surfaces as a read error
// without any vendor cooperation.
type WsStream struct {
	conn     *websocket.Conn
	readIdle time.Duration

	writeMu sync.Mutex
	once    sync.Once
}

// DialStream opens the websocket connection for url. The context bounds
// the handshake.
func DialStream(ctx context.Context, url string, readIdle time.Duration) (*WsStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	s := &WsStream{conn: conn, readIdle: readIdle}
	if readIdle > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readIdle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readIdle))
		})
	}
	return s, nil
}

func (s *WsStream) ReadMessage() ([]byte, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if s.readIdle > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readIdle))
	}
	return msg, nil
}

func (s *WsStream) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WsStream) WriteJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

func (s *WsStream) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// Close sends a close frame before dropping the connection so vendors
// see a graceful shutdown.
func (s *WsStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseWait),
		)
		err = s.conn.Close()
	})
	return err
}
