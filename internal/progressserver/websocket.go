package progressserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API fronts browser clients from arbitrary origins; access
	// control happens at the gateway in front of this service.
	CheckOrigin: func(*http.Request) bool { return true },
}

const writeTimeout = 10 * time.Second

// wsClient adapts a websocket connection to the bridge's client surface.
// gorilla connections allow one concurrent writer, so every send holds the
// mutex.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn}
}

func (c *wsClient) SendText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *wsClient) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return c.conn.Close()
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "session_id", sess.ID, "err", err)
		}
		return
	}

	client := newWSClient(conn)
	s.live.OnClientConnected(sess.ID, client)
	s.live.Subscribe(sess.SandboxName, client)
	defer func() {
		s.live.Unsubscribe(sess.SandboxName, client)
		s.live.OnClientDisconnected(sess.ID, client)
	}()

	if s.logger != nil {
		s.logger.Info("progress client connected", "session_id", sess.ID, "remote", r.RemoteAddr)
	}

	// Clients never send application data; the read loop only notices
	// disconnects and close frames.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if s.logger != nil {
				s.logger.Debug("progress client disconnected", "session_id", sess.ID, "err", err)
			}
			return
		}
	}
}
