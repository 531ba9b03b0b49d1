package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/opensource-finance/ballotwatch/internal/alert"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
	// Alert dashboards are served from other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient adapts a websocket connection to an alert.Subscriber. The
// distributor delivers to one subscriber from a single goroutine, so Send
// is the only writer of data frames.
type wsClient struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsClient) Send(msg *alert.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}

// readPump consumes client frames until the connection drops. Inbound
// messages carry no meaning; reading keeps control frames flowing.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("unexpected websocket close", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// AlertFeed handles GET /ws/alerts. Each connection is registered with the
// alert distributor until it disconnects.
func (h *Handler) AlertFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	h.clients.Add(1)
	handle := h.deps.Alerts.Register(client)
	slog.Info("alert feed client connected",
		"remote_addr", r.RemoteAddr,
		"handle", handle,
	)

	client.readPump()

	h.deps.Alerts.Unregister(handle)
	_ = client.Close()
	h.clients.Add(-1)
	slog.Info("alert feed client disconnected", "handle", handle)
}
