package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds a single session frame. State snapshots ride inside
// frames, so this is far larger than the watch message limit.
const maxFrameSize = 1 << 20

// Conn adapts a websocket connection to the channel transport interface.
// Reads return application frames; a keepalive ticker pings the peer so the
// read deadline keeps advancing while a session idles between events.
type Conn struct {
	ws   *websocket.Conn
	stop chan struct{}
	once sync.Once
}

// NewConn wraps an established websocket connection and starts its
// keepalive. Callers hand the result to channel.New and must Close it
// (directly or through the channel) when done.
func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, stop: make(chan struct{})}
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive()
	return c
}

// UpgradeConn upgrades an HTTP request to a websocket wrapped for channel
// transport. On failure the upgrader has already written the HTTP error.
func UpgradeConn(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws), nil
}

func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Conn) WriteMessage(data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close stops the keepalive, sends a best-effort close frame, and tears the
// socket down.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.stop) })
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	return c.ws.Close()
}

// keepalive pings on a timer. WriteControl is safe alongside the channel's
// serialized writes.
func (c *Conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}
