// Package websocket carries the two websocket roles of the server: the
// channel transport adapter participants connect through, and the watch hub
// that streams room state and phase changes to passive observers.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rulewire/rulewire/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from a watcher.
	maxWatchMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins in development
		// TODO: Configure this for production
		return true
	},
}

// Message is the envelope watchers receive.
type Message struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	State json.RawMessage `json:"state,omitempty"`
	Phase string          `json:"phase,omitempty"`
}

// watcher is one observer connection on a room.
type watcher struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	room string
}

// Hub maintains the set of active watchers per room and fans room updates
// out to them. All registry access happens on the Run goroutine.
type Hub struct {
	log zerolog.Logger

	// Registered watchers by room id.
	rooms map[string]map[*watcher]bool

	// Outbound room updates.
	broadcast chan *Message

	// Register requests from new connections.
	register chan *watcher

	// Unregister requests from dying connections.
	unregister chan *watcher

	// Closed when Run returns.
	done chan struct{}
}

// NewHub creates a watch hub. Run must be started before connections or
// updates arrive.
func NewHub() *Hub {
	return &Hub{
		log:        logging.WithComponent("websocket"),
		rooms:      make(map[string]map[*watcher]bool),
		broadcast:  make(chan *Message, 16),
		register:   make(chan *watcher),
		unregister: make(chan *watcher),
		done:       make(chan struct{}),
	}
}

// Run processes hub traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case w := <-h.register:
			h.add(w)

		case w := <-h.unregister:
			h.remove(w)

		case message := <-h.broadcast:
			h.fanOut(message)

		case <-ctx.Done():
			for _, watchers := range h.rooms {
				for w := range watchers {
					close(w.send)
				}
			}
			h.rooms = make(map[string]map[*watcher]bool)
			return
		}
	}
}

// ServeWatch upgrades the request and attaches it as a watcher on room.
func (h *Hub) ServeWatch(w http.ResponseWriter, r *http.Request, room string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("room", room).Msg("watch upgrade failed")
		return
	}

	wt := &watcher{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		room: room,
	}
	select {
	case h.register <- wt:
	case <-h.done:
		conn.Close()
		return
	}

	go wt.writePump()
	go wt.readPump()
}

// RoomState queues a state snapshot for every watcher on the room.
func (h *Hub) RoomState(roomID string, state json.RawMessage) {
	h.publish(&Message{Room: roomID, Event: "state", State: state})
}

// RoomPhase queues a lifecycle change for every watcher on the room.
func (h *Hub) RoomPhase(roomID, phase string) {
	h.publish(&Message{Room: roomID, Event: "phase", Phase: phase})
}

func (h *Hub) publish(message *Message) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

// add registers a watcher on its room.
func (h *Hub) add(w *watcher) {
	if h.rooms[w.room] == nil {
		h.rooms[w.room] = make(map[*watcher]bool)
	}
	h.rooms[w.room][w] = true

	h.log.Debug().Str("room", w.room).Int("watchers", len(h.rooms[w.room])).Msg("watcher attached")
}

// remove detaches a watcher and cleans up empty rooms.
func (h *Hub) remove(w *watcher) {
	watchers, ok := h.rooms[w.room]
	if !ok {
		return
	}
	if _, ok := watchers[w]; !ok {
		return
	}
	delete(watchers, w)
	close(w.send)

	if len(watchers) == 0 {
		delete(h.rooms, w.room)
	}

	h.log.Debug().Str("room", w.room).Int("watchers", len(watchers)).Msg("watcher detached")
}

// fanOut delivers a message to every watcher on its room, evicting watchers
// whose send queue is full.
func (h *Hub) fanOut(message *Message) {
	watchers, ok := h.rooms[message.Room]
	if !ok {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal watch message failed")
		return
	}

	for w := range watchers {
		select {
		case w.send <- data:
		default:
			// The watcher cannot keep up, drop it.
			h.remove(w)
		}
	}
}

// readPump drains the connection. Watchers are read-only; incoming frames
// only keep the connection alive.
func (w *watcher) readPump() {
	defer func() {
		select {
		case w.hub.unregister <- w:
		case <-w.hub.done:
		}
		w.conn.Close()
	}()

	w.conn.SetReadLimit(maxWatchMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				w.hub.log.Debug().Err(err).Str("room", w.room).Msg("watcher read failed")
			}
			return
		}
	}
}

// writePump pumps queued messages to the connection.
func (w *watcher) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case message, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				w.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			writer, err := w.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			writer.Write(message)

			// Add queued messages to the current websocket message.
			n := len(w.send)
			for i := 0; i < n; i++ {
				writer.Write([]byte{'\n'})
				writer.Write(<-w.send)
			}

			if err := writer.Close(); err != nil {
				return
			}

		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
