package internal

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	eventBuffer  = 32
	writeTimeout = 5 * time.Second
)

// Event is the JSON frame sent to UI clients.
type Event struct {
	Type       string      `json:"type"`
	Transition *Transition `json:"transition,omitempty"`
	Progress   *Progress   `json:"progress,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// EventHub fans phase transitions and load progress out to websocket
// clients. A slow client loses events instead of stalling the machine.
type EventHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

func NewEventHub(logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		logger:   logger,
		clients:  make(map[*websocket.Conn]chan []byte),
	}
}

// PublishTransition is shaped to be passed to OnTransition.
func (h *EventHub) PublishTransition(t Transition) {
	ev := Event{Type: "transition", Transition: &t}
	if t.Err != nil {
		ev.Error = t.Err.Error()
	}
	h.publish(ev)
}

// PublishProgress is shaped to be passed to WithProgress.
func (h *EventHub) PublishProgress(p Progress) {
	h.publish(Event{Type: "progress", Progress: &p})
}

func (h *EventHub) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			h.logger.Debug("event dropped for slow client", zap.String("remote", conn.RemoteAddr().String()))
		}
	}
}

func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan []byte, eventBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.writeLoop(conn, ch)
	h.readLoop(conn)
}

func (h *EventHub) writeLoop(conn *websocket.Conn, ch <-chan []byte) {
	for data := range ch {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(conn)
			conn.Close()
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}

// readLoop only exists to notice the client going away.
func (h *EventHub) readLoop(conn *websocket.Conn) {
	defer h.drop(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
}

func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, ch := range h.clients {
		delete(h.clients, conn)
		close(ch)
	}
}
