package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
	"github.com/ZamarianPatrick/lazypig-plantcare/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub pushes events to websocket clients. Every connection joins the room of
// the user it was opened for and only sees that user's events.
type Hub struct {
	log      logx.Logger
	metrics  *observability.Metrics
	buffer   int
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[uint64]map[string]chan []byte
}

func NewHub(buffer int, log logx.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log:    log,
		buffer: buffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms: make(map[uint64]map[string]chan []byte),
	}
}

// WithMetrics counts dropped events on m.
func (h *Hub) WithMetrics(m *observability.Metrics) *Hub {
	h.metrics = m
	return h
}

// Subscribe joins the room of userID until ctx is done. The returned channel
// is closed on leave.
func (h *Hub) Subscribe(ctx context.Context, userID uint64) (string, <-chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, h.buffer)

	h.mu.Lock()
	room, ok := h.rooms[userID]
	if !ok {
		room = make(map[string]chan []byte)
		h.rooms[userID] = room
	}
	room[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.leave(userID, id)
	}()

	h.log.Debug("ws client joined", logx.String("client", id), logx.Uint64("user", userID))
	return id, ch
}

func (h *Hub) leave(userID uint64, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[userID]
	ch, ok := room[id]
	if !ok {
		return
	}
	delete(room, id)
	if len(room) == 0 {
		delete(h.rooms, userID)
	}
	close(ch)
	h.log.Debug("ws client closed", logx.String("client", id), logx.Uint64("user", userID))
}

func (h *Hub) Publish(userID uint64, event Event, payload any) {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		h.log.Warn("encoding event failed", logx.String("event", string(event)), logx.Err(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.rooms[userID] {
		select {
		case ch <- data:
		default:
			h.metrics.Dropped(context.Background(), "hub")
			h.log.Debug("ws client too slow, event dropped",
				logx.String("client", id), logx.String("event", string(event)))
		}
	}
}

// Clients returns how many connections are in the room of userID.
func (h *Hub) Clients(userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// ServeWS upgrades the request and streams the user's events until the
// client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID uint64) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, ch := h.Subscribe(ctx, userID)

	go h.writeLoop(conn, id, ch)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, id string, ch <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("ws write failed", logx.String("client", id), logx.Err(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
