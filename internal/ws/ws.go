package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Cypherspark/chat-gateway/internal/core"
	"github.com/Cypherspark/chat-gateway/internal/metrics"
	"github.com/Cypherspark/chat-gateway/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy belongs to the fronting proxy
	},
}

// frame is the wire envelope. Delivery events reuse core.Event; presence
// snapshots ride the same envelope with user_ids set.
type frame struct {
	Type      core.EventType `json:"type"`
	Message   *core.Message  `json:"message,omitempty"`
	MessageID int64          `json:"message_id,omitempty"`
	UserIDs   []string       `json:"user_ids,omitempty"`
}

const typeOnlineUsers core.EventType = "onlineUsers"

// channel is one websocket connection acting as a presence.Channel. Writes
// are serialized; gorilla allows only one concurrent writer.
type channel struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *channel) ID() string { return c.id }

// Push writes the event with the ctx deadline as write deadline. A closed or
// hung peer surfaces as an error, which the dispatcher treats as offline.
func (c *channel) Push(ctx context.Context, ev core.Event) error {
	return c.writeJSON(ctx, frame{Type: ev.Type, Message: ev.Message, MessageID: ev.MessageID})
}

func (c *channel) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(3 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(v)
}

// Handler upgrades authenticated clients and wires their connection into the
// presence registry for the lifetime of the socket.
type Handler struct {
	Registry *presence.Registry
}

func NewHandler(reg *presence.Registry) *Handler {
	return &Handler{Registry: reg}
}

// HandleUpgrade serves GET /ws?user_id=... . Identity is already verified
// upstream; an empty user_id is the only rejection here.
func (h *Handler) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	ch := &channel{id: uuid.NewString(), conn: conn}
	h.Registry.Register(userID, ch)
	metrics.WSConnections.Inc()
	metrics.OnlineUsers.Set(float64(h.Registry.OnlineCount()))
	log.Printf("ws: connected user=%s channel=%s", userID, ch.id)

	h.broadcastOnline(r.Context())

	defer func() {
		h.Registry.Unregister(userID, ch)
		metrics.WSConnections.Dec()
		metrics.OnlineUsers.Set(float64(h.Registry.OnlineCount()))
		_ = conn.Close()
		log.Printf("ws: disconnected user=%s channel=%s", userID, ch.id)
		h.broadcastOnline(context.Background())
	}()

	// Read loop exists to notice the peer going away; inbound traffic rides
	// the HTTP API, so frames are drained and dropped.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error user=%s: %v", userID, err)
			}
			return
		}
	}
}

// broadcastOnline pushes the current online-user snapshot to every connected
// client, best-effort.
func (h *Handler) broadcastOnline(ctx context.Context) {
	online := h.Registry.Online()
	f := frame{Type: typeOnlineUsers, UserIDs: online}
	for _, userID := range online {
		for _, ch := range h.Registry.ActiveChannelsFor(userID) {
			if wc, ok := ch.(*channel); ok {
				_ = wc.writeJSON(ctx, f)
			}
		}
	}
}
