package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/longregen/quarry/internal/adapters/http/middleware"
	"github.com/longregen/quarry/internal/application/usecases"
)

// EventsHandler upgrades GET /conversations/{id}/events to a WebSocket
// and tails the conversation's reasoning events. The tail is one-way:
// inbound frames are discarded, the connection stays alive on pings.
type EventsHandler struct {
	upgrader      websocket.Upgrader
	conversations *usecases.ManageConversation
	broadcaster   *EventsBroadcaster
}

func NewEventsHandler(
	conversations *usecases.ManageConversation,
	broadcaster *EventsBroadcaster,
	allowedOrigins []string,
) *EventsHandler {
	allowedOriginsMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedOriginsMap[origin] = true
	}

	return &EventsHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowedOriginsMap[origin]
			},
		},
		conversations: conversations,
		broadcaster:   broadcaster,
	}
}

func (h *EventsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "auth_error", "User ID not found in context", http.StatusUnauthorized)
		return
	}

	conversationID, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	if _, err := h.conversations.GetConversation(r.Context(), conversationID, userID); err != nil {
		respondUsecaseError(w, err, "Failed to retrieve conversation")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade event tail connection: %v", err)
		return
	}
	defer conn.Close()

	h.broadcaster.Subscribe(conversationID, conn)
	defer h.broadcaster.Unsubscribe(conversationID, conn)

	log.Printf("Event tail established for conversation %s (user %s)", conversationID, userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		h.readLoop(ctx, conn)
		cancel()
	}()

	go func() {
		defer wg.Done()
		h.pingLoop(ctx, conn)
	}()

	wg.Wait()
	log.Printf("Event tail closed for conversation %s", conversationID)
}

// readLoop drains inbound frames until the peer disconnects. The tail
// carries no client commands, so frames are read only for liveness.
func (h *EventsHandler) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("Event tail read error: %v", err)
			}
			return
		}
	}
}

func (h *EventsHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
