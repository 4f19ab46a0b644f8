package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/pliu/expertly/internal/store"
)

// inbound is a frame received from a client.
type inbound struct {
	client  *Client
	content string
}

type countRequest struct {
	sessionID string
	reply     chan int
}

type closeRequest struct {
	sessionID string
	code      int
	text      string
}

// Hub fans messages out to the live connections of each session.
type Hub struct {
	// Live clients by session id.
	rooms map[string]map[*Client]bool

	// Inbound messages from the clients.
	broadcast chan inbound

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Requests to end every connection of a session.
	closeRoom chan closeRequest

	count chan countRequest

	done   chan struct{}
	store  store.Store
	logger *slog.Logger
}

func NewHub(store store.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan inbound),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		closeRoom:  make(chan closeRequest),
		count:      make(chan countRequest),
		done:       make(chan struct{}),
		store:      store,
		logger:     logger,
	}
}

// Run serves the hub until ctx is done. Remaining clients are told the
// server is going away.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, room := range h.rooms {
				for client := range room {
					client.shutdown(websocket.CloseGoingAway, "Server shutting down")
				}
			}
			h.rooms = nil
			return
		case client := <-h.register:
			room, ok := h.rooms[client.sessionID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.sessionID] = room
			}
			room[client] = true
		case client := <-h.unregister:
			h.remove(client, websocket.CloseNormalClosure, "")
		case req := <-h.closeRoom:
			for client := range h.rooms[req.sessionID] {
				h.remove(client, req.code, req.text)
			}
		case req := <-h.count:
			req.reply <- len(h.rooms[req.sessionID])
		case in := <-h.broadcast:
			h.deliver(in)
		}
	}
}

func (h *Hub) deliver(in inbound) {
	if _, ok := h.rooms[in.client.sessionID][in.client]; !ok {
		return
	}
	msg, err := h.store.SaveMessage(in.client.sessionID, in.client.userID, in.content)
	if err != nil {
		h.logger.Error("Error saving message", "session_id", in.client.sessionID, "error", err)
		return
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Error encoding message", "error", err)
		return
	}
	for client := range h.rooms[in.client.sessionID] {
		select {
		case client.send <- msgBytes:
		default:
			h.logger.Warn("Dropping slow client", "session_id", client.sessionID, "user_id", client.userID)
			h.remove(client, websocket.CloseTryAgainLater, "Client too slow")
		}
	}
}

func (h *Hub) remove(client *Client, code int, text string) {
	room := h.rooms[client.sessionID]
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, client.sessionID)
	}
	client.shutdown(code, text)
}

// CloseSession ends every live connection of a session with a normal closure.
func (h *Hub) CloseSession(sessionID string) {
	select {
	case h.closeRoom <- closeRequest{sessionID: sessionID, code: websocket.CloseNormalClosure, text: "Session completed"}:
	case <-h.done:
	}
}

// Online reports how many live connections a session has.
func (h *Hub) Online(sessionID string) int {
	req := countRequest{sessionID: sessionID, reply: make(chan int, 1)}
	select {
	case h.count <- req:
		return <-req.reply
	case <-h.done:
		return 0
	}
}
