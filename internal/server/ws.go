package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/observability/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Wire values for eventPayload.Type. Insert and update carry a full
// message row; typing carries participant ids and the flag.
const (
	eventInsert = "insert"
	eventUpdate = "update"
	eventTyping = "typing"
)

type eventPayload struct {
	Type string `json:"type"`
	messagePayload
	Typing bool `json:"typing,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// subFilter selects one direction of one conversation's traffic.
// Exactly one of senderID or recipientID is set.
type subFilter struct {
	conversationID string
	senderID       string
	recipientID    string
}

func (f subFilter) matches(e eventPayload) bool {
	if e.ConversationID != f.conversationID {
		return false
	}
	if f.senderID != "" {
		return e.SenderID == f.senderID
	}
	return e.RecipientID == f.recipientID
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan eventPayload
	done   chan struct{}
	filter subFilter
}

type hub struct {
	mu   sync.Mutex
	subs map[*wsClient]struct{}
	log  *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{subs: make(map[*wsClient]struct{}), log: log}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	metrics.RealtimeClients.WithLabelValues().Inc()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.subs[c]
	if ok {
		delete(h.subs, c)
		close(c.done)
	}
	h.mu.Unlock()
	if ok {
		metrics.RealtimeClients.WithLabelValues().Dec()
	}
}

// broadcast fans an event out to every matching subscriber. Sends
// never block: a subscriber whose buffer is full loses the frame and
// recovers it through its fallback poll.
func (h *hub) broadcast(e eventPayload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		if !c.filter.matches(e) {
			continue
		}
		select {
		case c.send <- e:
		default:
			h.log.Warn("realtime frame dropped",
				"conversation_id", e.ConversationID, "type", e.Type)
		}
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sub, _ := SubjectFrom(r.Context())
	q := r.URL.Query()
	filter := subFilter{
		conversationID: q.Get("conversation"),
		senderID:       q.Get("sender"),
		recipientID:    q.Get("recipient"),
	}
	if filter.conversationID == "" || (filter.senderID == "") == (filter.recipientID == "") {
		http.Error(w, "conversation and exactly one of sender or recipient are required", http.StatusBadRequest)
		return
	}
	side := filter.senderID
	if side == "" {
		side = filter.recipientID
	}
	// A token only grants a view of its own subject's traffic.
	if side != sub {
		http.Error(w, "may only subscribe to own traffic", http.StatusForbidden)
		return
	}
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := &wsClient{
		conn:   conn,
		send:   make(chan eventPayload, 64),
		done:   make(chan struct{}),
		filter: filter,
	}
	s.hub.add(client)
	go client.writePump()

	// Replay rows changed since the client's cursor. Registration
	// happened first, so anything arriving during the fetch is either
	// replayed or broadcast; the client's merge absorbs the overlap.
	if !since.IsZero() {
		s.replay(r, client, since)
	}

	go client.readPump(s.hub)
}

func (s *Server) replay(r *http.Request, client *wsClient, since time.Time) {
	rows, err := s.store.Since(r.Context(), client.filter.conversationID, since)
	if err != nil {
		s.log.Error("replay fetch failed",
			"conversation_id", client.filter.conversationID, "err", err)
		return
	}
	for _, row := range rows {
		typ := eventInsert
		if !row.CreatedAt.After(since) {
			typ = eventUpdate
		}
		e := eventPayload{Type: typ, messagePayload: payloadFromRow(row)}
		if !client.filter.matches(e) {
			continue
		}
		select {
		case client.send <- e:
		case <-client.done:
			return
		default:
			return
		}
	}
}

// readPump services control frames and surfaces disconnects. Clients
// never send data frames on this socket.
func (c *wsClient) readPump(h *hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case e := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(e); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
