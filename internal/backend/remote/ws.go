package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/internal/backend"
)

const (
	// The server pings on its own schedule; readTimeout only has to
	// outlast one ping interval with slack.
	readTimeout   = 90 * time.Second
	writeWait     = 10 * time.Second
	maxFrameBytes = 2 << 20
)

type wireEvent struct {
	Type string `json:"type"`
	wireMessage
	Typing bool `json:"typing"`
}

func (e wireEvent) toEvent() (backend.Event, error) {
	switch e.Type {
	case "insert", "update":
		typ := backend.EventInsert
		if e.Type == "update" {
			typ = backend.EventUpdate
		}
		return e.wireMessage.event(typ)
	case "typing":
		return backend.Event{
			Type:           backend.EventTyping,
			ConversationID: e.ConversationID,
			SenderID:       e.SenderID,
			RecipientID:    e.RecipientID,
			Typing:         e.Typing,
		}, nil
	default:
		return backend.Event{}, fmt.Errorf("unknown event type %q", e.Type)
	}
}

type subscription struct {
	conn   *websocket.Conn
	events chan backend.Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan backend.Event { return s.events }
func (s *subscription) Err() <-chan error            { return s.errs }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
	return nil
}

// Subscribe opens a websocket feed for one filter. When the client has
// already seen traffic for this filter, the dial carries a cursor and
// the server replays whatever changed during the gap.
func (c *Client) Subscribe(ctx context.Context, f backend.Filter) (backend.Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	wsURL, err := c.subscribeURL(f, c.cursor(f))
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("remote: subscribe rejected: %s", resp.Status)
		}
		return nil, fmt.Errorf("remote: subscribe: %w", err)
	}
	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	sub := &subscription{
		conn:   conn,
		events: make(chan backend.Event, 32),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go sub.readLoop(c, f)
	return sub, nil
}

func (s *subscription) readLoop(c *Client, f backend.Filter) {
	defer close(s.events)
	for {
		var raw wireEvent
		if err := s.conn.ReadJSON(&raw); err != nil {
			select {
			case <-s.done:
				// Closed locally; not a loss.
			default:
				s.errs <- fmt.Errorf("%w: %v", backend.ErrSubscriptionLost, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		ev, err := raw.toEvent()
		if err != nil {
			c.log.Warn("dropping malformed realtime frame", "err", err)
			continue
		}
		c.noteSeen(f, ev)
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (c *Client) cursor(f backend.Filter) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen[f]
}

func (c *Client) noteSeen(f backend.Filter, ev backend.Event) {
	if ev.UpdatedAt.IsZero() {
		return
	}
	c.mu.Lock()
	if ev.UpdatedAt.After(c.lastSeen[f]) {
		c.lastSeen[f] = ev.UpdatedAt
	}
	c.mu.Unlock()
}

func (c *Client) subscribeURL(f backend.Filter, since time.Time) (string, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("remote: unsupported scheme %s", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	q := u.Query()
	q.Set("conversation", f.ConversationID)
	if f.SenderID != "" {
		q.Set("sender", f.SenderID)
	}
	if f.RecipientID != "" {
		q.Set("recipient", f.RecipientID)
	}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
