// Package remote implements the backend contracts over the reference
// server's JSON REST and websocket API. One Client serves one user;
// the bearer token fixes the identity every call acts as.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/internal/backend"
	"chatsync/internal/domain"
)

const defaultTimeout = 10 * time.Second

// StatusError is a non-2xx API response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: %s failed: %s", e.Op, e.Body)
}

type Config struct {
	BaseURL string
	Token   string

	// HTTPClient overrides the default 10s-timeout client.
	HTTPClient *http.Client
	Log        *slog.Logger
}

type Client struct {
	base   string
	token  string
	http   *http.Client
	log    *slog.Logger
	userID string

	// lastSeen tracks the newest UpdatedAt delivered per filter so a
	// resubscribe can ask the server to replay what the gap missed.
	mu       sync.Mutex
	lastSeen map[backend.Filter]time.Time
}

var (
	_ backend.Store    = (*Client)(nil)
	_ backend.Realtime = (*Client)(nil)
)

func New(cfg Config) (*Client, error) {
	base := normalizeBaseURL(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("remote: base url is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("remote: token is required")
	}
	userID, err := SubjectOf(cfg.Token)
	if err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base:     base,
		token:    cfg.Token,
		http:     hc,
		log:      log,
		userID:   userID,
		lastSeen: make(map[backend.Filter]time.Time),
	}, nil
}

// UserID is the subject of the client's token.
func (c *Client) UserID() string { return c.userID }

// SubjectOf extracts the user id a token acts as without verifying the
// signature. Verification is the server's job; the client only needs
// to know who it is speaking for.
func SubjectOf(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("remote: parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("remote: token has no subject")
	}
	return claims.Subject, nil
}

// MintToken asks the server's development token endpoint for a bearer
// token. Production deployments issue tokens out of band.
func MintToken(ctx context.Context, baseURL, userID string) (string, error) {
	body, err := json.Marshal(tokenRequest{UserID: userID})
	if err != nil {
		return "", err
	}
	endpoint := normalizeBaseURL(baseURL) + "/v1/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: defaultTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return "", apiError("token request", resp)
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("remote: decode token response: %w", err)
	}
	return out.Token, nil
}

type wireMessage struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Ciphertext     string    `json:"ciphertext"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CorrelationID  string    `json:"correlation_id"`
}

func (m wireMessage) event(typ backend.EventType) (backend.Event, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(m.Ciphertext)
	if err != nil {
		return backend.Event{}, fmt.Errorf("decode ciphertext: %w", err)
	}
	status, err := domain.ParseStatus(m.Status)
	if err != nil {
		return backend.Event{}, err
	}
	return backend.Event{
		Type:           typ,
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Ciphertext:     ciphertext,
		Status:         status,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		CorrelationID:  m.CorrelationID,
	}, nil
}

type sendRequest struct {
	ConversationID string `json:"conversation_id"`
	RecipientID    string `json:"recipient_id"`
	Ciphertext     string `json:"ciphertext"`
	CorrelationID  string `json:"correlation_id"`
}

type ackResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type historyResponse struct {
	Messages []wireMessage `json:"messages"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type typingRequest struct {
	RecipientID string `json:"recipient_id"`
	Typing      bool   `json:"typing"`
}

type tokenRequest struct {
	UserID string `json:"user_id"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type keyRequest struct {
	PublicKey string `json:"public_key"`
}

type keyResponse struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
}

func (c *Client) History(ctx context.Context, conversationID string, before time.Time, limit int) ([]backend.Event, error) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var out historyResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	events := make([]backend.Event, 0, len(out.Messages))
	for _, m := range out.Messages {
		ev, err := m.event(backend.EventInsert)
		if err != nil {
			return nil, fmt.Errorf("remote: history row %s: %w", m.MessageID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *Client) CreateMessage(ctx context.Context, msg backend.OutboundMessage) (backend.Ack, error) {
	req := sendRequest{
		ConversationID: msg.ConversationID,
		RecipientID:    msg.RecipientID,
		Ciphertext:     base64.StdEncoding.EncodeToString(msg.Ciphertext),
		CorrelationID:  msg.CorrelationID,
	}
	var out ackResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/messages", req, &out); err != nil {
		return backend.Ack{}, err
	}
	status, err := domain.ParseStatus(out.Status)
	if err != nil {
		return backend.Ack{}, fmt.Errorf("remote: ack status: %w", err)
	}
	return backend.Ack{
		MessageID: out.MessageID,
		Status:    status,
		CreatedAt: out.CreatedAt,
		UpdatedAt: out.UpdatedAt,
	}, nil
}

func (c *Client) UpdateStatus(ctx context.Context, messageID string, status domain.Status) error {
	err := c.doJSON(ctx, http.MethodPatch,
		"/v1/messages/"+url.PathEscape(messageID)+"/status",
		statusRequest{Status: status.String()}, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		// A newer receipt already landed; the transition is moot.
		return nil
	}
	return err
}

func (c *Client) SetTyping(ctx context.Context, conversationID, recipientID string, typing bool) error {
	return c.doJSON(ctx, http.MethodPost,
		"/v1/conversations/"+url.PathEscape(conversationID)+"/typing",
		typingRequest{RecipientID: recipientID, Typing: typing}, nil)
}

// ErrKeyNotFound reports that a user has not published an identity key
// to the directory yet.
var ErrKeyNotFound = errors.New("remote: identity key not published")

// PublishKey uploads this user's identity public key so counterparts
// can derive the shared conversation keys.
func (c *Client) PublishKey(ctx context.Context, pub [32]byte) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/keys", keyRequest{
		PublicKey: base64.StdEncoding.EncodeToString(pub[:]),
	}, nil)
}

func (c *Client) FetchKey(ctx context.Context, userID string) ([32]byte, error) {
	var out keyResponse
	err := c.doJSON(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(userID), nil, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrKeyNotFound, userID)
	}
	if err != nil {
		return [32]byte{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(out.PublicKey)
	if err != nil || len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("remote: malformed public key for %s", userID)
	}
	var pub [32]byte
	copy(pub[:], raw)
	return pub, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return apiError(method+" "+path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
	}
	return nil
}

func apiError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	if len(data) == 0 {
		data = []byte(resp.Status)
	}
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

func normalizeBaseURL(in string) string {
	return strings.TrimRight(strings.TrimSpace(in), "/")
}
