package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"chatsync/internal/domain"
	"chatsync/internal/httpx"
	"chatsync/internal/server/store"
)

type messagePayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Ciphertext     string    `json:"ciphertext"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

func payloadFromRow(row store.MessageRow) messagePayload {
	return messagePayload{
		MessageID:      row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		RecipientID:    row.RecipientID,
		Ciphertext:     base64.StdEncoding.EncodeToString(row.Ciphertext),
		Status:         row.Status,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		CorrelationID:  row.CorrelationID,
	}
}

type createMessageRequest struct {
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
	Messages []messagePayload `json:"messages"`
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

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	sender, _ := SubjectFrom(r.Context())
	var req createMessageRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	if req.RecipientID == "" {
		http.Error(w, "recipient_id is required", http.StatusBadRequest)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil || len(ciphertext) == 0 {
		http.Error(w, "invalid ciphertext", http.StatusBadRequest)
		return
	}

	now := s.now()
	row := store.MessageRow{
		ID:             s.newID(),
		ConversationID: req.ConversationID,
		SenderID:       sender,
		RecipientID:    req.RecipientID,
		Ciphertext:     ciphertext,
		Status:         domain.StatusSent.String(),
		CorrelationID:  req.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	row, created, err := s.store.Create(r.Context(), row)
	if err != nil {
		s.log.Error("create message failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if created {
		s.hub.broadcast(eventPayload{Type: eventInsert, messagePayload: payloadFromRow(row)})
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, ackResponse{
		MessageID: row.ID,
		Status:    row.Status,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "invalid before timestamp", http.StatusBadRequest)
			return
		}
		before = t
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > s.cfg.PageMax {
		limit = s.cfg.PageMax
	}

	rows, err := s.store.History(r.Context(), conversationID, before, limit)
	if err != nil {
		s.log.Error("history fetch failed", "conversation_id", conversationID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	resp := historyResponse{Messages: make([]messagePayload, 0, len(rows))}
	for _, row := range rows {
		resp.Messages = append(resp.Messages, payloadFromRow(row))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	sub, _ := SubjectFrom(r.Context())
	messageID := chi.URLParam(r, "messageID")

	var req statusRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	next, err := domain.ParseStatus(req.Status)
	if err != nil {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	if next != domain.StatusDelivered && next != domain.StatusRead {
		http.Error(w, "only delivered and read can be reported", http.StatusBadRequest)
		return
	}

	row, err := s.store.Get(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			http.Error(w, "message not found", http.StatusNotFound)
			return
		}
		s.log.Error("load message failed", "message_id", messageID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// Receipts come from the receiving side only.
	if row.RecipientID != sub {
		http.Error(w, "not the recipient", http.StatusForbidden)
		return
	}
	current, err := domain.ParseStatus(row.Status)
	if err != nil {
		s.log.Error("stored status corrupt", "message_id", messageID, "status", row.Status)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if next == current {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !next.CanReplace(current) {
		http.Error(w, "status regression", http.StatusConflict)
		return
	}

	updated, err := s.store.UpdateStatus(r.Context(), messageID, next.String(), s.now())
	if err != nil {
		s.log.Error("status update failed", "message_id", messageID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.hub.broadcast(eventPayload{Type: eventUpdate, messagePayload: payloadFromRow(updated)})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request) {
	sub, _ := SubjectFrom(r.Context())
	conversationID := chi.URLParam(r, "conversationID")

	var req typingRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.RecipientID == "" {
		http.Error(w, "recipient_id is required", http.StatusBadRequest)
		return
	}
	// Typing is ephemeral: fanned out, never stored.
	s.hub.broadcast(eventPayload{
		Type: eventTyping,
		messagePayload: messagePayload{
			ConversationID: conversationID,
			SenderID:       sub,
			RecipientID:    req.RecipientID,
		},
		Typing: req.Typing,
	})
	w.WriteHeader(http.StatusAccepted)
}

type keyRequest struct {
	PublicKey string `json:"public_key"`
}

type keyResponse struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handlePublishKey(w http.ResponseWriter, r *http.Request) {
	sub, _ := SubjectFrom(r.Context())
	var req keyRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	pub, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(pub) != 32 {
		http.Error(w, "public key must be 32 base64 bytes", http.StatusBadRequest)
		return
	}
	err = s.store.UpsertKey(r.Context(), store.UserKeyRow{
		UserID:    sub,
		PublicKey: pub,
		UpdatedAt: s.now(),
	})
	if err != nil {
		s.log.Error("key upsert failed", "user_id", sub, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	row, err := s.store.GetKey(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			http.Error(w, "key not published", http.StatusNotFound)
			return
		}
		s.log.Error("key fetch failed", "user_id", userID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, keyResponse{
		UserID:    row.UserID,
		PublicKey: base64.StdEncoding.EncodeToString(row.PublicKey),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	token, err := s.signer.Sign(req.UserID)
	if err != nil {
		s.log.Error("token sign failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tokenResponse{Token: token})
}
