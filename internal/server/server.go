// Package server is the reference chat backend: JSON REST for writes
// and history, a websocket endpoint for realtime fan-out, gorm
// storage, HS256 bearer auth. It exists for local development and
// integration tests; it stores and relays ciphertext it cannot read.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/internal/config"
	"chatsync/internal/httpx"
	"chatsync/internal/jwtsigner"
	"chatsync/internal/observability/middleware"
	"chatsync/internal/server/store"
)

type Server struct {
	cfg    config.Server
	store  *store.Store
	signer *jwtsigner.Signer
	hub    *hub
	log    *slog.Logger

	now   func() time.Time
	newID func() string
}

func New(cfg config.Server, st *store.Store, signer *jwtsigner.Signer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		store:  st,
		signer: signer,
		hub:    newHub(log),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.WithRequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.WithMetrics)
	r.Use(httpx.LogRequests(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// REST carries a request timeout; the websocket route must not,
	// since its connections outlive any sane deadline.
	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Use(httprate.LimitByIP(s.cfg.WriteRateMin, time.Minute))
		r.Post("/v1/auth/token", s.handleToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(chimw.Timeout(30 * time.Second))
		r.Use(s.requireAuth)
		r.Get("/v1/conversations/{conversationID}/messages", s.handleHistory)
		r.Get("/v1/keys/{userID}", s.handleGetKey)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(s.cfg.WriteRateMin, time.Minute))
			r.Post("/v1/messages", s.handleCreateMessage)
			r.Patch("/v1/messages/{messageID}/status", s.handleUpdateStatus)
			r.Post("/v1/conversations/{conversationID}/typing", s.handleTyping)
			r.Put("/v1/keys", s.handlePublishKey)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/v1/ws", s.handleSubscribe)
	})

	return r
}
