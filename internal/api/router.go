package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/agora/social-chat/internal/metrics"
)

// RouterConfig holds the router settings that are not handler dependencies.
type RouterConfig struct {
	CORSOrigins  []string
	UploadDir    string // served read-only under UploadPrefix
	UploadPrefix string // e.g. "/uploads/"
	MaxBodyBytes int64  // JSON bodies; uploads have their own limit
}

// NewRouter creates and configures the HTTP router. requireAuth verifies the
// bearer token and stores the user on the request context.
func NewRouter(h *Handler, requireAuth func(http.Handler) http.Handler, cfg RouterConfig, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", metrics.Handler())

	if cfg.UploadDir != "" {
		prefix := cfg.UploadPrefix
		if prefix == "" {
			prefix = "/uploads/"
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		r.Handle(prefix+"*", http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.UploadDir))))
	}

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Group(func(r chi.Router) {
			if cfg.MaxBodyBytes > 0 {
				r.Use(chimw.RequestSize(cfg.MaxBodyBytes))
			}
			r.Get("/chats/{userId}", h.listChats)
			r.Get("/messages/{id}", h.history)
			r.Put("/messages/{id}", h.editMessage)
			r.Delete("/messages/{id}", h.deleteMessage)
			r.Put("/api/users/status", h.updateStatus)
			r.Get("/api/users/{userId}/status", h.getStatus)
		})

		r.Post("/messages/upload", h.upload)
		r.Post("/messages/upload-voice", h.uploadVoice)
	})

	return r
}
