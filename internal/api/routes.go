package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pos-offline-sync/internal/config"
	"pos-offline-sync/internal/offline"
)

type Handler struct {
	cfg   config.ServerConfig
	coord *offline.Coordinator
}

func NewHandler(cfg config.ServerConfig, coord *offline.Coordinator) *Handler {
	return &Handler{
		cfg:   cfg,
		coord: coord,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware(h.cfg.CorsOrigins))

	r.Get("/health", h.HealthCheck)

	r.Route("/local/v1", func(r chi.Router) {
		r.Get("/records/{collection}", h.ListRecords)
		r.Post("/records/{collection}", h.CreateRecord)
		r.Get("/records/{collection}/{id}", h.GetRecord)
		r.Put("/records/{collection}/{id}", h.PutRecord)
		r.Post("/customers/{id}/points", h.AddPoints)
		r.Get("/alerts/low-stock", h.LowStock)
		r.Get("/export", h.Export)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/cache/status", h.GetCacheStatus)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.cfg.AuthToken))

			r.Post("/import", h.Import)
			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)
			r.Post("/sync/trigger", h.TriggerSync)
			r.Post("/sync/start", h.StartSync)
			r.Post("/sync/stop", h.StopSync)
			r.Get("/sync/conflicts", h.ListConflicts)
			r.Post("/sync/conflicts/{id}/resolve", h.ResolveConflict)
			r.Get("/sync/history", h.GetSyncHistory)
		})
	})

	// Everything else is the POS web app, served through the cache.
	r.Handle("/*", http.HandlerFunc(h.Proxy))

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Proxy(w http.ResponseWriter, r *http.Request) {
	cm := h.coord.Cache()
	if cm == nil {
		http.Error(w, "service starting", http.StatusServiceUnavailable)
		return
	}
	cm.ServeHTTP(w, r)
}

// CorsMiddleware allows the listed origins. An empty list or "*" allows
// any origin.
func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case len(allowed) == 0 || allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

			if r.Method == http.MethodOptions {
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuthMiddleware requires "Authorization: Bearer <token>". An empty token
// disables the check.
func AuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
