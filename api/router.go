// Package api serves the HTTP side of the server: the agent's permission
// hook, the pending-permission query, the persisted session index,
// dev-mode injection and health.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/claudego/server/coordinator"
	"github.com/claudego/server/errdefs"
	"github.com/claudego/server/session"
)

// Options configures NewRouter.
type Options struct {
	Manager     *coordinator.Manager
	Store       session.Store // optional; enables /sessions
	Token       string
	Version     string
	DevMode     bool
	HookTimeout time.Duration

	// WebSocket is mounted at /ws outside bearer auth; the JSON-RPC
	// session authenticates itself.
	WebSocket http.Handler

	Logger *slog.Logger
}

// NewRouter creates the chi router with all routes and middleware.
func NewRouter(opts Options) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recovery(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  opts.Version,
			Sessions: len(opts.Manager.List()),
		})
	})

	if opts.WebSocket != nil {
		r.Handle("/ws", opts.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Token))

		hookH := NewHookHandler(opts.Manager, opts.HookTimeout)
		r.Route("/hook", func(r chi.Router) {
			r.Get("/pending", hookH.Pending)
			r.Post("/permission", hookH.Permission)
		})

		if opts.Store != nil {
			sessionH := NewSessionHandler(opts.Store, opts.Manager)
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", sessionH.List)
				r.Delete("/{id}", sessionH.Delete)
			})
		}

		if opts.DevMode {
			injectH := NewInjectHandler(opts.Manager)
			r.Post("/dev/inject/{sessionId}", injectH.Inject)
		}
	})

	return r
}

func urlParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data is required", errdefs.ErrInvalidArgument)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: data: %v", errdefs.ErrInvalidArgument, err)
	}
	return nil
}
