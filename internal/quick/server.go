package quick

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Router builds the quick server's HTTP API.
func (e *Engine) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
	}))

	r.Get("/health", e.handleHealth)

	r.Route("/quickserver", func(r chi.Router) {
		r.Get("/status", e.handleStatus)
		r.Post("/trigger", e.handleTrigger)
	})

	return r
}

// handleHealth reports liveness and the last cycle failure.
func (e *Engine) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"startupTimestamp": e.StartupTimestamp(),
		"lastErrorString":  e.LastError(),
	})
}

// handleStatus serves the last TestingState verbatim.
func (e *Engine) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(e.State())
}

// handleTrigger forces a refresh on the next cycle.
func (e *Engine) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	e.Trigger()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "triggered"})
}

// Serve runs the HTTP API until the context is canceled.
func (e *Engine) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", e.cfg.QuickPort),
		Handler: e.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	e.log.Info().Str("addr", httpServer.Addr).Msg("serving quick-test API")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.QuickIdleWait)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
