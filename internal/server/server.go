package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the HTTP API. The /aquaserver endpoints answer JSON (error
// replies are plain text) and /metrics serves the Prometheus text format.
// Every response allows any origin: the browser harnesses load from
// snapshot-served pages.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/aquaserver", func(r chi.Router) {
		r.Get("/next-test", s.handleNextTest)
		r.Post("/test-result", s.handleTestResult)
		r.Get("/test-result", s.handleTestResultGet)
		r.Get("/status", s.handleStatus)
		r.Get("/report", s.handleReport)
		r.Get("/history", s.handleHistory)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// recoverer keeps the server alive through handler panics, recording them
// for /status instead of crashing the process.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.recordError("http "+r.URL.Path, fmt.Errorf("panic: %v", rec))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Run serves the API until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.log.Info().Str("addr", httpServer.Addr).Msg("serving continuous-testing API")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
