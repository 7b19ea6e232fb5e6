// Package httpapi is the HTTP transport (A3): a chi router mounting the
// OpenAI-compatible surface (chat completions, model listing, embeddings)
// onto the dispatch engine (C7), with RealIP/Recoverer middleware and a
// graceful-shutdown http.Server wrapper.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/allaspects/cacheproxy/internal/tracing"
)

// Server is the cache proxy's HTTP server.
type Server struct {
	router  chi.Router
	httpSrv *http.Server
}

// New builds a Server with the given Handlers mounted at both the
// versioned and unversioned forms of each path.
func New(h *Handlers, addr string, readTimeout, writeTimeout, idleTimeout time.Duration, maxBodyBytes int64, logger zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tracing.HTTPMiddleware)
	r.Use(requestLogger(logger))
	if maxBodyBytes > 0 {
		r.Use(maxBodyMiddleware(maxBodyBytes))
	}

	r.Post("/v1/chat/completions", h.ChatCompletions)
	r.Post("/chat/completions", h.ChatCompletions)
	r.Get("/v1/models", h.Models)
	r.Get("/models", h.Models)
	r.Post("/v1/embeddings", h.Embeddings)
	r.Post("/embeddings", h.Embeddings)
	r.Get("/health", h.Health)

	return &Server{
		router: r,
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
	}
}

// Router exposes the underlying chi.Router for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Start blocks serving HTTP connections until Shutdown is called.
func (s *Server) Start() error {
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Msg("request completed")
		})
	}
}

func maxBodyMiddleware(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}
