// Package gwsim is a small in-process gateway simulator. It speaks
// just enough of the messages protocol for the probe to be exercised
// against known-good behavior, and its options deliberately reproduce
// the broken behaviors the probe exists to catch: accepting bad
// credentials, dropping every Nth request, rate limiting.
package gwsim

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultPort   = 4010
	defaultAPIKey = "sim-key"
	defaultModel  = "claude-3-5-sonnet-20241022"
)

// Option configures the simulator.
type Option func(*Server) error

// WithPort sets the listen port for Start.
func WithPort(port int) Option {
	return func(s *Server) error {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port %d", port)
		}
		s.port = port
		return nil
	}
}

// WithAPIKey sets the credential the simulator accepts.
func WithAPIKey(key string) Option {
	return func(s *Server) error {
		if key == "" {
			return fmt.Errorf("api key must not be empty")
		}
		s.keyHash = hashKey(key)
		return nil
	}
}

// WithAcceptAnyKey makes the simulator accept any syntactically valid
// credential. This reproduces the misconfigured gateway the status
// code check is designed to catch.
func WithAcceptAnyKey() Option {
	return func(s *Server) error {
		s.acceptAnyKey = true
		return nil
	}
}

// WithRateLimit enforces a fixed per-minute window on messages.
func WithRateLimit(rpm int) Option {
	return func(s *Server) error {
		if rpm <= 0 {
			return fmt.Errorf("rate limit must be positive, got %d", rpm)
		}
		s.limiter = newWindowLimiter(rpm)
		return nil
	}
}

// WithFailEvery makes every nth messages request fail. With a fallback
// model configured the failure is rerouted; without one it surfaces as
// a 502.
func WithFailEvery(n int) Option {
	return func(s *Server) error {
		if n < 2 {
			return fmt.Errorf("fail interval must be at least 2, got %d", n)
		}
		s.failEvery = n
		return nil
	}
}

// WithFallbackModel sets the model failed requests are rerouted to.
func WithFallbackModel(model string) Option {
	return func(s *Server) error {
		s.fallbackModel = model
		return nil
	}
}

// WithModels sets the model list advertised on /model/info.
func WithModels(models ...string) Option {
	return func(s *Server) error {
		if len(models) == 0 {
			return fmt.Errorf("at least one model is required")
		}
		s.models = models
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// Server simulates one gateway deployment.
type Server struct {
	router *chi.Mux
	logger *slog.Logger
	port   int

	keyHash       string
	acceptAnyKey  bool
	models        []string
	fallbackModel string
	failEvery     int
	limiter       *windowLimiter

	requestCount atomic.Int64
}

// New builds a simulator with the given options.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger:  slog.Default(),
		port:    defaultPort,
		keyHash: hashKey(defaultAPIKey),
		models:  []string{defaultModel},
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "gwsim")
	})

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/model/info", s.handleModelInfo)
		r.Post("/v1/messages", s.handleMessages)
	})

	s.router = r
	return s, nil
}

// Router exposes the handler for in-process tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is canceled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("simulator listening", slog.Int("port", s.port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("simulator shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
