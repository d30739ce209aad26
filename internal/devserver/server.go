// Package devserver is a scripted stand-in for the requirements workflow
// backend. It speaks the same create, resume and stream protocol and plays
// events from a YAML Script, so the client can be exercised end to end
// without the real pipeline.
//
// Events for a run are fanned out over a watermill gochannel topic. A stream
// handler subscribes to the run's topic and a player goroutine publishes the
// script into it, one acknowledged message at a time.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/JingHuan921/secondhalf-coding/internal/logging"
)

// Config holds server configuration.
type Config struct {
	Addr              string
	Script            *Script
	HeartbeatInterval time.Duration
	EnableCORS        bool
	Logger            *zerolog.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:              "127.0.0.1:8000",
		HeartbeatInterval: HeartbeatInterval,
		EnableCORS:        true,
	}
}

// Server is the dev backend.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	pubsub   *gochannel.GoChannel
	runs     *runStore
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu     sync.RWMutex
	script *Script
}

// New creates a server. A nil config uses DefaultConfig and a nil script the
// built-in one.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = HeartbeatInterval
	}
	script := cfg.Script
	if script == nil {
		script = DefaultScript()
	}

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 16,
				// One message in flight per run keeps events in script order.
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		runs:   newRunStore(),
		script: script,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = logging.Component("devserver")
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Get("/health", s.health)

	r.Route("/graph", func(r chi.Router) {
		r.Post("/stream/create", s.createRun)
		r.Post("/stream/resume", s.resumeRun)
		r.Get("/stream/{threadID}", s.streamSSE)
		r.Get("/ws/{threadID}", s.streamWS)
	})
}

// requestLogger logs each request once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Script returns the script used for new runs.
func (s *Server) Script() *Script {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.script
}

// SetScript replaces the script for runs created from now on. Runs already in
// progress keep the script they started with.
func (s *Server) SetScript(script *Script) {
	s.mu.Lock()
	s.script = script
	s.mu.Unlock()
	s.log.Info().Str("start", script.Start).Int("segments", len(script.Segments)).Msg("script loaded")
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start serves on the configured address until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.config.Addr).Msg("dev server listening")
	if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open streams and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	// Streams never go idle, so they are ended before waiting on the server.
	return errors.Join(s.Close(), s.httpSrv.Shutdown(ctx))
}

// Close releases the event fan-out. Open streams end.
func (s *Server) Close() error {
	return s.pubsub.Close()
}
