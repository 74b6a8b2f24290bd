// Package server exposes the queue over HTTP: a JSON REST surface for
// management and polling, plus a WebSocket endpoint that feeds the connection
// registry for push delivery.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/queue"
	"notifyd/internal/registry"
	logx "notifyd/pkg/logx"
)

// Config is the resolved (durations already parsed) server configuration.
type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration // keep 0 unless you know better: websockets are long-lived
	IdleTimeout  time.Duration

	DebugPprof bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:3000"
	}
	return c
}

type Server struct {
	cfg      Config
	engine   *queue.Engine
	registry *registry.Registry
	log      logx.Logger

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, engine *queue.Engine, reg *registry.Registry, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		engine:   engine,
		registry: reg,
		log:      log,
	}
}

// Start binds the listener. The serve loop itself is handed back for the
// caller's supervisor to run; this split keeps bind errors synchronous.
func (s *Server) Start() (func(ctx context.Context) error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil, errors.New("server already started")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.mountRoutes(router)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:      router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.ln = ln
	s.log.Info("listening", logx.String("addr", ln.Addr().String()))

	return func(ctx context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}, nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests, closes live websockets, and releases the
// listener. Idempotent.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	s.registry.CloseAll()
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("shutdown incomplete; forcing close", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("server stopped")
}
