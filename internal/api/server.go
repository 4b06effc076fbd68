package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	logx "castbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server exposes the CRUD surface for campaigns, groups and the delivery
// ledger. The dispatcher owns last_minute; this layer never writes it.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string

	h *handlers
}

func NewServer(log logx.Logger, h *handlers) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log, h: h}
}

// Addr returns the bound listen address ("" when not running).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/groups", func(r chi.Router) {
		r.Get("/", s.h.listGroups)
		r.Post("/", s.h.createGroup)
		r.Delete("/{id}", s.h.deleteGroup)
	})
	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", s.h.listCampaigns)
		r.Post("/", s.h.createCampaign)
		r.Put("/{id}", s.h.updateCampaign)
		r.Delete("/{id}", s.h.deleteCampaign)
	})
	r.Get("/deliveries", s.h.listDeliveries)
	return r
}

// Apply starts/stops the server according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == cfg.Addr {
		return
	}

	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Error("api listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", logx.String("addr", cfg.Addr), logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.addr))
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("api stopped", logx.String("addr", addr))
}
