// Package httpapi exposes the relay's HTTP surface: the Telegram webhook
// callback, the front-end notification endpoints, and the health/admin
// endpoints.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"relaybot/internal/bot"
	"relaybot/internal/dedup"
	"relaybot/internal/health"
	"relaybot/internal/registrar"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Listen         string
	WebhookSecret  string
	AdminToken     string
	ProcessTimeout time.Duration
	RateWindow     time.Duration
	RateMax        int
}

type Server struct {
	cfg Config
	log logx.Logger

	cache  *dedup.Cache
	health *health.Tracker
	bot    *bot.Service
	reg    *registrar.Registrar

	limiter *fixedWindow

	mu        sync.Mutex
	srv       *http.Server
	ln        net.Listener
	startedAt time.Time
}

func New(cfg Config, log logx.Logger, cache *dedup.Cache, h *health.Tracker, b *bot.Service, reg *registrar.Registrar) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "http")),
		cache:   cache,
		health:  h,
		bot:     b,
		reg:     reg,
		limiter: newFixedWindow(cfg.RateWindow, cfg.RateMax),
	}
	return s
}

// ApplyRateLimits updates the /api limiter (config hot reload).
func (s *Server) ApplyRateLimits(window time.Duration, max int) {
	s.limiter.SetLimits(window, max)
}

// Router builds the chi handler tree. Split out so tests can drive the
// full middleware chain through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	r.Use(s.recoverer)

	r.Get("/", s.handleBanner)
	r.Get("/health", s.handleHealth)
	r.Get("/webhook", s.handleLiveness)
	r.Post("/webhook/{token}", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/sendWelcomeMessage", s.handleSendWelcome)
		r.Post("/sendReferralNotification", s.handleSendReferral)
		r.Post("/sendBotMessage", s.handleSendBotMessage)
		r.Delete("/clearMessageCache", s.requireAdmin(s.handleClearCache))
		r.Get("/messageCacheStats", s.handleCacheStats)
	})
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.srv = srv
	s.ln = ln
	s.startedAt = time.Now()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", logx.String("addr", ln.Addr().String()), logx.Err(err))
		}
	}()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listen address ("" before Start).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
