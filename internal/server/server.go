// Package server exposes the dashboard snapshot over HTTP and pushes
// updates to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/options-dashboard/internal/dashboard"
	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

type Config struct {
	Addr           string
	AllowedOrigins []string
	Dashboard      *dashboard.Dashboard
}

type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	dash     *dashboard.Dashboard
	hub      *Hub
	upgrader websocket.Upgrader

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router: chi.NewRouter(),
		log:    observ.Logger("server"),
		dash:   cfg.Dashboard,
		hub:    NewHub(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}

	s.setupMiddleware(cfg.AllowedOrigins)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.hub.Run(ctx)
	s.unsubscribe = s.dash.Subscribe(s.pushSnapshot)
	return s
}

func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Method(http.MethodGet, "/health", observ.HealthHandler())
	s.router.Method(http.MethodGet, "/metrics", observ.Handler())
	s.router.Get("/ws", s.handleWebSocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/signals", s.handleSignals)
		r.Get("/portfolio", s.handlePortfolio)
		r.Get("/risk", s.handleRisk)
		r.Get("/option-chain/{instrument}", s.handleOptionChain)
		r.Get("/journal", s.handleJournal)
		r.Get("/system", s.handleSystem)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.handleSessionStatus)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
		})

		r.Route("/positions", func(r chi.Router) {
			r.Get("/", s.handlePositions)
			r.Post("/", s.handleOpenPosition)
			r.Delete("/{id}", s.handleClosePosition)
		})
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.unsubscribe()
	s.cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) pushSnapshot() {
	msg, err := json.Marshal(s.dash.Snapshot())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	s.hub.Broadcast(msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	first, err := json.Marshal(s.dash.Snapshot())
	if err != nil {
		conn.Close()
		return
	}
	s.hub.attach(s.ctx, conn, first)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		observ.IncCounter("http_requests_total", map[string]string{"method": r.Method, "status": strconv.Itoa(ww.Status())})
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// originChecker allows websocket upgrades from the CORS origins. A "*"
// entry allows any origin.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := map[string]bool{}
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}
