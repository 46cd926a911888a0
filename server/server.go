// Package server provides the HTTP and WebSocket endpoint of the pay agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dotside-studios/davi-pay-agent/buildinfo"
	"github.com/dotside-studios/davi-pay-agent/metrics"
	"github.com/dotside-studios/davi-pay-agent/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the server configuration
type Config struct {
	Port           int
	APISecret      string // Optional API secret for WebSocket connection
	CertFile       string
	KeyFile        string
	MDNS           bool
	RateLimit      float64 // requests per second per connection, 0 disables
	RateBurst      int
	SessionTimeout time.Duration

	// MetricsPath serves Registry when both are set.
	MetricsPath string
	Registry    *prometheus.Registry
	Metrics     *metrics.AppMetrics

	Logger *zap.Logger
}

// TLSEnabled reports whether the server serves HTTPS/WSS.
func (c Config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config   Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	handlerRegistry *HandlerRegistry
	greeters        []Greeter
	leavers         []Leaver
	clients         *ClientManager
	sessions        *SessionManager

	sessionMu     sync.Mutex
	sessionToken  string
	sessionClient *Client

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	httpServer *http.Server
	listener   net.Listener
	mdnsServer *zeroconf.Server
}

// New creates a server and registers handlers on it.
func New(config Config, handlers ...ServerHandler) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		handlerRegistry: NewHandlerRegistry(),
		clients:         NewClientManager(config.Metrics, logger),
		sessions:        NewSessionManager(config.APISecret, config.SessionTimeout, logger),
		ctx:             ctx,
		cancel:          cancel,
	}
	s.sessions.OnExpire(s.expireSession)

	for _, h := range handlers {
		if err := h.Register(s); err != nil {
			cancel()
			return nil, fmt.Errorf("register handler: %w", err)
		}
		if g, ok := h.(Greeter); ok {
			s.greeters = append(s.greeters, g)
		}
		if l, ok := h.(Leaver); ok {
			s.leavers = append(s.leavers, l)
		}
	}
	return s, nil
}

// Handle implements HandlerServer.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.handlerRegistry.RegisterLifecycle(start)
}

// Broadcast implements HandlerServer.
func (s *Server) Broadcast(message protocol.WebSocketMessage) {
	s.clients.Broadcast(message)
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	return s.clients.Count()
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get(RouteWebSocket, s.handleWebSocket)

	r.Route(RouteAPIv1, func(r chi.Router) {
		r.Get("/health", s.handleHealthCheck)
		r.Get("/info", s.handleInfo)
	})

	if s.config.Registry != nil && s.config.MetricsPath != "" {
		r.Handle(s.config.MetricsPath, metrics.Handler(s.config.Registry))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.DisplayName + " Running"))
	})
	return r
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Listen binds the port, starts serving and advertising, and starts the
// lifecycle handlers. It returns once the server accepts connections.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return errors.New("server already started")
	}
	if s.ctx.Err() != nil {
		return errors.New("server stopped")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.httpServer
	go func() {
		var err error
		if s.config.TLSEnabled() {
			s.logger.Info("serving HTTPS", zap.String("addr", ln.Addr().String()))
			err = srv.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			s.logger.Info("serving HTTP", zap.String("addr", ln.Addr().String()))
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
			s.cancel()
		}
	}()

	if s.config.MDNS {
		if err := s.startMDNS(); err != nil {
			s.logger.Warn("mDNS unavailable, auto-discovery disabled", zap.Error(err))
		}
	}

	s.handlerRegistry.StartLifecycleHandlers(s.ctx)
	return nil
}

// Start listens and blocks until Stop is called or serving fails.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	<-s.ctx.Done()
	s.logger.Info("server context cancelled, shutting down")
	return nil
}

// Done is closed once the server is stopped or serving fails.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.logger.Info("mDNS service stopped")
	}

	s.clients.CloseAll()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("server shutdown error", zap.Error(err))
		}
		cancel()
		s.httpServer = nil
		s.listener = nil
	}
	s.cancel()
}

// startMDNS registers the agent as an mDNS service for auto-discovery.
func (s *Server) startMDNS() error {
	port := s.config.Port
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=" + RouteWebSocket,
		fmt.Sprintf("tls=%t", s.config.TLSEnabled()),
		fmt.Sprintf("secret=%t", s.config.APISecret != ""),
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	s.logger.Info("mDNS service registered", zap.String("name", MDNSServiceName), zap.Int("port", port))
	return nil
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.config.RateLimit <= 0 {
		return nil
	}
	burst := s.config.RateBurst
	if burst <= 0 {
		burst = int(s.config.RateLimit) + 1
	}
	return rate.NewLimiter(rate.Limit(s.config.RateLimit), burst)
}

// handleWebSocket admits the first client (first come, first served),
// upgrades it and routes its requests until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("secret")
	token, err := s.sessions.Acquire(secret, r.Header.Get("Origin"), r.RemoteAddr)
	switch {
	case errors.Is(err, ErrInvalidSecret):
		s.config.Metrics.Rejected(RejectUnauthorized)
		s.logger.Warn("WebSocket connection rejected: invalid API secret", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrSessionClaimed):
		s.config.Metrics.Rejected(RejectSessionClaimed)
		s.logger.Warn("WebSocket connection rejected: session already claimed", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Session already claimed by another client", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Release(token)
		s.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	client := newClient(conn, s.newLimiter(), s.logger)
	s.clients.Register(client)
	s.bindSession(token, client)
	client.logger.Info("WebSocket connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		s.unbindSession(token)
		for _, l := range s.leavers {
			l.Leave(client)
		}
		s.sessions.Release(token)
		s.clients.Unregister(client)
		client.Close()
		client.logger.Info("WebSocket disconnected, session released")
	}()

	for _, g := range s.greeters {
		g.Greet(client)
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.sessions.RefreshTimeout()
		s.dispatch(client, message)
	}
}

// dispatch routes one raw request to its handler.
func (s *Server) dispatch(client *Client, message []byte) {
	var req protocol.WebSocketRequest
	if err := json.Unmarshal(message, &req); err != nil {
		client.logger.Debug("failed to parse WebSocket message", zap.Error(err))
		client.SendError("", protocol.ErrCodeParse, "Invalid message format")
		return
	}

	if !client.allow() {
		s.config.Metrics.Rejected(RejectRateLimited)
		client.SendError(req.ID, protocol.ErrCodeRateLimited, "Rate limit exceeded")
		return
	}

	if req.Type == "" {
		client.SendError(req.ID, protocol.ErrCodeInvalidRequest, "Missing message type")
		return
	}

	handler, ok := s.handlerRegistry.Get(req.Type)
	if !ok {
		client.logger.Debug("unknown message type", zap.String("type", req.Type))
		client.SendError(req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
		return
	}

	if err := handler(s.ctx, client, req); err != nil {
		client.logger.Warn("handler error", zap.String("type", req.Type), zap.Error(err))
	}
}

func (s *Server) bindSession(token string, client *Client) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.sessionToken = token
	s.sessionClient = client
}

func (s *Server) unbindSession(token string) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.sessionToken == token {
		s.sessionToken = ""
		s.sessionClient = nil
	}
}

// expireSession disconnects the client whose session timed out.
func (s *Server) expireSession(token string) {
	s.sessionMu.Lock()
	client := s.sessionClient
	if s.sessionToken != token {
		client = nil
	}
	s.sessionMu.Unlock()

	if client != nil {
		client.logger.Info("closing idle session")
		client.Close()
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo describes the agent (GET /api/v1/info)
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"name":         buildinfo.Name,
		"version":      buildinfo.FullVersion(),
		"messageTypes": s.handlerRegistry.MessageTypes(),
		"tls":          s.config.TLSEnabled(),
		"sessionBusy":  s.sessions.Active(),
		"clients":      s.clients.Count(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
