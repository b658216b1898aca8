// Package api serves the authenticated admin API: blacklist management,
// incidents, statistics, metrics and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/emergency"
	"github.com/shizukutanaka/mamoru/internal/events"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/response"
	"github.com/shizukutanaka/mamoru/internal/security"
)

// Config defines API server configuration
type Config struct {
	Enabled           bool          `mapstructure:"enabled"`
	ListenAddr        string        `mapstructure:"listen_addr"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	AdminUser         string        `mapstructure:"admin_user"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
	TokenTTL          time.Duration `mapstructure:"token_ttl"`
	MetricsPath       string        `mapstructure:"metrics_path"`
	AllowOrigins      []string      `mapstructure:"allow_origins"`
}

// Blacklist is the read side of the reputation store.
type Blacklist interface {
	Entries() []reputation.Entry
	Lookup(id string) (reputation.Entry, bool)
}

// Responder performs manual blocks and exposes response statistics.
type Responder interface {
	Block(id, reason string, ttl time.Duration) (reputation.Entry, bool)
	Unblock(id, reason string) bool
	Statistics() *response.Statistics
	Advisories() []response.Advisory
	Counters() map[string]uint64
}

// Incidents is the operator surface of the emergency coordinator.
type Incidents interface {
	Initiate(trigger emergency.Trigger) (emergency.Incident, error)
	Get(id string) (emergency.Incident, error)
	List() []emergency.Incident
	Resolve(id, note string) (emergency.Incident, error)
	Abort(id, reason string) (emergency.Incident, error)
	CancelRecovery(id string) (bool, error)
	RecoveryPending(id string) bool
}

// EventFeed provides recent events and live subscriptions.
type EventFeed interface {
	Recent(n int) []security.Event
	Subscribe(buffer int) (<-chan security.Event, func())
}

// EventHistory queries persisted events.
type EventHistory interface {
	Query(ctx context.Context, f events.Filter) ([]security.Event, error)
}

// Deps are the components the API exposes. History, Metrics and Status are
// optional.
type Deps struct {
	Blacklist Blacklist
	Responder Responder
	Incidents Incidents
	Events    EventFeed
	History   EventHistory
	Metrics   http.Handler
	Status    func() map[string]any
}

// Response represents API response format
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server is the admin API server.
type Server struct {
	logger   *zap.Logger
	config   Config
	deps     Deps
	auth     *Authenticator
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader
	logins   *loginLimiter
	panics   atomic.Uint64
}

// NewServer creates the server and its routes.
func NewServer(logger *zap.Logger, config Config, deps Deps) (*Server, error) {
	if config.JWTSecret == "" {
		return nil, errors.New("admin API requires a JWT secret")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:9443"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	s := &Server{
		logger: logger,
		config: config,
		deps:   deps,
		auth:   NewAuthenticator(logger, []byte(config.JWTSecret), config.AdminUser, config.AdminPasswordHash, config.TokenTTL),
		logins: newLoginLimiter(10, 5),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(config.AllowOrigins),
		},
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stats returns the server's own counters.
func (s *Server) Stats() map[string]uint64 {
	return map[string]uint64{
		"panics_recovered":    s.panics.Load(),
		"logins_rate_limited": s.logins.rejected.Load(),
	}
}

// Authenticator returns the token issuer.
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

func (s *Server) setupRoutes() {
	r := mux.NewRouter()
	r.Use(recoverPanics(s.logger, &s.panics), securityHeaders, logRequests(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle(s.config.MetricsPath, s.deps.Metrics).Methods(http.MethodGet)
	}
	r.Handle("/api/v1/auth/login", s.logins.middleware(http.HandlerFunc(s.auth.Login))).Methods(http.MethodPost)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.RequireAdmin)

	v1.HandleFunc("/blacklist", s.handleListBlacklist).Methods(http.MethodGet)
	v1.HandleFunc("/blacklist", s.handleBlock).Methods(http.MethodPost)
	v1.HandleFunc("/blacklist/{id}", s.handleGetBlacklist).Methods(http.MethodGet)
	v1.HandleFunc("/blacklist/{id}", s.handleUnblock).Methods(http.MethodDelete)

	v1.HandleFunc("/incidents", s.handleListIncidents).Methods(http.MethodGet)
	v1.HandleFunc("/incidents", s.handleTrigger).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}", s.handleGetIncident).Methods(http.MethodGet)
	v1.HandleFunc("/incidents/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}/abort", s.handleAbort).Methods(http.MethodPost)
	v1.HandleFunc("/incidents/{id}/recovery", s.handleCancelRecovery).Methods(http.MethodDelete)

	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/advisories", s.handleAdvisories).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/events/stream", s.handleStream).Methods(http.MethodGet)

	s.router = r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("Starting admin API server", zap.String("listen_addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping admin API server")
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: status < 400, Data: data, Time: time.Now()})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{Success: false, Error: message, Time: time.Now()})
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients.
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
