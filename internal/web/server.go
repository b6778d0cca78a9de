// Package web exposes the bridge's status/control surface: a JSON API over
// the coordinator's device fleet and a websocket stream of its events.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"ecoflow-bridge/internal/coordinator"
	"ecoflow-bridge/internal/device"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server for the bridge API.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// DeviceView is the API representation of one tracked device.
type DeviceView struct {
	SN          string    `json:"sn"`
	Name        string    `json:"name"`
	ProductName string    `json:"product_name,omitempty"`
	Online      bool      `json:"online"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	LastUpdate  time.Time `json:"last_update"`
}

// DeviceDetail extends DeviceView with the full field-key space.
type DeviceDetail struct {
	DeviceView
	Sensors      map[string]device.Value `json:"sensors"`
	Switches     map[string]device.Value `json:"switches"`
	Selects      map[string]device.Value `json:"selects"`
	BreakerModes []string                `json:"breaker_modes"`
}

// NewServer creates a new web server.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Subscribe to all coordinator events and broadcast via WebSocket
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// REST API
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("GET /api/devices/{sn}", s.handleAPIGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{sn}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("POST /api/devices/{sn}/refresh", s.handleAPIRefreshDevice)
	s.mux.HandleFunc("POST /api/devices/{sn}/command", s.handleAPISendCommand)
	s.mux.HandleFunc("POST /api/refresh", s.handleAPIRefreshAll)
	s.mux.HandleFunc("GET /api/session", s.handleAPISessionInfo)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only require the API key for /api/ endpoints; browsers cannot
		// send custom headers on a WS upgrade.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// deviceView merges a device's live state with its persisted metadata.
func (s *Server) deviceView(dev device.Device) DeviceView {
	v := DeviceView{
		SN:         dev.SN(),
		Name:       dev.Name(),
		Online:     dev.Online(),
		LastUpdate: dev.State().LastUpdate(),
	}
	if rec, err := s.coord.Store().GetDevice(dev.SN()); err == nil {
		v.ProductName = rec.ProductName
		v.FirstSeen = rec.FirstSeen
		v.LastSeen = rec.LastSeen
	}
	return v
}
