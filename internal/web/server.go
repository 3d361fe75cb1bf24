// Package web serves the dashboard's HTTP API: the snapshot as JSON, a
// WebSocket stream of it for the wall tablet, health, metrics and a
// proxy for the few Home Assistant service calls the UI makes.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/VickoT/FamilyDash/internal/buildinfo"
	"github.com/VickoT/FamilyDash/internal/config"
	"github.com/VickoT/FamilyDash/internal/connwatch"
	"github.com/VickoT/FamilyDash/internal/events"
	"github.com/VickoT/FamilyDash/internal/homeassistant"
	"github.com/VickoT/FamilyDash/internal/snapshot"
	"github.com/VickoT/FamilyDash/internal/topics"
)

// maxServiceBody caps the JSON body accepted for service calls.
const maxServiceBody = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client went away mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ConnStater reports the broker connection state. *mqtt.Subscriber
// satisfies it. Ready means every topic is subscribed.
type ConnStater interface {
	StateName() string
	Ready() bool
}

// HomeAssistant is the part of the HA client the API proxies.
// *homeassistant.Client satisfies it.
type HomeAssistant interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.ListenConfig
	reader   snapshot.Reader
	logger   *slog.Logger
	server   *http.Server
	handler  http.Handler
	now      func() time.Time
	registry *topics.Registry
	conn     ConnStater
	watchers *connwatch.Manager
	bus      *events.Bus
	ha       HomeAssistant
	haCfg    config.HomeAssistantConfig
	gatherer prometheus.Gatherer
}

// NewServer creates a server for reader. Optional collaborators are
// attached with the Set methods before Start.
func NewServer(cfg config.ListenConfig, reader snapshot.Reader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
}

// SetRegistry enables GET /v1/topics.
func (s *Server) SetRegistry(r *topics.Registry) { s.registry = r }

// SetConnState adds the broker state to /health.
func (s *Server) SetConnState(c ConnStater) { s.conn = c }

// SetWatchers adds upstream service health to /health.
func (s *Server) SetWatchers(m *connwatch.Manager) { s.watchers = m }

// SetBus lets the stream push as soon as a domain changes.
func (s *Server) SetBus(b *events.Bus) { s.bus = b }

// SetHomeAssistant enables the service call and entity state proxy for
// the services and entities allowed by cfg.
func (s *Server) SetHomeAssistant(c HomeAssistant, cfg config.HomeAssistantConfig) {
	s.ha = c
	s.haCfg = cfg
}

// SetGatherer enables GET /metrics.
func (s *Server) SetGatherer(g prometheus.Gatherer) { s.gatherer = g }

// Handler builds the routing tree. Start calls it; tests use it with
// httptest.
func (s *Server) Handler() http.Handler {
	if s.handler != nil {
		return s.handler
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/snapshot/{domain}", s.handleSnapshotDomain)
	mux.HandleFunc("GET /v1/topics", s.handleTopics)
	mux.HandleFunc("GET /v1/stream", s.handleStream)

	mux.HandleFunc("POST /v1/homeassistant/services/{name}", s.handleCallService)
	mux.HandleFunc("GET /v1/homeassistant/states/{entity_id}", s.handleGetState)
	mux.HandleFunc("GET /v1/qr", s.handleQR)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.handler = s.withLogging(mux)
	return s.handler
}

// Start serves until Shutdown. It returns http.ErrServerClosed after a
// clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "FamilyDash",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// healthResponse is the body of GET /health. LastUpdate is the age of
// the most recently written domain, empty before the first message.
type healthResponse struct {
	Status     string                    `json:"status"`
	MQTT       string                    `json:"mqtt,omitempty"`
	Services   []connwatch.ServiceStatus `json:"services,omitempty"`
	LastUpdate string                    `json:"last_update,omitempty"`
	Uptime     string                    `json:"uptime"`
}

// handleHealth always answers 200 so the dashboard stays up while the
// house is offline; "status" says whether everything is reachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.conn != nil {
		resp.MQTT = s.conn.StateName()
		if !s.conn.Ready() {
			resp.Status = "degraded"
		}
	}
	if age, ok := s.newestAge(); ok {
		resp.LastUpdate = age.Round(time.Second).String()
	}
	if s.watchers != nil {
		resp.Services = s.watchers.Status()
		if !s.watchers.Healthy() {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, resp, s.logger)
}

// newestAge returns how long ago any domain was last written.
func (s *Server) newestAge() (time.Duration, bool) {
	now := s.now()
	var newest time.Duration
	found := false
	for _, rec := range s.reader.Snapshot() {
		if age, ok := rec.Age(now); ok && (!found || age < newest) {
			newest, found = age, true
		}
	}
	return newest, found
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.reader.Snapshot(), s.logger)
}

func (s *Server) handleSnapshotDomain(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	rec, ok := s.reader.Domain(domain)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown domain %q", domain))
		return
	}
	writeJSON(w, rec, s.logger)
}

// topicInfo is one row of GET /v1/topics.
type topicInfo struct {
	Domain string   `json:"domain"`
	Topic  string   `json:"topic"`
	Prefix bool     `json:"prefix,omitempty"`
	QoS    byte     `json:"qos"`
	Fields []string `json:"fields"`
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "topic registry not configured")
		return
	}
	entries := s.registry.Entries()
	out := make([]topicInfo, len(entries))
	for i, e := range entries {
		out[i] = topicInfo{
			Domain: e.Domain,
			Topic:  e.Topic,
			Prefix: e.Prefix,
			QoS:    e.QoS,
			Fields: e.Decoder.Fields,
		}
	}
	writeJSON(w, out, s.logger)
}

// handleCallService calls the configured service named in the path.
// The request must be application/json, which a cross-site HTML form
// cannot send. A body, if any, is a JSON object merged under the
// configured data.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	if s.ha == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "home assistant not configured")
		return
	}
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		s.errorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	name := r.PathValue("name")
	svc, ok := s.haCfg.Service(name)
	if !ok {
		s.logger.Warn("home assistant service not allowed", "name", name, "remote", r.RemoteAddr)
		s.errorResponse(w, http.StatusForbidden, fmt.Sprintf("service %q is not allowed", name))
		return
	}

	data := map[string]any{}
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxServiceBody))
		if err := dec.Decode(&data); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	maps.Copy(data, svc.Data)

	if err := s.ha.CallService(r.Context(), svc.Domain, svc.Service, data); err != nil {
		s.logger.Warn("home assistant service call failed",
			"name", name,
			"domain", svc.Domain,
			"service", svc.Service,
			"error", err,
		)
		s.errorResponse(w, haErrorCode(err), err.Error())
		return
	}

	s.logger.Info("home assistant service called", "name", name, "domain", svc.Domain, "service", svc.Service)
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// handleGetState returns the current state of an allowed entity.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	if s.ha == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "home assistant not configured")
		return
	}
	id := r.PathValue("entity_id")
	if !s.haCfg.AllowsEntity(id) {
		s.errorResponse(w, http.StatusForbidden, fmt.Sprintf("entity %q is not allowed", id))
		return
	}

	state, err := s.ha.GetState(r.Context(), id)
	if err != nil {
		s.logger.Warn("home assistant state read failed", "entity_id", id, "error", err)
		s.errorResponse(w, haErrorCode(err), err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"entity_id":    state.EntityID,
		"name":         state.FriendlyName(),
		"state":        state.State,
		"attributes":   state.Attributes,
		"last_changed": state.LastChanged,
	}, s.logger)
}

func haErrorCode(err error) int {
	if errors.Is(err, homeassistant.ErrNotConfigured) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PublicURL == "" {
		s.errorResponse(w, http.StatusNotFound, "listen.public_url not configured")
		return
	}
	png, err := qrcode.Encode(s.cfg.PublicURL, qrcode.Medium, 256)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "qr encode: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write QR response", "error", err)
	}
}
