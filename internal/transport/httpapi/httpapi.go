// Package httpapi implements the HTTP half of the Ingress Surface (spec
// §4.7, §6): request validation, routing to the Authorization Engine, and
// the bit-exact JSON response shapes spec §6's table specifies. Routing
// uses gorilla/mux and justinas/alice, the same stack tr1d1um.go's
// mux.NewRouter()/r.PathPrefix(apiBase).Subrouter() and
// alice.New(authHandler.Decorate) build on.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/doorcoordinator/doorserver/internal/authz"
	"github.com/doorcoordinator/doorserver/internal/logging"
	"github.com/doorcoordinator/doorserver/internal/metrics"
	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/ratelimit"
)

// BuildInfo is the payload behind the supplemented GET /api/version
// endpoint.
type BuildInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// DeviceStore is the subset of store.Store the HTTP surface reads from
// directly (device listing and the access log).
type DeviceStore interface {
	ListDevices() []model.Device
	ListEvents(limit int) []model.AccessEvent
	EventCount() int
}

// RateLimiter is the subset of ratelimit.Limiter the HTTP surface exposes
// under /api/security/rate_limiter.
type RateLimiter interface {
	UserStatus(deviceID, userID string) ratelimit.UserStatus
	Stats() ratelimit.Stats
	ClearAll() int
}

// Engine is the subset of authz.Engine the HTTP surface drives.
type Engine interface {
	Attempt(attempt model.AccessAttempt) authz.Result
}

// ConnectionInfo is the subset of registry.Registry the HTTP surface
// reads connection status/last-seen from.
type ConnectionInfo interface {
	ControllerConnected(deviceID string) bool
	LastSeen(deviceID string) (time.Time, bool)
}

// Options configures the HTTP server.
type Options struct {
	Store          DeviceStore
	RateLimiter    RateLimiter
	Engine         Engine
	Connections    ConnectionInfo
	ProcessReader  *metrics.ProcessReader
	AdminUserID    string
	RetentionCeil  int
	AllowedOrigins []string
	Logger         log.Logger
	Now            func() time.Time
	BuildInfo      BuildInfo
}

// Server is the HTTP half of the Ingress Surface.
type Server struct {
	opts     Options
	logger   log.Logger
	errorLog log.Logger
	now      func() time.Time
}

// New constructs a Server and its http.Handler.
func New(o Options) *Server {
	logger := o.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	now := o.Now
	if now == nil {
		now = time.Now
	}
	return &Server{opts: o, logger: logger, errorLog: logging.Error(logger), now: now}
}

// Handler builds the full HTTP handler: gorilla/mux routing, otelmux
// tracing on the router, and the alice-composed middleware chain
// (recovery, request id, CORS, request logging) wrapped by otelhttp on
// the outside, mirroring tr1d1um.go's r := mux.NewRouter(); baseRouter :=
// r.PathPrefix(apiBase).Subrouter() shape.
func (s *Server) Handler(apiPrefix string) http.Handler {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("doorserver"))

	base := r.PathPrefix(apiPrefix).Subrouter()

	base.HandleFunc("/devices/status", s.handleDevicesStatus).Methods(http.MethodGet)
	base.HandleFunc("/devices/connections", s.handleDevicesConnections).Methods(http.MethodGet)
	base.HandleFunc("/devices/{id}/connection", s.handleDeviceConnection).Methods(http.MethodGet)
	base.HandleFunc("/access_logs", s.handleAccessLogs).Methods(http.MethodGet)
	base.HandleFunc("/access_log", s.handleAccessLogPost).Methods(http.MethodPost)
	base.HandleFunc("/security/rate_limiter/stats", s.handleRateLimiterStats).Methods(http.MethodGet)
	base.HandleFunc("/security/rate_limiter/user_status", s.handleRateLimiterUserStatus).Methods(http.MethodGet)
	base.HandleFunc("/security/rate_limiter/clear", s.handleRateLimiterClear).Methods(http.MethodDelete)
	base.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	base.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	chain := alice.New(
		s.recoveryMiddleware,
		s.requestIDMiddleware,
		s.corsMiddleware,
		s.loggingMiddleware,
	).Then(r)

	return otelhttp.NewHandler(chain, "doorserver")
}

type requestIDKey struct{}

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, req.WithContext(setRequestID(req.Context(), id)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := s.opts.AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" && originAllowed(origins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := s.now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		logging.Info(s.logger).Log(
			logging.MessageKey(), "http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration", s.now().Sub(start).String(),
			"request_id", requestIDFromContext(req.Context()),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error(s.logger).Log(logging.MessageKey(), "panic recovered", "panic", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "message": "internal error"})
			}
		}()
		next.ServeHTTP(w, req)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"status": "denied", "message": message})
}

// handleDevicesStatus serves GET /api/devices/status.
func (s *Server) handleDevicesStatus(w http.ResponseWriter, r *http.Request) {
	devices := s.opts.Store.ListDevices()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices":     devices,
		"total_count": len(devices),
		"timestamp":   s.now().UTC(),
	})
}

// handleDevicesConnections serves GET /api/devices/connections.
func (s *Server) handleDevicesConnections(w http.ResponseWriter, r *http.Request) {
	devices := s.opts.Store.ListDevices()
	out := make(map[string]model.ConnectionStatus, len(devices))
	for _, d := range devices {
		out[d.DeviceID] = d.ConnectionStatus
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeviceConnection serves GET /api/devices/{id}/connection.
func (s *Server) handleDeviceConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var device *model.Device
	for _, d := range s.opts.Store.ListDevices() {
		if d.DeviceID == id {
			dd := d
			device = &dd
			break
		}
	}
	if device == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "unknown device"})
		return
	}

	resp := map[string]interface{}{
		"device_id":         device.DeviceID,
		"connection_status": device.ConnectionStatus,
	}
	if lastSeen, ok := s.opts.Connections.LastSeen(id); ok {
		resp["last_seen"] = lastSeen.UTC()
	} else {
		resp["last_seen"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAccessLogs serves GET /api/access_logs?limit=N.
func (s *Server) handleAccessLogs(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.RetentionCeil
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeValidationError(w, "invalid_request")
			return
		}
		if n > 0 && n < limit {
			limit = n
		}
	}

	logs := s.opts.Store.ListEvents(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":      logs,
		"count":     len(logs),
		"timestamp": s.now().UTC(),
	})
}

type accessLogRequest struct {
	DeviceID   string `json:"device_id"`
	UserCardID string `json:"user_card_id"`
	Command    string `json:"command"`
}

// handleAccessLogPost serves POST /api/access_log.
func (s *Server) handleAccessLogPost(w http.ResponseWriter, r *http.Request) {
	var req accessLogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid_request")
		return
	}

	if req.DeviceID == "" || req.UserCardID == "" || req.Command == "" {
		writeValidationError(w, "invalid_request")
		return
	}

	command := model.Command(req.Command)
	if !command.IsValid() {
		writeValidationError(w, "invalid_request")
		return
	}

	result := s.opts.Engine.Attempt(model.AccessAttempt{
		DeviceID: req.DeviceID,
		UserID:   req.UserCardID,
		Command:  command,
	})

	resp := map[string]interface{}{
		"status":    result.Outcome,
		"message":   result.Message,
		"timestamp": s.now().UTC(),
	}
	if result.Reason != "" {
		resp["message"] = result.Reason
	}
	if result.Device != nil {
		resp["device_state"] = result.Device
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRateLimiterStats serves GET /api/security/rate_limiter/stats.
func (s *Server) handleRateLimiterStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.RateLimiter.Stats())
}

// handleRateLimiterUserStatus serves
// GET /api/security/rate_limiter/user_status?device_id&user_id.
func (s *Server) handleRateLimiterUserStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	userID := r.URL.Query().Get("user_id")
	if deviceID == "" || userID == "" {
		writeValidationError(w, "invalid_request")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.RateLimiter.UserStatus(deviceID, userID))
}

// handleRateLimiterClear serves
// DELETE /api/security/rate_limiter/clear?user_id=admin.
func (s *Server) handleRateLimiterClear(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID != s.opts.AdminUserID {
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "denied", "message": "not_permitted"})
		return
	}
	cleared := s.opts.RateLimiter.ClearAll()
	writeJSON(w, http.StatusOK, map[string]int{"cleared_attempts": cleared})
}

// handleHealth serves GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "healthy",
		"metrics": map[string]interface{}{
			"process":      s.opts.ProcessReader.Snapshot(s.now()),
			"event_count":  s.opts.Store.EventCount(),
			"rate_limiter": s.opts.RateLimiter.Stats(),
			"device_count": len(s.opts.Store.ListDevices()),
		},
	}
	writeJSON(w, http.StatusOK, body)
}

// handleVersion serves the supplemented GET /api/version endpoint.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.BuildInfo)
}
