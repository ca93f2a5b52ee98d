// Command doorserver runs the real-time access-control coordinator: the
// State Store, Rate Limiter, Connection Registry, Authorization Engine,
// Command Dispatcher, and Event Broadcaster, fronted by the HTTP and
// WebSocket ingress surfaces. Its shape follows tr1d1um.go's
// arguments-in/exitCode-out main, generalized from a single
// config-then-route function into one that wires this service's larger
// dependency graph before handing off to internal/lifecycle.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"

	"github.com/doorcoordinator/doorserver/internal/authz"
	"github.com/doorcoordinator/doorserver/internal/broadcast"
	"github.com/doorcoordinator/doorserver/internal/config"
	"github.com/doorcoordinator/doorserver/internal/dispatch"
	"github.com/doorcoordinator/doorserver/internal/lifecycle"
	"github.com/doorcoordinator/doorserver/internal/logging"
	"github.com/doorcoordinator/doorserver/internal/metrics"
	"github.com/doorcoordinator/doorserver/internal/model"
	"github.com/doorcoordinator/doorserver/internal/ratelimit"
	"github.com/doorcoordinator/doorserver/internal/registry"
	"github.com/doorcoordinator/doorserver/internal/store"
	"github.com/doorcoordinator/doorserver/internal/transport/httpapi"
	"github.com/doorcoordinator/doorserver/internal/transport/wsapi"
)

const applicationName = "doorserver"

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func doorserver(arguments []string) (exitCode int) {
	cfg, err := config.Load(arguments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load configuration: %s\n", err.Error())
		return 1
	}

	logger := logging.NewDefaultLogger()
	infoLog := logging.Info(logger)
	infoLog.Log(logging.MessageKey(), "starting", "application", applicationName, "host", cfg.Host, "port", cfg.Port)

	deviceStore := store.New(cfg.Devices, &store.Options{RetentionSize: cfg.LogRetentionSize})

	connectionCounters := metrics.NewConnectionCounters()
	rateLimitMeasures := metrics.NewRateLimitMeasures()

	limiter := ratelimit.New(&ratelimit.Options{Config: cfg.RateLimit, Measures: rateLimitMeasures})

	// The registry needs an AuditSink at construction time, but the
	// sink's broadcaster needs the registry itself (BroadcastToObservers).
	// Break the cycle by constructing sink first with its broadcaster
	// field left nil, then filling it in once the registry and
	// broadcaster both exist; nothing calls into sink before then.
	sink := &auditSink{counters: connectionCounters, logger: logger}

	reg := registry.New(deviceStore, sink, &registry.Options{
		Logger:       logger,
		PingInterval: cfg.Heartbeat.PingInterval,
		PongDeadline: cfg.Heartbeat.PongDeadline,
	})

	caster := broadcast.New(reg, time.Now)
	sink.broadcaster = caster

	disp := dispatch.New(reg, time.Now)

	engine := authz.New(limiter, deviceStore, disp, deviceStore, caster, authz.Options{
		AdminUserID: cfg.AdminUserID,
		Logger:      logger,
	})

	transport := wsapi.New(reg, deviceStore, engine, caster, time.Now, &wsapi.Options{
		Logger:       logger,
		PongDeadline: cfg.Heartbeat.PongDeadline,
	})

	processReader := metrics.NewProcessReader(time.Now())

	httpServer := httpapi.New(httpapi.Options{
		Store:          deviceStore,
		RateLimiter:    limiter,
		Engine:         engine,
		Connections:    reg,
		ProcessReader:  processReader,
		AdminUserID:    cfg.AdminUserID,
		RetentionCeil:  cfg.LogRetentionSize,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		BuildInfo:      httpapi.BuildInfo{Name: applicationName, Version: buildVersion, Commit: buildCommit},
	})

	runErr := lifecycle.Run(lifecycle.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:  buildHandler(cfg, httpServer, transport),
		Logger:   logger,
		Sessions: reg,
		Tickers: []lifecycle.Ticker{
			{Interval: reg.PingInterval(), Fn: reg.Tick},
			{Interval: limiter.CleanupInterval(), Fn: limiter.RunCleanup},
		},
	})
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %s\n", runErr.Error())
		return 4
	}

	return 0
}

// buildHandler mounts the WebSocket endpoints (spec §6's ws surfaces)
// alongside the HTTP API handler, both under one top-level router.
func buildHandler(cfg *config.Config, httpServer *httpapi.Server, transport *wsapi.Transport) http.Handler {
	top := mux.NewRouter()
	top.HandleFunc(cfg.WSEndpoint, transport.HandleDashboard)
	top.HandleFunc(cfg.WSEndpoint+"/{device_id}", transport.HandleController)
	top.PathPrefix("/").Handler(httpServer.Handler(cfg.APIPrefix))
	return top
}

// auditSink adapts Connection Registry lifecycle events into observer
// broadcasts and connection-count metrics, keeping the registry itself
// free of a direct broadcast/metrics import per spec §9's ownership
// split.
type auditSink struct {
	broadcaster *broadcast.Broadcaster
	counters    metrics.ConnectionCounters
	logger      log.Logger
}

func (a *auditSink) OnConnectionChange(device model.Device) {
	if device.ConnectionStatus == model.ConnOnline {
		a.counters.ControllerConnects.Add(1)
	} else {
		a.counters.ControllerDisconnects.Add(1)
	}
	a.broadcaster.DeviceStateChange(device)
}

func (a *auditSink) OnControllerTimeout(deviceID string) {
	a.counters.HeartbeatTimeouts.Add(1)
	logging.Info(a.logger).Log(logging.MessageKey(), "controller heartbeat timeout", "device_id", deviceID)
}

func main() {
	os.Exit(doorserver(os.Args[1:]))
}
