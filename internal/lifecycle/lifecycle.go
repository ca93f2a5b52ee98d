// Package lifecycle owns process-level orchestration: starting the HTTP
// server, running the Connection Registry's heartbeat ticker and the
// Rate Limiter's cleanup ticker, and waiting for a termination signal to
// drive a graceful shutdown — stopping tickers, closing every open
// observer and controller WebSocket session, then draining the HTTP
// server.
//
// The teacher's own main (tr1d1um.go) hands this job to
// webpa-common/concurrent.Await and webPA.Prepare/Server.Initialize.
// Those helpers pull in the rest of webpa-common's server package (TLS
// material, health listeners, pprof wiring tied to a much larger
// configuration surface) that nothing in SPEC_FULL.md exercises, so this
// package reimplements the same run-until-signal shape directly on
// net/http and os/signal, in the teacher's style: one Options type, one
// blocking Run call, logged via go-kit/log the way the teacher logs
// startup and shutdown.
package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/doorcoordinator/doorserver/internal/logging"
)

// Ticker pairs a function, such as registry.Registry.Tick or
// ratelimit.Limiter.RunCleanup's one-shot sweep, with the configured
// interval Run drives it on.
type Ticker struct {
	Interval time.Duration
	Fn       func()
}

// SessionRegistry is the subset of registry.Registry that Run needs in
// order to close every open observer and controller session as part of
// a graceful shutdown.
type SessionRegistry interface {
	CloseAll()
}

// Options configures a Run invocation.
type Options struct {
	Addr            string
	Handler         http.Handler
	Logger          log.Logger
	Tickers         []Ticker
	Sessions        SessionRegistry
	ShutdownTimeout time.Duration
}

func (o Options) shutdownTimeout() time.Duration {
	if o.ShutdownTimeout <= 0 {
		return 10 * time.Second
	}
	return o.ShutdownTimeout
}

// Run starts the HTTP server and every configured ticker, then blocks
// until SIGINT or SIGTERM, at which point it stops the tickers and
// drains the HTTP server with a bounded shutdown timeout. It returns the
// error (if any) from the server's ListenAndServe, excluding the
// expected http.ErrServerClosed.
func Run(o Options) error {
	logger := o.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	infoLog := logging.Info(logger)
	errorLog := logging.Error(logger)

	server := &http.Server{Addr: o.Addr, Handler: o.Handler}

	stopTickers := make(chan struct{})
	for _, t := range o.Tickers {
		go runTicker(t, stopTickers)
	}

	serveErrs := make(chan error, 1)
	go func() {
		infoLog.Log(logging.MessageKey(), "listening", "addr", o.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
			return
		}
		serveErrs <- nil
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		infoLog.Log(logging.MessageKey(), "shutdown signal received", "signal", sig.String())
	case err := <-serveErrs:
		close(stopTickers)
		return err
	}

	close(stopTickers)

	if o.Sessions != nil {
		o.Sessions.CloseAll()
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.shutdownTimeout())
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		errorLog.Log(logging.MessageKey(), "graceful shutdown failed", logging.ErrorKey(), err)
		return err
	}

	<-serveErrs
	infoLog.Log(logging.MessageKey(), "shutdown complete")
	return nil
}

func runTicker(t Ticker, stop <-chan struct{}) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Fn()
		case <-stop:
			return
		}
	}
}
