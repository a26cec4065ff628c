package rtpd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"
)

const telemetryShutdownTimeout = 5 * time.Second

// telemetryBundle owns the optional Prometheus scrape and pprof debug
// listeners. Built only when the core created its own registry.
type telemetryBundle struct {
	registry *prometheus.Registry
	logger   pslog.Logger

	metricsServer *http.Server
	metricsLn     net.Listener
	pprofServer   *http.Server
	pprofLn       net.Listener
}

func newTelemetryBundle(reg *prometheus.Registry, logger pslog.Logger) *telemetryBundle {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &telemetryBundle{registry: reg, logger: logger}
}

func (b *telemetryBundle) start(metricsListen, pprofListen string) error {
	if metricsListen != "" {
		ln, err := net.Listen("tcp", metricsListen)
		if err != nil {
			return fmt.Errorf("rtpd: metrics listen %s: %w", metricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))
		b.metricsLn = ln
		b.metricsServer = &http.Server{Handler: mux}
		go b.serve("metrics", b.metricsServer, ln)
		b.logger.Info("telemetry.metrics.listen", "addr", ln.Addr().String())
	}
	if pprofListen != "" {
		ln, err := net.Listen("tcp", pprofListen)
		if err != nil {
			b.closeListeners()
			return fmt.Errorf("rtpd: pprof listen %s: %w", pprofListen, err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		b.pprofLn = ln
		b.pprofServer = &http.Server{Handler: mux}
		go b.serve("pprof", b.pprofServer, ln)
		b.logger.Info("telemetry.pprof.listen", "addr", ln.Addr().String())
	}
	return nil
}

func (b *telemetryBundle) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		b.logger.Warn("telemetry.serve_error", "listener", name, "error", err)
	}
}

func (b *telemetryBundle) closeListeners() {
	if b.metricsLn != nil {
		_ = b.metricsLn.Close()
	}
	if b.pprofLn != nil {
		_ = b.pprofLn.Close()
	}
}

func (b *telemetryBundle) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(ctx); err != nil {
			b.logger.Debug("telemetry.metrics.shutdown_error", "error", err)
		}
		b.metricsServer = nil
	}
	if b.pprofServer != nil {
		if err := b.pprofServer.Shutdown(ctx); err != nil {
			b.logger.Debug("telemetry.pprof.shutdown_error", "error", err)
		}
		b.pprofServer = nil
	}
}
