// Package metrics exposes Prometheus collectors for deployments, remote
// commands, firewall changes and RPC calls.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "launchpad"

var pollBuckets = []float64{1, 2, 3, 5, 8, 13, 21, 30, 60}

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	commandPolls       *prometheus.HistogramVec
	portChanges        *prometheus.CounterVec
	rpcRequests        *prometheus.CounterVec
	rpcDuration        *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deployments that reached a terminal status",
		}, []string{"status"}),
		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Wall time from record creation to terminal status",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"status"}),
		commandPolls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_command_polls",
			Help:      "Result polls spent per remote command",
			Buckets:   pollBuckets,
		}, []string{"outcome"}),
		portChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_changes_total",
			Help:      "Firewall ingress changes by action",
		}, []string{"action", "changed"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Count of handled RPC requests",
		}, []string{"method", "code"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of RPC handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		m.deployments,
		m.deploymentDuration,
		m.commandPolls,
		m.portChanges,
		m.rpcRequests,
		m.rpcDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// DeploymentFinished records a terminal deployment.
func (m *Metrics) DeploymentFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RemoteCommand records how many polls a command took.
func (m *Metrics) RemoteCommand(outcome string, polls int) {
	if m == nil {
		return
	}
	m.commandPolls.WithLabelValues(outcome).Observe(float64(polls))
}

// PortChange records a firewall open or revoke.
func (m *Metrics) PortChange(action string, changed bool) {
	if m == nil {
		return
	}
	m.portChanges.WithLabelValues(action, strconv.FormatBool(changed)).Inc()
}

// RPC records one handled request.
func (m *Metrics) RPC(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, code).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve runs the metrics listener until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("Metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
