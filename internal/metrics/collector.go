// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shellgate/internal/domain"
)

const namespace = "shellgate"

// Execution outcomes used as the "outcome" label.
const (
	OutcomeOK          = "ok"
	OutcomeFailed      = "failed"
	OutcomeTimeout     = "timeout"
	OutcomePathEscape  = "path_escape"
	OutcomeClosed      = "session_closed"
	OutcomeSpawnFailed = "spawn_failed"
)

// Collector holds the gateway metrics on a private registry.
// All methods are safe on a nil *Collector so callers can run without metrics.
type Collector struct {
	registry *prometheus.Registry

	verdicts       *prometheus.CounterVec
	approvals      *prometheus.CounterVec
	executions     *prometheus.CounterVec
	execDuration   *prometheus.HistogramVec
	activeSessions prometheus.Gauge
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_verdicts_total",
			Help:      "Policy verdicts by decision and shell.",
		}, []string{"decision", "shell"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Approval gate answers by action.",
		}, []string{"action"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executed commands by outcome and shell.",
		}, []string{"outcome", "shell"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of executed commands.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"shell"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Currently open sessions.",
		}),
	}
	reg.MustRegister(
		c.verdicts, c.approvals, c.executions, c.execDuration, c.activeSessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) RecordVerdict(shell domain.ShellKind, v domain.PolicyVerdict) {
	if c == nil {
		return
	}
	c.verdicts.WithLabelValues(v.Decision.String(), string(shell)).Inc()
}

func (c *Collector) RecordApproval(action domain.ApprovalAction) {
	if c == nil {
		return
	}
	c.approvals.WithLabelValues(action.String()).Inc()
}

// RecordExecution counts one command. res may be nil when nothing ran.
func (c *Collector) RecordExecution(shell domain.ShellKind, res *domain.ExecutionResult, err error) {
	if c == nil {
		return
	}
	c.executions.WithLabelValues(Outcome(err), string(shell)).Inc()
	if res != nil {
		c.execDuration.WithLabelValues(string(shell)).Observe(res.Duration.Seconds())
	}
}

// SetActiveSessions matches the session manager's observer signature.
func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.activeSessions.Set(float64(n))
}

// Outcome maps an execution error to its label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, domain.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, domain.ErrPathEscape):
		return OutcomePathEscape
	case errors.Is(err, domain.ErrSessionClosed):
		return OutcomeClosed
	case errors.Is(err, domain.ErrSpawnFailed):
		return OutcomeSpawnFailed
	default:
		return OutcomeFailed
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes the collector on listen until ctx is done.
func (c *Collector) Serve(ctx context.Context, listen, endpoint string, logger *slog.Logger) error {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", ln.Addr().String(), "path", endpoint)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
