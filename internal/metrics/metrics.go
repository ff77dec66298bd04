// Package metrics exports queue and connection metrics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/matheus3301/chatq/internal/bus"
	"github.com/matheus3301/chatq/internal/outbox"
	"github.com/matheus3301/chatq/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var states = []status.State{status.Online, status.Offline, status.Connecting, status.Reconnecting, status.AuthError}

// QueueCounter reports the queue size by status.
type QueueCounter interface {
	Counts() map[outbox.Status]int
}

// Metrics holds the collectors of one daemon. Each instance owns its own
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth        *prometheus.GaugeVec
	ConnectionState   *prometheus.GaugeVec
	AcksTotal         *prometheus.CounterVec
	FailuresTotal     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ReconnectFailures prometheus.Counter
	ConnectionsLost   prometheus.Counter
	AuthErrors        prometheus.Counter
	StorageErrors     prometheus.Counter
	AckLatency        *prometheus.HistogramVec

	queue  QueueCounter
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	srv    *http.Server
}

// New registers all collectors on a fresh registry.
func New(q QueueCounter, b *bus.Bus, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatq_queue_operations",
			Help: "Operations in the outbound queue by status",
		}, []string{"status"}),
		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatq_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		AcksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatq_acks_total",
			Help: "Operations acknowledged by the server",
		}, []string{"kind"}),
		FailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chatq_operation_failures_total",
			Help: "Operations that ended failed",
		}, []string{"error_kind"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "chatq_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		}),
		ReconnectFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "chatq_reconnect_exhausted_total",
			Help: "Times the reconnect ceiling was reached",
		}),
		ConnectionsLost: f.NewCounter(prometheus.CounterOpts{
			Name: "chatq_connections_lost_total",
			Help: "Established connections that dropped",
		}),
		AuthErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "chatq_auth_errors_total",
			Help: "Sessions rejected after refresh",
		}),
		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "chatq_storage_errors_total",
			Help: "Failed queue persistence writes",
		}),
		AckLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatq_ack_latency_seconds",
			Help:    "Time from enqueue to server ack",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 15, 60, 300},
		}, []string{"kind"}),
		queue:  q,
		bus:    b,
		logger: logger,
	}
}

// Start follows bus events until Stop.
func (m *Metrics) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	events, unsub := m.bus.SubscribeQueued("")
	m.setState(status.Offline)
	m.refreshDepth()

	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case evt := <-events:
				m.Observe(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Observe updates the collectors for one event.
func (m *Metrics) Observe(evt bus.Event) {
	switch evt.Kind {
	case bus.StateChanged:
		if c, ok := evt.Payload.(status.StatusChange); ok {
			m.setState(c.Current)
		}
	case bus.Reconnecting:
		m.ReconnectAttempts.Inc()
	case bus.ReconnectFailed:
		m.ReconnectFailures.Inc()
	case bus.ConnectionLost:
		m.ConnectionsLost.Inc()
	case bus.AuthError:
		m.AuthErrors.Inc()
	case bus.StorageDegraded:
		m.StorageErrors.Inc()
	case bus.MessageReceived:
		if p, ok := evt.Payload.(bus.AckPayload); ok {
			m.AcksTotal.WithLabelValues(p.Kind).Inc()
			if !p.EnqueuedAt.IsZero() {
				m.AckLatency.WithLabelValues(p.Kind).Observe(evt.Timestamp.Sub(p.EnqueuedAt).Seconds())
			}
		}
		m.refreshDepth()
	case bus.OperationFailed:
		kind := "unknown"
		if p, ok := evt.Payload.(bus.ErrorPayload); ok && p.ErrorKind != "" {
			kind = p.ErrorKind
		}
		m.FailuresTotal.WithLabelValues(kind).Inc()
		m.refreshDepth()
	case bus.SyncQueued, bus.OperationStatusChanged:
		m.refreshDepth()
	}
}

func (m *Metrics) setState(current status.State) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) refreshDepth() {
	if m.queue == nil {
		return
	}
	counts := m.queue.Counts()
	for _, s := range []outbox.Status{outbox.Pending, outbox.InFlight, outbox.Failed} {
		m.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Serve exposes /metrics on addr in the background. The bound address is
// returned so callers may pass ":0".
func (m *Metrics) Serve(addr string) (string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	m.mu.Lock()
	m.srv = srv
	m.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	m.logger.Info("metrics listening", zap.String("addr", lis.Addr().String()))
	return lis.Addr().String(), nil
}

// Stop stops following events and shuts the HTTP server down.
func (m *Metrics) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done, srv := m.cancel, m.done, m.srv
	m.srv = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}
