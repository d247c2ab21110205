// Package metrics is prometheus instrumentation of device sessions, event routing and publishing.
// All Record* methods accept nil receiver so components and tests may run without metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/asiair-mqtt/log2"
)

const namespace = "asiair"

type Metrics struct {
	Registry *prometheus.Registry

	RPCCalls     *prometheus.CounterVec
	RPCDuration  *prometheus.HistogramVec
	Keepalives   *prometheus.CounterVec
	Frames       *prometheus.CounterVec
	SessionState *prometheus.GaugeVec
	Events       *prometheus.CounterVec
	EventsLost   prometheus.Counter
	ImageFetches *prometheus.CounterVec
	ImageBytes   prometheus.Counter
	Published    *prometheus.CounterVec
	LoggedErrors prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		RPCCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "RPC calls by endpoint, method and outcome (ok, error, closed, timeout, cancel)",
			},
			[]string{"endpoint", "method", "outcome"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "duration_seconds",
				Help:      "RPC call duration from enqueue to resolution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint", "method"},
		),
		Keepalives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "keepalive_total",
				Help:      "Keepalive probes sent on idle session",
			},
			[]string{"endpoint"},
		),
		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "frames_total",
				Help:      "Inbound frames by kind (reply, event, unmatched, other, dropped)",
			},
			[]string{"endpoint", "kind"},
		),
		SessionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "state",
				Help:      "Session state (0=connecting, 1=streaming, 2=closed)",
			},
			[]string{"endpoint"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "events_total",
				Help:      "Push events by name and whether dispatch table knows it",
			},
			[]string{"event", "known"},
		),
		EventsLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "events_dropped_total",
				Help:      "Oldest queued push events discarded on router queue overflow",
			},
		),
		ImageFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "image",
				Name:      "fetches_total",
				Help:      "Image fetch attempts by outcome (ok, empty, error)",
			},
			[]string{"outcome"},
		),
		ImageBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "image",
				Name:      "read_bytes_total",
				Help:      "Bytes read from image endpoint",
			},
		),
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "publish",
				Name:      "values_total",
				Help:      "Published values by outcome",
			},
			[]string{"outcome"},
		),
		LoggedErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logged_errors_total",
				Help:      "Error lines written to log",
			},
		),
	}
	m.Registry.MustRegister(
		m.RPCCalls, m.RPCDuration, m.Keepalives, m.Frames, m.SessionState,
		m.Events, m.EventsLost, m.ImageFetches, m.ImageBytes, m.Published, m.LoggedErrors,
	)
	return m
}

func (m *Metrics) RecordCall(endpoint, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCCalls.WithLabelValues(endpoint, method, outcome).Inc()
	m.RPCDuration.WithLabelValues(endpoint, method).Observe(d.Seconds())
}

func (m *Metrics) RecordKeepalive(endpoint string) {
	if m == nil {
		return
	}
	m.Keepalives.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordFrame(endpoint, kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(endpoint, kind).Inc()
}

func (m *Metrics) RecordSessionState(endpoint string, state int) {
	if m == nil {
		return
	}
	m.SessionState.WithLabelValues(endpoint).Set(float64(state))
}

func (m *Metrics) RecordEvent(name string, known bool) {
	if m == nil {
		return
	}
	k := "false"
	if known {
		k = "true"
	}
	m.Events.WithLabelValues(name, k).Inc()
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsLost.Inc()
}

func (m *Metrics) RecordImageFetch(outcome string) {
	if m == nil {
		return
	}
	m.ImageFetches.WithLabelValues(outcome).Inc()
}

// ImageByteCounter is nil when metrics are disabled, helpers.NewStatReader accepts that.
func (m *Metrics) ImageByteCounter() prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.ImageBytes
}

func (m *Metrics) RecordPublish(outcome string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(outcome).Inc()
}

// CountErrors hooks into log error lines.
func (m *Metrics) CountErrors(log *log2.Log) {
	if m == nil {
		return
	}
	log.SetErrorFunc(func(error) { m.LoggedErrors.Inc() })
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve blocks until ctx is done or listener fails.
func (m *Metrics) Serve(ctx context.Context, log *log2.Log, listen string) error {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Annotatef(err, "metrics listen=%s", listen)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errch := make(chan error, 1)
	go func() { errch <- srv.Serve(ln) }()
	log.Infof("metrics listen=%s", ln.Addr())
	select {
	case err = <-errch:
		return errors.Annotate(err, "metrics serve")
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	}
}
