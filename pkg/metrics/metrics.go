// Package metrics exposes machine status and diagnostics requests as
// Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/itohio/gobrew/pkg/machine"
	"github.com/itohio/gobrew/pkg/safety"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gobrew"

var modes = [...]machine.Kind{
	machine.KindIdle,
	machine.KindHeating,
	machine.KindReady,
	machine.KindBrewing,
	machine.KindSteaming,
	machine.KindAutoTuning,
	machine.KindFault,
}

// Metrics records statuses. A nil *Metrics is a no-op recorder.
type Metrics struct {
	reg *prometheus.Registry

	temperature *prometheus.GaugeVec
	heater      prometheus.Gauge
	relay       *prometheus.GaugeVec
	weight      *prometheus.GaugeVec
	tank        prometheus.Gauge
	mode        *prometheus.GaugeVec
	progress    prometheus.Gauge
	shots       prometheus.Counter
	faults      *prometheus.CounterVec
	rejections  prometheus.Counter
	dropped     prometheus.Gauge

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Edge detection, owned by the consumer goroutine
	lastShot       uint64
	lastFaulted    bool
	lastRejections uint64
}

// New creates the metrics on a dedicated registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "boiler_temperature_celsius",
			Help:      "Filtered boiler temperature and active setpoint.",
		}, []string{"kind"}),
		heater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heater_duty_percent",
			Help:      "Commanded heater duty cycle.",
		}),
		relay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_state",
			Help:      "Commanded relay state (1 on/open).",
		}, []string{"relay"}),
		weight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scale_weight_grams",
			Help:      "Net cup scale weight and weight dispensed by the current shot.",
		}, []string{"kind"}),
		tank: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tank_weight_grams",
			Help:      "Reservoir content.",
		}),
		mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode",
			Help:      "Current machine mode (1 for the active mode).",
		}, []string{"mode"}),
		progress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "autotune_progress_percent",
			Help:      "Progress of the running auto-tune session.",
		}),
		shots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shots_total",
			Help:      "Total shots started.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Total faults latched by code.",
		}, []string{"code"}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Total operator commands rejected.",
		}),
		dropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "status_dropped",
			Help:      "Statuses dropped by the status exporter.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of diagnostics HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of diagnostics HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.temperature,
		m.heater,
		m.relay,
		m.weight,
		m.tank,
		m.mode,
		m.progress,
		m.shots,
		m.faults,
		m.rejections,
		m.dropped,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	for _, k := range modes {
		m.mode.WithLabelValues(k.String()).Set(0)
	}
	for _, c := range []safety.FaultCode{safety.FaultTemperatureStale, safety.FaultOverTemperature, safety.FaultActuator} {
		m.faults.WithLabelValues(c.String())
	}

	return m
}

// Observe records one status.
func (m *Metrics) Observe(st machine.Status) {
	if m == nil {
		return
	}

	m.temperature.WithLabelValues("measured").Set(float64(st.Temperature))
	m.temperature.WithLabelValues("setpoint").Set(float64(st.Setpoint))
	m.heater.Set(float64(st.Intent.HeaterDuty))
	m.relay.WithLabelValues("pump").Set(b2f(st.Actuators.Pump))
	m.relay.WithLabelValues("valve").Set(b2f(st.Actuators.Valve))
	m.weight.WithLabelValues("net").Set(float64(st.Weight))
	m.weight.WithLabelValues("dispensed").Set(float64(st.Shot.Dispensed))
	m.tank.Set(float64(st.TankWeight))
	m.progress.Set(float64(st.Autotune.Progress))

	for _, k := range modes {
		m.mode.WithLabelValues(k.String()).Set(b2f(k == st.Mode))
	}

	if st.Shot.ID > m.lastShot {
		m.shots.Add(float64(st.Shot.ID - m.lastShot))
		m.lastShot = st.Shot.ID
	}
	if st.Faulted && !m.lastFaulted {
		m.faults.WithLabelValues(st.Fault.Code.String()).Inc()
	}
	m.lastFaulted = st.Faulted
	if st.Rejections > m.lastRejections {
		m.rejections.Add(float64(st.Rejections - m.lastRejections))
		m.lastRejections = st.Rejections
	}
}

// SetDropped records the exporter drop counter.
func (m *Metrics) SetDropped(n uint64) {
	if m == nil {
		return
	}
	m.dropped.Set(float64(n))
}

// Consume observes statuses from c until ctx is done.
func (m *Metrics) Consume(ctx context.Context, c <-chan machine.Status) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-c:
			m.Observe(st)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests to next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
