// Package observability exposes Prometheus metrics, a health endpoint and
// optional pprof handlers over HTTP.
package observability

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"relaybot/internal/eventbus"
	"relaybot/internal/feature"
	"relaybot/internal/feature/outbound"
	"relaybot/internal/task/scheduler"
)

const namespace = "relaybot"

// Metrics owns a private registry. Counters are fed by Observe* calls and by
// the bus signal tap.
type Metrics struct {
	Registry *prometheus.Registry

	messages   *prometheus.CounterVec
	jobs       *prometheus.CounterVec
	jobSeconds prometheus.Histogram
	publishes  *prometheus.CounterVec
	runs       *prometheus.CounterVec
	runSeconds prometheus.Histogram
	sends      *prometheus.CounterVec
	lifecycle  *prometheus.CounterVec
	signals    prometheus.Counter
}

// NewMetrics registers the runtime collectors and the bot's own metrics.
// schedules, if non-nil, backs the active schedule gauge.
func NewMetrics(schedules func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollectorMemStatsMetricsDisabled(),
		collectors.WithGoCollectorRuntimeMetrics(collectors.GoRuntimeMetricsRule{
			Matcher: regexp.MustCompile(`^(/gc/heap/allocs:bytes|/gc/heap/goal:bytes|/memory/classes/total:bytes|/sched/gomaxprocs:threads|/sched/goroutines:goroutines|/sched/latencies:seconds)$`),
		}),
	))
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Inbound messages delivered by engines.",
		}, []string{"engine", "mention"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pipeline_jobs_total",
			Help: "Finished pipeline jobs by result.",
		}, []string{"result"}),
		jobSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pipeline_job_seconds",
			Help:    "Pipeline job duration.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_publish_total",
			Help: "Bus publishes by event kind and result.",
		}, []string{"kind", "result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "schedule_runs_total",
			Help: "Scheduled job runs by result.",
		}, []string{"result"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "schedule_run_seconds",
			Help:    "Scheduled job duration.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_sends_total",
			Help: "Outbound message requests by engine and result.",
		}, []string{"engine", "result"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feature_lifecycle_total",
			Help: "Feature lifecycle transitions.",
		}, []string{"feature", "event"}),
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_seen_total",
			Help: "Signals read from the bus tap.",
		}),
	}
	reg.MustRegister(m.messages, m.jobs, m.jobSeconds, m.publishes, m.runs, m.runSeconds, m.sends, m.lifecycle, m.signals)
	if schedules != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "schedules_active",
			Help: "Schedules registered with the trigger service.",
		}, func() float64 { return float64(schedules()) }))
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveMessage counts one inbound message.
func (m *Metrics) ObserveMessage(engine string, mention bool) {
	label := "false"
	if mention {
		label = "true"
	}
	m.messages.WithLabelValues(engine, label).Inc()
}

// ObserveJob records a finished pipeline job.
func (m *Metrics) ObserveJob(took time.Duration, err error) {
	m.jobs.WithLabelValues(result(err)).Inc()
	m.jobSeconds.Observe(took.Seconds())
}

// Observe folds one bus signal into the counters.
func (m *Metrics) Observe(s eventbus.Signal) {
	m.signals.Inc()
	switch d := s.Data.(type) {
	case eventbus.PublishInfo:
		m.publishes.WithLabelValues(string(d.Kind), result(d.Err)).Inc()
	case scheduler.RunInfo:
		m.runs.WithLabelValues(result(d.Err)).Inc()
		m.runSeconds.Observe(d.Took.Seconds())
	case outbound.SendInfo:
		m.sends.WithLabelValues(d.EngineID, result(d.Err)).Inc()
	case feature.LifecycleInfo:
		m.lifecycle.WithLabelValues(d.Feature, strings.TrimPrefix(s.Type, "feature.")).Inc()
	}
}

// Consume reads signals until ctx is done or the channel closes.
func (m *Metrics) Consume(ctx context.Context, signals <-chan eventbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-signals:
			if !ok {
				return
			}
			m.Observe(s)
		}
	}
}
