// Package metrics exposes the server's Prometheus instrumentation: per-event
// counters the connection engine bumps inline, plus a background sampler
// that reads the process's own RSS/CPU via gopsutil. None of this sits on
// the accept/read/write hot path's correctness — it is pure observation.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/process"
)

// Recorder is the narrow surface internal/conn and internal/server depend
// on, so neither imports prometheus directly.
type Recorder interface {
	ConnectionAccepted()
	ConnectionClosed(reason string)
	RequestServed(status int)
	TimerEvicted()
	PoolWaitObserved(d time.Duration)
}

// Registry bundles the collectors registered with a single
// prometheus.Registerer and implements Recorder.
type Registry struct {
	conAccepted  prometheus.Counter
	conClosed    *prometheus.CounterVec
	reqByStatus  *prometheus.CounterVec
	timerEvicted prometheus.Counter
	poolWait     prometheus.Histogram
	procRSS      prometheus.Gauge
	procCPU      prometheus.Gauge
}

// New creates and registers all collectors against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		conAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litewebserver_connections_accepted_total",
			Help: "Total TCP connections accepted.",
		}),
		conClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "litewebserver_connections_closed_total",
			Help: "Total connections closed, by reason.",
		}, []string{"reason"}),
		reqByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "litewebserver_requests_total",
			Help: "Total requests served, by response status code.",
		}, []string{"status"}),
		timerEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "litewebserver_timer_evictions_total",
			Help: "Total connections closed by idle-timeout eviction.",
		}),
		poolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "litewebserver_dbpool_wait_seconds",
			Help:    "Time spent waiting to acquire a database session.",
			Buckets: prometheus.DefBuckets,
		}),
		procRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "litewebserver_process_rss_bytes",
			Help: "Resident set size of this process.",
		}),
		procCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "litewebserver_process_cpu_percent",
			Help: "CPU percent used by this process, sampled periodically.",
		}),
	}

	reg.MustRegister(r.conAccepted, r.conClosed, r.reqByStatus, r.timerEvicted, r.poolWait, r.procRSS, r.procCPU)
	return r
}

func (r *Registry) ConnectionAccepted()          { r.conAccepted.Inc() }
func (r *Registry) ConnectionClosed(reason string) { r.conClosed.WithLabelValues(reason).Inc() }
func (r *Registry) RequestServed(status int) {
	r.reqByStatus.WithLabelValues(statusLabel(status)).Inc()
}
func (r *Registry) TimerEvicted()                         { r.timerEvicted.Inc() }
func (r *Registry) PoolWaitObserved(d time.Duration)       { r.poolWait.Observe(d.Seconds()) }

func statusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 400:
		return "400"
	case 403:
		return "403"
	case 404:
		return "404"
	default:
		return "other"
	}
}

// SampleProcess starts a periodic gopsutil sample of this process's RSS and
// CPU percent, running until ctx is done. pid is the OS process id.
func (r *Registry) SampleProcess(ctx context.Context, pid int32, interval time.Duration) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				r.procRSS.Set(float64(mem.RSS))
			}
			if pct, err := proc.CPUPercent(); err == nil {
				r.procCPU.Set(pct)
			}
		}
	}
}

// Noop returns a Recorder that discards everything, for tests and
// components that run without a registry.
func Noop() Recorder { return noop{} }

type noop struct{}

func (noop) ConnectionAccepted()            {}
func (noop) ConnectionClosed(string)        {}
func (noop) RequestServed(int)              {}
func (noop) TimerEvicted()                  {}
func (noop) PoolWaitObserved(time.Duration) {}
