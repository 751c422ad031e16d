// Package prometheus exports worker runtime metrics to Prometheus.
//
// The Observer implements turno's api.Observer and can be combined with
// other observers via turno.NewCompositeObserver:
//
//	obs, err := turnoprom.NewObserver(nil) // default registerer
//	w, err := turno.NewWorker(turno.WorkerConfig{
//	    Source:   h.Source,
//	    Observer: obs,
//	})
//
// Metrics are served the usual way, e.g. promhttp.Handler() on /metrics.
package prometheus

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/turno/pkg/api"
)

// Observer is an api.Observer that maintains Prometheus collectors for
// worker, task, poll and sticky cache activity.
type Observer struct {
	workersRunning prometheus.Gauge
	forcedStops    prometheus.Counter

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksInFlight  *prometheus.GaugeVec
	taskDuration   *prometheus.HistogramVec

	pollErrors *prometheus.CounterVec

	stickyLookups   *prometheus.CounterVec
	stickyEvictions prometheus.Counter

	heartbeats prometheus.Counter
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates an Observer and registers its collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turno_workers_running",
			Help: "Number of workers currently running in this process.",
		}),
		forcedStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turno_worker_forced_stops_total",
			Help: "Worker stops whose drain timeout elapsed with tasks still in flight.",
		}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turno_tasks_started_total",
			Help: "Tasks that began executing on a worker slot.",
		}, []string{"kind", "namespace", "task_queue"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turno_tasks_completed_total",
			Help: "Finished tasks by outcome.",
		}, []string{"kind", "result"}),
		tasksInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "turno_tasks_in_flight",
			Help: "Tasks currently executing, which equals the occupied worker slots.",
		}, []string{"kind"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "turno_task_duration_seconds",
			Help:    "Task execution time from slot dispatch to completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turno_poll_errors_total",
			Help: "Poll attempts that failed at the transport level.",
		}, []string{"kind", "namespace", "task_queue"}),
		stickyLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "turno_sticky_lookups_total",
			Help: "Sticky cache lookups for workflow tasks.",
		}, []string{"result"}),
		stickyEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turno_sticky_evictions_total",
			Help: "Cached executions dropped by capacity pressure or run completion.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turno_heartbeats_total",
			Help: "Activity heartbeat round-trips.",
		}),
	}

	collectors := []prometheus.Collector{
		o.workersRunning, o.forcedStops,
		o.tasksStarted, o.tasksCompleted, o.tasksInFlight, o.taskDuration,
		o.pollErrors,
		o.stickyLookups, o.stickyEvictions,
		o.heartbeats,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering turno collectors: %w", err)
		}
	}
	return o, nil
}

func (o *Observer) OnWorkerStart(ctx context.Context, identity string) {
	o.workersRunning.Inc()
}

func (o *Observer) OnWorkerStop(ctx context.Context, identity string, forced bool) {
	o.workersRunning.Dec()
	if forced {
		o.forcedStops.Inc()
	}
}

func (o *Observer) OnTaskStart(ctx context.Context, task *api.Task) {
	o.tasksStarted.WithLabelValues(string(task.Kind), task.Namespace, task.TaskQueue).Inc()
	o.tasksInFlight.WithLabelValues(string(task.Kind)).Inc()
}

func (o *Observer) OnTaskCompleted(ctx context.Context, task *api.Task, err error, d time.Duration) {
	o.tasksInFlight.WithLabelValues(string(task.Kind)).Dec()
	o.taskDuration.WithLabelValues(string(task.Kind)).Observe(d.Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	o.tasksCompleted.WithLabelValues(string(task.Kind), result).Inc()
}

func (o *Observer) OnPollError(ctx context.Context, kind api.TaskKind, namespace, taskQueue string, err error) {
	o.pollErrors.WithLabelValues(string(kind), namespace, taskQueue).Inc()
}

func (o *Observer) OnStickyLookup(ctx context.Context, runID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	o.stickyLookups.WithLabelValues(result).Inc()
}

func (o *Observer) OnStickyEvict(ctx context.Context, runID string) {
	o.stickyEvictions.Inc()
}

func (o *Observer) OnHeartbeat(ctx context.Context, task *api.Task, cancelRequested bool) {
	o.heartbeats.Inc()
}
