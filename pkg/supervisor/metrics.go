package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/mykube-run/sluice/pkg/bus"
	"github.com/mykube-run/sluice/pkg/enum"
	"github.com/mykube-run/sluice/pkg/queue"
	"github.com/mykube-run/sluice/pkg/types"
	"github.com/mykube-run/sluice/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sluice"

var heartbeatStatuses = []enum.HeartbeatStatus{
	enum.HeartbeatUninitialized, enum.HeartbeatNormal, enum.HeartbeatWarning, enum.HeartbeatError,
}

// Metrics holds the supervisor's collectors on a private registry
type Metrics struct {
	reg       *prometheus.Registry
	outcomes  *prometheus.CounterVec
	alerts    prometheus.Counter
	heartbeat *prometheus.GaugeVec
	lg        types.Logger
	srv       *http.Server
}

func NewMetrics(b *bus.Bus, q *queue.TaskQueue, m *worker.Manager, lg types.Logger) *Metrics {
	mt := &Metrics{
		reg: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Finished task executions by outcome.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_alerts_total",
			Help:      "Operator alerts raised for tasks.",
		}),
		heartbeat: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_status",
			Help:      "Heartbeat detector status, 1 for the current status.",
		}, []string{"status"}),
		lg: lg,
	}
	mt.reg.MustRegister(
		mt.outcomes,
		mt.alerts,
		mt.heartbeat,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Task requests waiting in the queue.",
		}, func() float64 { return float64(q.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_handlers",
			Help:      "Task handlers alive in the current dispatch cycle.",
		}, func() float64 { return float64(m.ActiveHandlers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_count",
			Help:      "Worker count resolved for the current dispatch cycle.",
		}, func() float64 { return float64(m.Current().WorkerCount) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_delivered_total",
			Help:      "Messages delivered by the local bus.",
		}, func() float64 { return float64(b.Delivered()) }),
	)
	mt.SetHeartbeatStatus(enum.HeartbeatUninitialized)
	return mt
}

func (mt *Metrics) Registry() *prometheus.Registry {
	return mt.reg
}

func (mt *Metrics) ObserveFinished(m *bus.TaskFinished) {
	mt.outcomes.WithLabelValues(string(m.Outcome)).Inc()
}

func (mt *Metrics) ObserveAlert(*bus.TaskAlert) {
	mt.alerts.Inc()
}

func (mt *Metrics) SetHeartbeatStatus(s enum.HeartbeatStatus) {
	for _, v := range heartbeatStatuses {
		val := 0.0
		if v == s {
			val = 1
		}
		mt.heartbeat.WithLabelValues(string(v)).Set(val)
	}
}

// Serve exposes the registry on addr in the background, an empty addr disables it
func (mt *Metrics) Serve(addr string) error {
	if addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mt.reg, promhttp.HandlerOpts{}))
	mt.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	mt.lg.Log(types.LevelInfo, "address", lis.Addr().String(), "message", "serving metrics")
	go func() {
		if err := mt.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mt.lg.Log(types.LevelError, "error", err, "message", "metrics server exited")
		}
	}()
	return nil
}

func (mt *Metrics) Stop() {
	if mt.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = mt.srv.Shutdown(ctx)
}
