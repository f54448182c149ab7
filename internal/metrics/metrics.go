// Package metrics exposes campaign progress and watchdog health as
// Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/croc_campaign/internal/logging"
	"github.com/msageha/croc_campaign/internal/model"
)

// Metrics holds the campaign collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TaskAttempts    *prometheus.CounterVec
	WatchdogState   *prometheus.GaugeVec
	Respawns        *prometheus.CounterVec
	MainRepetitions prometheus.Gauge
	BaseIterations  prometheus.Gauge
	XRayPowerCycles prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "croc_campaign_tasks_total",
				Help: "Total number of tasks executed by kind and result",
			},
			[]string{"kind", "result"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "croc_campaign_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 3600},
			},
			[]string{"kind"},
		),
		TaskAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "croc_campaign_executable_attempts_total",
				Help: "Total number of external executable attempts by outcome",
			},
			[]string{"outcome"},
		),
		WatchdogState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "croc_campaign_watchdog_health",
				Help: "Last health determination per watchdog (0 healthy, 1 unreachable, 2 out of bounds, 3 fatal)",
			},
			[]string{"watchdog"},
		),
		Respawns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "croc_campaign_watchdog_respawns_total",
				Help: "Total number of watchdog process spawns",
			},
			[]string{"watchdog"},
		),
		MainRepetitions: f.NewGauge(prometheus.GaugeOpts{
			Name: "croc_campaign_main_repetitions",
			Help: "Number of completed main batches",
		}),
		BaseIterations: f.NewGauge(prometheus.GaugeOpts{
			Name: "croc_campaign_base_iterations",
			Help: "Number of completed base batches",
		}),
		XRayPowerCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "croc_campaign_xray_power_cycles_total",
			Help: "Total number of X-ray generator power cycles",
		}),
	}
}

func (m *Metrics) RecordTask(kind model.Kind, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.TasksTotal.WithLabelValues(string(kind), result).Inc()
	m.TaskDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) RecordAttempt(outcome string) {
	m.TaskAttempts.WithLabelValues(outcome).Inc()
}

// WatchdogHealth and WatchdogRespawn satisfy watchdog.Observer.
func (m *Metrics) WatchdogHealth(name string, h model.Health) {
	m.WatchdogState.WithLabelValues(name).Set(float64(h))
}

func (m *Metrics) WatchdogRespawn(name string) {
	m.Respawns.WithLabelValues(name).Inc()
}

func (m *Metrics) SetProgress(st model.CampaignState) {
	m.MainRepetitions.Set(float64(st.MainRepetitions))
	m.BaseIterations.Set(float64(st.BaseIterations))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on listen until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, listen string, log *logging.Logger) error {
	log = log.With("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("serving metrics on %s", listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
