// Package metrics exports session, tool and model metrics for Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinemde/taskforge/agentloop"
)

// Metrics holds the collectors and implements agentloop.Observer so it can
// be attached to a Manager with agentloop.WithObserver.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	SessionFailures  *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	SessionDuration  *prometheus.HistogramVec
	SessionsArchived prometheus.Counter
	Rejections       prometheus.Counter

	// Tool metrics
	ToolResults  *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	// Model metrics
	ModelTurns  prometheus.Counter
	ModelTokens *prometheus.CounterVec

	mu      sync.Mutex
	started map[string]time.Time
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  make(map[string]time.Time),

		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_sessions_started_total",
			Help: "Sessions that entered running",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_sessions_finished_total",
			Help: "Sessions that reached a terminal status",
		}, []string{"status"}),
		SessionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_session_failures_total",
			Help: "Terminal failures by error kind",
		}, []string{"kind"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_sessions_active",
			Help: "Sessions currently running or awaiting tools",
		}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskforge_session_duration_seconds",
			Help:    "Wall time from running to terminal",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		SessionsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_sessions_archived_total",
			Help: "Terminal snapshots written to the archive",
		}),
		Rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_submissions_rejected_total",
			Help: "Submissions refused because the manager was at capacity",
		}),
		ToolResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_tool_results_total",
			Help: "Tool results by tool and outcome",
		}, []string{"tool", "ok"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskforge_tool_duration_seconds",
			Help:    "Tool execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		ModelTurns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_model_turns_total",
			Help: "Model responses appended to session history",
		}),
		ModelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_model_tokens_total",
			Help: "Tokens reported by the model backend",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.SessionsStarted,
		m.SessionsFinished,
		m.SessionFailures,
		m.SessionsActive,
		m.SessionDuration,
		m.SessionsArchived,
		m.Rejections,
		m.ToolResults,
		m.ToolDuration,
		m.ModelTurns,
		m.ModelTokens,
	)
	return m
}

// OnEvent updates collectors from a session event.
func (m *Metrics) OnEvent(e agentloop.Event) {
	switch e.Kind {
	case agentloop.EventStatusChanged:
		m.onStatus(e)
	case agentloop.EventTurnAppended:
		if e.Turn != nil {
			m.onTurn(*e.Turn)
		}
	}
}

func (m *Metrics) onStatus(e agentloop.Event) {
	if e.From == agentloop.StatusPending && e.Status == agentloop.StatusRunning {
		m.SessionsStarted.Inc()
		m.SessionsActive.Inc()
		m.mu.Lock()
		m.started[e.SessionID] = e.Timestamp
		m.mu.Unlock()
		return
	}
	if !e.Status.IsTerminal() {
		return
	}

	status := string(e.Status)
	m.SessionsFinished.WithLabelValues(status).Inc()
	if e.Failure != nil {
		m.SessionFailures.WithLabelValues(string(e.Failure.Kind)).Inc()
	}

	m.mu.Lock()
	start, ok := m.started[e.SessionID]
	delete(m.started, e.SessionID)
	m.mu.Unlock()
	if ok {
		m.SessionsActive.Dec()
		m.SessionDuration.WithLabelValues(status).Observe(e.Timestamp.Sub(start).Seconds())
	}
}

func (m *Metrics) onTurn(t agentloop.Turn) {
	switch {
	case t.Model != nil:
		m.ModelTurns.Inc()
		m.ModelTokens.WithLabelValues("input").Add(float64(t.Model.Usage.InputTokens))
		m.ModelTokens.WithLabelValues("output").Add(float64(t.Model.Usage.OutputTokens))
	case t.ToolResult != nil:
		ok := "false"
		if t.ToolResult.OK {
			ok = "true"
		}
		m.ToolResults.WithLabelValues(t.ToolResult.ToolName, ok).Inc()
		m.ToolDuration.WithLabelValues(t.ToolResult.ToolName).Observe(t.ToolResult.Duration.Seconds())
	}
}

// CountArchives wraps a so every successful Archive call increments
// SessionsArchived.
func (m *Metrics) CountArchives(a agentloop.Archiver) agentloop.Archiver {
	return archiveCounter{inner: a, archived: m.SessionsArchived}
}

type archiveCounter struct {
	inner    agentloop.Archiver
	archived prometheus.Counter
}

func (c archiveCounter) Archive(ctx context.Context, snap agentloop.Snapshot) error {
	if err := c.inner.Archive(ctx, snap); err != nil {
		return err
	}
	c.archived.Inc()
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
