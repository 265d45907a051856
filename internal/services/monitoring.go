package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/taopulse/internal/models"
)

// DepthSource reports buffered records per kind
type DepthSource interface {
	Depths() map[models.Kind]int
}

// InflightSource reports running pipeline runs
type InflightSource interface {
	Inflight() int64
}

type MonitoringService struct {
	nats      *nats.Conn
	subject   string
	threshold int
	queues    DepthSource
	pipeline  InflightSource
}

type BackpressureReport struct {
	Buffered         int                 `json:"buffered"`
	Queues           map[models.Kind]int `json:"queues"`
	PipelineInflight int64               `json:"pipeline_inflight"`
	Threshold        int                 `json:"threshold"`
	Timestamp        time.Time           `json:"timestamp"`
	Status           string              `json:"status"` // healthy, warning, critical
}

// NewMonitoringService samples the persistor and the pipeline. conn may be
// nil, in which case reports only feed metrics and health output.
func NewMonitoringService(conn *nats.Conn, subject string, threshold int, queues DepthSource, pipeline InflightSource) *MonitoringService {
	return &MonitoringService{
		nats:      conn,
		subject:   subject,
		threshold: threshold,
		queues:    queues,
		pipeline:  pipeline,
	}
}

func (m *MonitoringService) Start(ctx context.Context) {
	slog.Info("Starting monitoring service", "topic", m.subject, "threshold", m.threshold)
	go m.monitorBackpressure(ctx)
}

func (m *MonitoringService) monitorBackpressure(ctx context.Context) {
	highLoadTicker := time.NewTicker(1 * time.Second)
	lowLoadTicker := time.NewTicker(10 * time.Second)
	defer highLoadTicker.Stop()
	defer lowLoadTicker.Stop()

	current := lowLoadTicker
	for {
		select {
		case <-ctx.Done():
			return
		case <-current.C:
			report := m.Report()

			busy := report.Buffered > 0 || report.PipelineInflight > 0
			if busy && current == lowLoadTicker {
				current = highLoadTicker
				slog.Debug("Switched to high-frequency monitoring", "buffered", report.Buffered)
			} else if !busy && current == highLoadTicker {
				current = lowLoadTicker
				slog.Debug("Switched to low-frequency monitoring")
			}

			m.publish(report)
		}
	}
}

// Report samples the current load
func (m *MonitoringService) Report() BackpressureReport {
	depths := m.queues.Depths()
	buffered := 0
	for _, n := range depths {
		buffered += n
	}
	inflight := m.pipeline.Inflight()

	status := calculateStatus(int64(buffered)+inflight, int64(m.threshold))
	switch status {
	case "healthy":
		backpressureGauge.Set(0)
	case "warning":
		backpressureGauge.Set(1)
	default:
		backpressureGauge.Set(2)
	}

	return BackpressureReport{
		Buffered:         buffered,
		Queues:           depths,
		PipelineInflight: inflight,
		Threshold:        m.threshold,
		Timestamp:        time.Now().UTC(),
		Status:           status,
	}
}

func (m *MonitoringService) publish(report BackpressureReport) {
	if report.Status != "healthy" {
		slog.Info("Backpressure report",
			"buffered", report.Buffered,
			"inflight", report.PipelineInflight,
			"status", report.Status)
	}
	if m.nats == nil {
		return
	}

	data, err := json.Marshal(report)
	if err != nil {
		slog.Error("Failed to marshal backpressure report", "error", err)
		return
	}
	if err := m.nats.Publish(m.subject, data); err != nil {
		slog.Warn("Failed to publish backpressure report", "error", err)
	}
}

func calculateStatus(total, threshold int64) string {
	if total == 0 {
		return "healthy"
	} else if total < threshold {
		return "warning"
	}
	return "critical"
}
