package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Version is reported in health output
const Version = "1.0.0"

// Pinger is anything whose reachability can be probed
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthService struct {
	db         Pinger
	cache      Pinger
	monitoring *MonitoringService
	nats       *nats.Conn
	httpAddr   string
	heartbeat  string
	topic      string
}

type HealthStatus struct {
	Status       string             `json:"status"` // ok, degraded, down
	Database     string             `json:"database"`
	Cache        string             `json:"cache"`
	Backpressure BackpressureReport `json:"backpressure"`
	Endpoint     string             `json:"endpoint"`
	Version      string             `json:"version"`
	Timestamp    time.Time          `json:"timestamp"`
}

type HealthConfig struct {
	DB               Pinger
	Cache            Pinger
	Monitoring       *MonitoringService
	NATS             *nats.Conn
	HTTPAddr         string
	HeartbeatSubject string
	HealthSubject    string
}

func NewHealthService(cfg HealthConfig) *HealthService {
	return &HealthService{
		db:         cfg.DB,
		cache:      cfg.Cache,
		monitoring: cfg.Monitoring,
		nats:       cfg.NATS,
		httpAddr:   cfg.HTTPAddr,
		heartbeat:  cfg.HeartbeatSubject,
		topic:      cfg.HealthSubject,
	}
}

// Check probes the database and the cache. A database outage makes the
// service down; a cache outage only degrades it.
func (h *HealthService) Check(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := HealthStatus{
		Status:    "ok",
		Database:  "ok",
		Cache:     "ok",
		Endpoint:  fmt.Sprintf("http://localhost%s", h.httpAddr),
		Version:   Version,
		Timestamp: time.Now().UTC(),
	}
	if err := h.db.Ping(ctx); err != nil {
		st.Database = err.Error()
		st.Status = "down"
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			st.Cache = err.Error()
			if st.Status == "ok" {
				st.Status = "degraded"
			}
		}
	}
	if h.monitoring != nil {
		st.Backpressure = h.monitoring.Report()
	}
	return st
}

// Start answers health probes on NATS and publishes periodic heartbeats.
// Without a NATS connection it does nothing.
func (h *HealthService) Start(ctx context.Context) error {
	if h.nats == nil {
		return nil
	}

	_, err := h.nats.Subscribe(h.topic, func(msg *nats.Msg) {
		data, err := json.Marshal(h.Check(ctx))
		if err != nil {
			slog.Error("Failed to marshal health status", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Error("Failed to respond to health check", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to health topic: %w", err)
	}
	slog.Info("Health service started", "topic", h.topic, "heartbeat", h.heartbeat)

	go h.publishHeartbeats(ctx)
	return nil
}

func (h *HealthService) publishHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := json.Marshal(h.Check(ctx))
			if err != nil {
				continue
			}
			if err := h.nats.Publish(h.heartbeat, data); err != nil {
				slog.Warn("Failed to publish heartbeat", "error", err)
			}
		}
	}
}
