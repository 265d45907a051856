package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/taopulse/internal/services"
)

// staleAfter marks a service offline when no heartbeat arrived for this long
const staleAfter = 2 * time.Minute

type Subjects struct {
	Heartbeat    string
	Health       string
	Backpressure string
	Records      string // prefix, records arrive on <prefix>.<kind>
}

// KindStats counts what the service has persisted for one record kind
type KindStats struct {
	Batches  int       `json:"batches"`
	Records  int       `json:"records"`
	Failed   int       `json:"failed"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot is what the dashboard renders
type Snapshot struct {
	Status       string                       `json:"status"`
	Health       *services.HealthStatus       `json:"health,omitempty"`
	Backpressure *services.BackpressureReport `json:"backpressure,omitempty"`
	Kinds        map[string]KindStats         `json:"kinds"`
	FirstSeen    time.Time                    `json:"first_seen"`
	LastSeen     time.Time                    `json:"last_seen"`
}

// Monitor follows one taopulse deployment over NATS
type Monitor struct {
	nats     *nats.Conn
	subjects Subjects
	now      func() time.Time

	mu           sync.RWMutex
	health       *services.HealthStatus
	backpressure *services.BackpressureReport
	kinds        map[string]KindStats
	firstSeen    time.Time
	lastSeen     time.Time
	listeners    []chan Snapshot
}

func NewMonitor(conn *nats.Conn, subjects Subjects) *Monitor {
	return &Monitor{
		nats:     conn,
		subjects: subjects,
		now:      time.Now,
		kinds:    make(map[string]KindStats),
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	subs := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{m.subjects.Heartbeat, m.onHeartbeat},
		{m.subjects.Backpressure, m.onBackpressure},
		{m.subjects.Records + ".>", m.onRecords},
	}
	for _, s := range subs {
		if _, err := m.nats.Subscribe(s.subject, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
		}
	}
	slog.Info("Monitor started", "heartbeat", m.subjects.Heartbeat, "records", m.subjects.Records+".>")

	// don't wait up to 30s for the first heartbeat
	go func() {
		if st, err := m.QueryHealth(5 * time.Second); err == nil {
			m.setHealth(st)
		}
	}()
	return nil
}

func (m *Monitor) onHeartbeat(msg *nats.Msg) {
	var st services.HealthStatus
	if err := json.Unmarshal(msg.Data, &st); err != nil {
		slog.Warn("Failed to parse heartbeat", "subject", msg.Subject, "error", err)
		return
	}
	m.setHealth(&st)
}

func (m *Monitor) setHealth(st *services.HealthStatus) {
	m.mu.Lock()
	m.touch()
	m.health = st
	m.mu.Unlock()
	m.notifyListeners()
}

func (m *Monitor) onBackpressure(msg *nats.Msg) {
	var report services.BackpressureReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		slog.Warn("Failed to parse backpressure report", "error", err)
		return
	}
	m.mu.Lock()
	m.touch()
	m.backpressure = &report
	m.mu.Unlock()
	m.notifyListeners()
}

// batchRecord is the part of a record the monitor cares about
type batchRecord struct {
	IsSuccess bool `json:"is_success"`
}

func (m *Monitor) onRecords(msg *nats.Msg) {
	var batch services.RecordBatchMessage
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		slog.Warn("Failed to parse record batch", "subject", msg.Subject, "error", err)
		return
	}
	kind := string(batch.Kind)
	if kind == "" {
		kind = strings.TrimPrefix(msg.Subject, m.subjects.Records+".")
	}

	failed := 0
	for _, raw := range batch.Records {
		var r batchRecord
		if json.Unmarshal(raw, &r) == nil && !r.IsSuccess {
			failed++
		}
	}

	m.mu.Lock()
	m.touch()
	st := m.kinds[kind]
	st.Batches++
	st.Records += len(batch.Records)
	st.Failed += failed
	st.LastSeen = m.now()
	m.kinds[kind] = st
	m.mu.Unlock()
	m.notifyListeners()
}

// touch must be called with mu held
func (m *Monitor) touch() {
	now := m.now()
	if m.firstSeen.IsZero() {
		m.firstSeen = now
	}
	m.lastSeen = now
}

// QueryHealth asks the service directly instead of waiting for a heartbeat
func (m *Monitor) QueryHealth(timeout time.Duration) (*services.HealthStatus, error) {
	resp, err := m.nats.Request(m.subjects.Health, []byte("{}"), timeout)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	var st services.HealthStatus
	if err := json.Unmarshal(resp.Data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &st, nil
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Health:       m.health,
		Backpressure: m.backpressure,
		Kinds:        make(map[string]KindStats, len(m.kinds)),
		FirstSeen:    m.firstSeen,
		LastSeen:     m.lastSeen,
	}
	for k, v := range m.kinds {
		s.Kinds[k] = v
	}

	switch {
	case m.lastSeen.IsZero():
		s.Status = "unknown"
	case m.now().Sub(m.lastSeen) > staleAfter:
		s.Status = "offline"
	case m.health != nil:
		s.Status = m.health.Status
	default:
		s.Status = "ok"
	}
	return s
}

func (m *Monitor) AddListener() chan Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, 10)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Monitor) notifyListeners() {
	snap := m.Snapshot()

	m.mu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- snap:
		default:
			// Channel full, skip
		}
	}
	m.mu.RUnlock()
}

func sortedKinds(kinds map[string]KindStats) []string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
