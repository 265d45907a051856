package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/taopulse/internal/models"
)

// RecordsStream is the JetStream stream that captures published records
const RecordsStream = "TAOPULSE_RECORDS"

// ConnectNATS dials the NATS server with reconnects enabled
func ConnectNATS(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("taopulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// RecordBatchMessage is the payload published for every flushed batch
type RecordBatchMessage struct {
	Kind        models.Kind       `json:"kind"`
	Count       int               `json:"count"`
	PublishedAt time.Time         `json:"published_at"`
	Records     []json.RawMessage `json:"records"`
}

// RecordsSubject is the subject records of kind are published on
func RecordsSubject(prefix string, kind models.Kind) string {
	return fmt.Sprintf("%s.%s", prefix, kind)
}

// RecordPublisher announces durably written record batches on NATS. It is
// registered as the persistor's notifier.
type RecordPublisher struct {
	conn   *nats.Conn
	js     asyncPublisher
	prefix string
}

// asyncPublisher is the part of nats.JetStreamContext Notify uses
type asyncPublisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
}

func NewRecordPublisher(conn *nats.Conn, prefix string) *RecordPublisher {
	return &RecordPublisher{conn: conn, prefix: prefix}
}

// EnsureStream creates or extends the records stream. Servers without
// JetStream still get plain publishes.
func (p *RecordPublisher) EnsureStream() error {
	js, err := p.conn.JetStream(
		nats.PublishAsyncMaxPending(256),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, m *nats.Msg, err error) {
			slog.Warn("Record batch not acknowledged", "subject", m.Subject, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	subject := p.prefix + ".>"
	info, err := js.StreamInfo(RecordsStream)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      RecordsStream,
			Subjects:  []string{subject},
			MaxAge:    7 * 24 * time.Hour,
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		slog.Info("Created NATS stream", "name", RecordsStream, "subject", subject)
		p.js = js
		return nil
	}

	for _, s := range info.Config.Subjects {
		if s == subject {
			slog.Info("NATS stream already exists", "name", RecordsStream, "messages", info.State.Msgs)
			p.js = js
			return nil
		}
	}
	cfg := info.Config
	cfg.Subjects = append(cfg.Subjects, subject)
	if _, err := js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("failed to update stream with new subject: %w", err)
	}
	slog.Info("Updated NATS stream with new subject", "name", RecordsStream, "subject", subject)
	p.js = js
	return nil
}

// Notify publishes one batch. It runs on the flush path, so JetStream acks
// are not awaited; failures are logged and the records are already in the
// store.
func (p *RecordPublisher) Notify(kind models.Kind, batch []models.Record) {
	data, err := encodeBatch(kind, batch, time.Now().UTC())
	if err != nil {
		slog.Error("Failed to marshal record batch", "kind", kind, "error", err)
		return
	}

	subject := RecordsSubject(p.prefix, kind)
	if p.js != nil {
		_, err = p.js.PublishAsync(subject, data)
	} else {
		err = p.conn.Publish(subject, data)
	}
	if err != nil {
		slog.Warn("Failed to publish record batch", "subject", subject, "count", len(batch), "error", err)
	}
}

func encodeBatch(kind models.Kind, batch []models.Record, now time.Time) ([]byte, error) {
	msg := RecordBatchMessage{
		Kind:        kind,
		Count:       len(batch),
		PublishedAt: now,
		Records:     make([]json.RawMessage, 0, len(batch)),
	}
	for _, rec := range batch {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		msg.Records = append(msg.Records, b)
	}
	return json.Marshal(msg)
}
