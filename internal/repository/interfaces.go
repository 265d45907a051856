package repository

import (
	"context"

	"github.com/aigoflow/taopulse/internal/models"
	"github.com/aigoflow/taopulse/internal/store"
)

// Repository aggregates all repository interfaces
type Repository interface {
	Records() RecordRepositoryInterface
	Event() EventRepositoryInterface
	Ping(ctx context.Context) error
}

// RecordRepositoryInterface defines stage record storage operations
type RecordRepositoryInterface interface {
	EnsureSchema(ctx context.Context) error
	WriteBatch(ctx context.Context, kind models.Kind, batch []models.Record) error
	GetByRequestID(ctx context.Context, requestID string) (*models.RequestRecords, error)
}

// EventRepositoryInterface defines event logging operations
type EventRepositoryInterface interface {
	LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error
	RecentEvents(ctx context.Context, limit int) ([]store.Event, error)
}
