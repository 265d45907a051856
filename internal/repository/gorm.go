package repository

import (
	"context"

	"github.com/aigoflow/taopulse/internal/models"
	"github.com/aigoflow/taopulse/internal/store"
)

// GormRepository implements Repository on top of the gorm backed store
type GormRepository struct {
	db         *store.DB
	recordRepo RecordRepositoryInterface
	eventRepo  EventRepositoryInterface
}

func NewGormRepository(db *store.DB) Repository {
	return &GormRepository{
		db:         db,
		recordRepo: &GormRecordRepository{db: db},
		eventRepo:  &GormEventRepository{db: db},
	}
}

func (r *GormRepository) Records() RecordRepositoryInterface {
	return r.recordRepo
}

func (r *GormRepository) Event() EventRepositoryInterface {
	return r.eventRepo
}

func (r *GormRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// GormRecordRepository handles stage record persistence
type GormRecordRepository struct {
	db *store.DB
}

func (r *GormRecordRepository) EnsureSchema(ctx context.Context) error {
	return r.db.EnsureSchema(ctx)
}

func (r *GormRecordRepository) WriteBatch(ctx context.Context, kind models.Kind, batch []models.Record) error {
	return r.db.WriteBatch(ctx, kind, batch)
}

func (r *GormRecordRepository) GetByRequestID(ctx context.Context, requestID string) (*models.RequestRecords, error) {
	return r.db.GetByRequestID(ctx, requestID)
}

// GormEventRepository handles event logging
type GormEventRepository struct {
	db *store.DB
}

func (r *GormEventRepository) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	return r.db.LogEvent(ctx, level, code, msg, meta)
}

func (r *GormEventRepository) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	return r.db.RecentEvents(ctx, limit)
}
