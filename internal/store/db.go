package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	slogGorm "github.com/orandin/slog-gorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aigoflow/taopulse/internal/models"
)

// ErrBusy marks a write that failed because sqlite was locked; the caller
// should simply try again later.
var ErrBusy = errors.New("database busy")

type DB struct {
	*gorm.DB
}

// Event is one row of the operational event log
type Event struct {
	ID    uint      `gorm:"primaryKey"`
	Ts    time.Time `gorm:"index"`
	Level string
	Code  string `gorm:"index"`
	Msg   string
	Meta  string `gorm:"type:text"`
}

// Open connects to the record database. URLs starting with postgres:// or
// postgresql:// use postgres, anything else is a sqlite file path
// (optionally prefixed with sqlite://).
func Open(databaseURL string) (*DB, error) {
	var dial gorm.Dialector
	isSqlite := false
	openConns := 20

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dial = postgres.Open(databaseURL)
	default:
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		if path != ":memory:" {
			_ = os.MkdirAll(filepath.Dir(path), 0755)
		}
		dial = sqlite.Open(sqliteDSN(path))
		isSqlite = true
		openConns = 1
	}

	db, err := gorm.Open(dial, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 slogGorm.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(openConns)
	sqldb.SetConnMaxIdleTime(time.Hour)

	if isSqlite {
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, fmt.Errorf("failed to set journal_mode=WAL: %w", err)
		}
	}

	return &DB{DB: db}, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000"
}

// EnsureSchema creates the record and event tables if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	return db.WithContext(ctx).AutoMigrate(
		&models.DividendRecord{},
		&models.TweetRecord{},
		&models.SentimentRecord{},
		&models.TradeRecord{},
		&Event{},
	)
}

// WriteBatch inserts one batch of records of a single kind in one transaction.
// Rows whose id is already stored are skipped, so a batch may be written again
// after an ambiguous failure.
func (db *DB) WriteBatch(ctx context.Context, kind models.Kind, batch []models.Record) error {
	if len(batch) == 0 {
		return nil
	}

	var (
		rows any
		err  error
	)
	switch kind {
	case models.KindDividends:
		rows, err = typedBatch[*models.DividendRecord](batch)
	case models.KindTweets:
		rows, err = typedBatch[*models.TweetRecord](batch)
	case models.KindSentiment:
		rows, err = typedBatch[*models.SentimentRecord](batch)
	case models.KindTrades:
		rows, err = typedBatch[*models.TradeRecord](batch)
	default:
		return fmt.Errorf("unknown record kind %q", kind)
	}
	if err != nil {
		return err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100).Error
	})
	if isBusy(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

func typedBatch[T models.Record](batch []models.Record) ([]T, error) {
	out := make([]T, 0, len(batch))
	for _, rec := range batch {
		v, ok := rec.(T)
		if !ok {
			return nil, fmt.Errorf("record %T does not belong to kind %s", rec, rec.RecordKind())
		}
		out = append(out, v)
	}
	return out, nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// GetByRequestID loads every stage record stored under requestID.
// Stages that never ran are left nil.
func (db *DB) GetByRequestID(ctx context.Context, requestID string) (*models.RequestRecords, error) {
	out := &models.RequestRecords{RequestID: requestID}
	var err error

	if out.Dividend, err = firstByRequestID[models.DividendRecord](ctx, db.DB, requestID); err != nil {
		return nil, err
	}
	if out.Tweets, err = firstByRequestID[models.TweetRecord](ctx, db.DB, requestID); err != nil {
		return nil, err
	}
	if out.Sentiment, err = firstByRequestID[models.SentimentRecord](ctx, db.DB, requestID); err != nil {
		return nil, err
	}
	if out.Trade, err = firstByRequestID[models.TradeRecord](ctx, db.DB, requestID); err != nil {
		return nil, err
	}
	return out, nil
}

func firstByRequestID[T any](ctx context.Context, db *gorm.DB, requestID string) (*T, error) {
	var rows []T
	if err := db.WithContext(ctx).Where("request_id = ?", requestID).Order("created_at").Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CountByRequestID returns how many rows of kind exist for requestID
func (db *DB) CountByRequestID(ctx context.Context, kind models.Kind, requestID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Table(string(kind)).Where("request_id = ?", requestID).Count(&n).Error
	return n, err
}

// LogEvent appends one row to the event log
func (db *DB) LogEvent(ctx context.Context, level, code, msg string, meta map[string]interface{}) error {
	m := ""
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("event meta: %w", err)
		}
		m = string(b)
	}
	return db.WithContext(ctx).Create(&Event{Ts: time.Now().UTC(), Level: level, Code: code, Msg: msg, Meta: m}).Error
}

// RecentEvents returns the newest operational events first
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&events).Error
	return events, err
}

func (db *DB) Ping(ctx context.Context) error {
	sqldb, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}

func (db *DB) Close() error {
	sqldb, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}
