package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/aigoflow/taopulse/internal/cache"
	"github.com/aigoflow/taopulse/internal/models"
)

// ErrUpstream is returned when the primary dividends fetch fails. It is the
// only failure a caller of Handle ever sees.
var ErrUpstream = errors.New("upstream dividends query failed")

// AnswerCache stores serialized answers for a bounded time
type AnswerCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// RecordLookup reads back everything stored for one request
type RecordLookup interface {
	GetByRequestID(ctx context.Context, requestID string) (*models.RequestRecords, error)
}

type DividendServiceConfig struct {
	Source        DividendSource
	Cache         AnswerCache
	Pipeline      Launcher
	Recorder      Recorder
	Records       RecordLookup
	CacheTTL      time.Duration
	DefaultNetuid int
	DefaultHotkey string
}

// DividendService is the entry point of every dividends query
type DividendService struct {
	source        DividendSource
	cache         AnswerCache
	pipeline      Launcher
	recorder      Recorder
	records       RecordLookup
	ttl           time.Duration
	defaultNetuid int
	defaultHotkey string

	group singleflight.Group
	now   func() time.Time
	newID func() string
}

func NewDividendService(cfg DividendServiceConfig) *DividendService {
	return &DividendService{
		source:        cfg.Source,
		cache:         cfg.Cache,
		pipeline:      cfg.Pipeline,
		recorder:      cfg.Recorder,
		records:       cfg.Records,
		ttl:           cfg.CacheTTL,
		defaultNetuid: cfg.DefaultNetuid,
		defaultHotkey: cfg.DefaultHotkey,
		now:           time.Now,
		newID:         func() string { return ulid.Make().String() },
	}
}

// Handle answers a dividends query. A fresh cached answer is returned as is.
// Otherwise one computation per key runs at a time: it fetches, records the
// answer, launches the background pipeline when asked to and fills the
// cache. Callers that joined a computation already in flight get its answer
// marked as cached.
func (s *DividendService) Handle(ctx context.Context, subject models.Subject, trigger bool) (*models.DividendsAnswer, error) {
	subject = subject.Normalize()
	key := cache.Key(subject, trigger)

	if b, ok := s.cache.Get(ctx, key); ok {
		var answer models.DividendsAnswer
		if err := json.Unmarshal(b, &answer); err == nil {
			answer.Cached = true
			dividendRequests.WithLabelValues("hit").Inc()
			slog.Info("Returning cached result", "request_id", answer.RequestID, "netuid", subject.Netuid, "hotkey", subject.Hotkey)
			return &answer, nil
		}
		slog.Warn("Dropping undecodable cache entry", "key", key)
	}

	leader := false
	v, err, _ := s.group.Do(key, func() (any, error) {
		leader = true
		// joined callers share this computation, so it must not die with
		// the first caller's connection
		return s.compute(context.WithoutCancel(ctx), key, subject, trigger)
	})
	if err != nil {
		dividendRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	answer := *v.(*models.DividendsAnswer)
	if leader {
		dividendRequests.WithLabelValues("miss").Inc()
	} else {
		answer.Cached = true
		dividendRequests.WithLabelValues("shared").Inc()
	}
	return &answer, nil
}

func (s *DividendService) compute(ctx context.Context, key string, subject models.Subject, trigger bool) (*models.DividendsAnswer, error) {
	requestID := s.newID()
	log := slog.With("request_id", requestID)
	log.Info("Cache miss, querying dividends", "netuid", subject.Netuid, "hotkey", subject.Hotkey, "trade", trigger)

	start := time.Now()
	dividends, err := s.source.FetchDividends(ctx, subject)
	elapsed := time.Since(start)
	upstreamDuration.Observe(elapsed.Seconds())

	rec := &models.DividendRecord{
		Netuid:         subject.Netuid,
		Hotkey:         subject.Hotkey,
		TradeTriggered: trigger,
	}
	if err != nil {
		rec.RecordBase = models.NewRecordBase(requestID, elapsed, false, err.Error())
		s.enqueue(log, rec)
		log.Error("Dividends query failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	data, _ := json.Marshal(dividends)
	rec.RecordBase = models.NewRecordBase(requestID, elapsed, true, "")
	rec.Data = string(data)
	s.enqueue(log, rec)

	resolved := subject.Resolve(s.defaultNetuid, s.defaultHotkey)
	answer := &models.DividendsAnswer{
		Dividends:   dividends,
		CollectedAt: s.now().UTC(),
		Cached:      false,
		ActionTriggered: models.ActionTriggered{
			Triggered: trigger,
			SubnetID:  *resolved.Netuid,
		},
		RequestID: requestID,
	}

	if trigger {
		s.pipeline.Launch(models.RequestContext{
			RequestID:     requestID,
			Subject:       resolved,
			TriggerAction: true,
		})
		log.Info("Pipeline launched", "netuid", *resolved.Netuid, "hotkey", resolved.Hotkey)
	}

	if b, err := json.Marshal(answer); err == nil {
		s.cache.Set(ctx, key, b, s.ttl)
	}
	return answer, nil
}

func (s *DividendService) enqueue(log *slog.Logger, rec models.Record) {
	if err := s.recorder.Add(rec); err != nil {
		log.Error("Failed to enqueue dividend record", "error", err)
	}
}

// Lookup returns every stage record stored under requestID. Stages that
// have not been written yet come back nil.
func (s *DividendService) Lookup(ctx context.Context, requestID string) (*models.RequestRecords, error) {
	return s.records.GetByRequestID(ctx, requestID)
}
