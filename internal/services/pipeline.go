package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aigoflow/taopulse/internal/models"
)

// Recorder accepts finished stage records for persistence
type Recorder interface {
	Add(rec models.Record) error
}

// Launcher starts a background pipeline run for a request
type Launcher interface {
	Launch(rc models.RequestContext)
}

const (
	stageSignal = "signal"
	stageScore  = "score"
	stageAction = "action"
)

type PipelineConfig struct {
	Signals    SignalSource
	Scorer     Scorer
	Executor   Executor
	Recorder   Recorder
	TradeScale float64
}

// Pipeline runs the signal -> score -> action chain for triggered requests.
// Runs are detached from the request that started them; every outcome ends
// up in a stage record, nothing is returned to the launcher.
type Pipeline struct {
	signals  SignalSource
	scorer   Scorer
	executor Executor
	recorder Recorder
	scale    float64

	wg       sync.WaitGroup
	inflight atomic.Int64
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Executor == nil {
		cfg.Executor = DryRunExecutor{}
	}
	if cfg.TradeScale <= 0 {
		cfg.TradeScale = 0.01
	}
	return &Pipeline{
		signals:  cfg.Signals,
		scorer:   cfg.Scorer,
		executor: cfg.Executor,
		recorder: cfg.Recorder,
		scale:    cfg.TradeScale,
	}
}

// Launch starts a tracked run in its own goroutine and returns immediately
func (p *Pipeline) Launch(rc models.RequestContext) {
	p.wg.Add(1)
	p.inflight.Add(1)
	pipelineInflight.Inc()
	go func() {
		defer p.wg.Done()
		defer p.inflight.Add(-1)
		defer pipelineInflight.Dec()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Pipeline run panicked", "request_id", rc.RequestID, "panic", r)
			}
		}()
		p.Run(context.Background(), rc)
	}()
}

// Inflight returns the number of runs that have not finished yet
func (p *Pipeline) Inflight() int64 {
	return p.inflight.Load()
}

// Wait blocks until every launched run has finished or ctx is done
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the stages in order, stopping at the first failure
func (p *Pipeline) Run(ctx context.Context, rc models.RequestContext) {
	log := slog.With("request_id", rc.RequestID)
	netuid := rc.Subject.NetuidOr(0)
	hotkey := rc.Subject.Hotkey

	// Stage A
	start := time.Now()
	signal, err := p.signals.FetchSignal(ctx, netuid)
	elapsed := time.Since(start)
	stageDuration.WithLabelValues(stageSignal).Observe(elapsed.Seconds())

	tweets := &models.TweetRecord{Netuid: netuid, Query: SignalQuery(netuid)}
	if err != nil {
		tweets.RecordBase = models.NewRecordBase(rc.RequestID, elapsed, false, err.Error())
		p.record(log, stageSignal, tweets)
		log.Error("Failed to fetch tweets", "netuid", netuid, "error", err)
		return
	}
	if signal == nil {
		signal = &Signal{Query: tweets.Query}
	}
	tweets.RecordBase = models.NewRecordBase(rc.RequestID, elapsed, true, "")
	tweets.Query = signal.Query
	tweets.Items = signal.Items
	tweets.ItemCount = len(signal.Items)
	p.record(log, stageSignal, tweets)

	// Stage B
	sentiment := &models.SentimentRecord{Netuid: netuid, Hotkey: hotkey, TweetsCount: len(signal.Items)}
	if len(signal.Items) == 0 {
		sentiment.RecordBase = models.NewRecordBase(rc.RequestID, 0, false, NoItemsMessage)
		p.record(log, stageScore, sentiment)
		log.Info("No tweets to analyze, pipeline finished", "netuid", netuid)
		return
	}

	start = time.Now()
	verdict, err := p.scorer.Score(ctx, signal.Items)
	elapsed = time.Since(start)
	stageDuration.WithLabelValues(stageScore).Observe(elapsed.Seconds())
	if err != nil {
		sentiment.RecordBase = models.NewRecordBase(rc.RequestID, elapsed, false, err.Error())
		p.record(log, stageScore, sentiment)
		log.Error("Failed to score sentiment", "netuid", netuid, "error", err)
		return
	}
	sentiment.RecordBase = models.NewRecordBase(rc.RequestID, elapsed, true, "Sentiment score extracted successfully")
	sentiment.Score = verdict
	p.record(log, stageScore, sentiment)
	log.Info("Sentiment result", "netuid", netuid, "score", verdict, "tweets", len(signal.Items))

	// Stage C
	order := Decide(netuid, hotkey, verdict, p.scale)
	trade := &models.TradeRecord{
		Netuid:         netuid,
		Hotkey:         hotkey,
		Action:         string(order.Action),
		Amount:         order.Amount,
		SentimentScore: verdict,
	}
	if order.Action == ActionNone {
		trade.RecordBase = models.NewRecordBase(rc.RequestID, 0, true, "neutral sentiment, no trade")
		p.record(log, stageAction, trade)
		return
	}

	start = time.Now()
	msg, err := p.executor.Execute(ctx, order)
	elapsed = time.Since(start)
	stageDuration.WithLabelValues(stageAction).Observe(elapsed.Seconds())
	if err != nil {
		trade.RecordBase = models.NewRecordBase(rc.RequestID, elapsed, false, err.Error())
		p.record(log, stageAction, trade)
		log.Error("Trade failed", "action", order.Action, "amount", order.Amount, "error", err)
		return
	}
	trade.RecordBase = models.NewRecordBase(rc.RequestID, elapsed, true, msg)
	p.record(log, stageAction, trade)
	log.Info("Trade result", "action", order.Action, "amount", order.Amount, "message", msg)
}

func (p *Pipeline) record(log *slog.Logger, stage string, rec models.Record) {
	outcome := "success"
	if !rec.Base().IsSuccess {
		outcome = "failure"
	}
	stageTotal.WithLabelValues(stage, outcome).Inc()

	if err := p.recorder.Add(rec); err != nil {
		log.Error("Failed to enqueue stage record", "stage", stage, "error", err)
	}
}
