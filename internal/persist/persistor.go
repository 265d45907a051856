// Package persist buffers stage records in memory and writes them to the
// record store in periodic bulk batches.
//
// Every record lives either in a queue or in the store. A flush swaps the
// queue contents out under the queue lock and performs the write without
// holding it, so enqueuers are never blocked by database I/O. A failed
// write puts the batch back in front of whatever was enqueued meanwhile and
// the next tick tries again, which gives at-least-once delivery. Queues are
// memory only: records still buffered when the process dies without Stop
// are lost.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aigoflow/taopulse/internal/models"
	"github.com/aigoflow/taopulse/internal/store"
)

var (
	ErrUnknownKind  = errors.New("unknown record kind")
	ErrKindMismatch = errors.New("record does not match queue kind")
)

// Store is the durable side of the persistor
type Store interface {
	EnsureSchema(ctx context.Context) error
	WriteBatch(ctx context.Context, kind models.Kind, batch []models.Record) error
}

// Notifier is told about every batch after it has been written
type Notifier interface {
	Notify(kind models.Kind, batch []models.Record)
}

type Options struct {
	// SaveInterval is the period of the background flush
	SaveInterval time.Duration
	// MaxQueueSize triggers an extra flush of a queue once it holds this
	// many records. It is not a hard bound.
	MaxQueueSize int
	// Kinds are the queues to create; defaults to models.AllKinds
	Kinds []models.Kind
}

func DefaultOptions() *Options {
	return &Options{
		SaveInterval: 2 * time.Second,
		MaxQueueSize: 1000,
		Kinds:        models.AllKinds,
	}
}

type queue struct {
	mu           sync.Mutex
	items        []models.Record
	flushPending bool
}

type Persistor struct {
	store    Store
	notifier Notifier
	opts     Options
	kinds    []models.Kind
	queues   map[models.Kind]*queue
	log      *slog.Logger

	lk      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	extra   sync.WaitGroup
}

func New(store Store, options *Options) *Persistor {
	if options == nil {
		options = DefaultOptions()
	}
	opts := *options
	if opts.SaveInterval <= 0 {
		opts.SaveInterval = DefaultOptions().SaveInterval
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultOptions().MaxQueueSize
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = models.AllKinds
	}

	p := &Persistor{
		store:  store,
		opts:   opts,
		kinds:  opts.Kinds,
		queues: make(map[models.Kind]*queue, len(opts.Kinds)),
		log:    slog.Default().With("system", "persist"),
	}
	for _, k := range opts.Kinds {
		p.queues[k] = &queue{}
	}
	return p
}

// SetNotifier registers a hook that sees every successfully written batch.
// Must be called before Start.
func (p *Persistor) SetNotifier(n Notifier) {
	p.notifier = n
}

// Start creates the schema and launches the periodic flush. Calling it on a
// running persistor does nothing.
func (p *Persistor) Start(ctx context.Context) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	if p.running {
		return nil
	}

	if err := p.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	p.log.Info("Database schema initialized")

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true
	go p.loop(p.stop, p.done)

	p.log.Info("Persistor started", "save_interval", p.opts.SaveInterval, "max_queue_size", p.opts.MaxQueueSize)
	return nil
}

// Stop halts the timer, waits for size triggered flushes, then drains every
// queue once more. It must run before process exit.
func (p *Persistor) Stop(ctx context.Context) error {
	p.lk.Lock()
	if !p.running {
		p.lk.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.lk.Unlock()

	<-done
	p.extra.Wait()

	err := p.FlushAll(ctx)
	if err != nil {
		p.log.Error("Final flush failed, records remain buffered", "error", err, "buffered", p.Depths())
	}
	p.log.Info("Persistor stopped")
	return err
}

// Running reports whether the periodic flush is active
func (p *Persistor) Running() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.running
}

func (p *Persistor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.opts.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.FlushAll(context.Background()); err != nil {
				p.log.Error("Periodic save failed", "error", err)
			}
		}
	}
}

// Add queues rec under its own kind
func (p *Persistor) Add(rec models.Record) error {
	return p.Enqueue(rec.RecordKind(), rec)
}

// Enqueue appends rec to the queue for kind. Reaching MaxQueueSize schedules
// an immediate flush of that queue on top of the periodic one.
func (p *Persistor) Enqueue(kind models.Kind, rec models.Record) error {
	q, ok := p.queues[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if rec.RecordKind() != kind {
		return fmt.Errorf("%w: %s into %s", ErrKindMismatch, rec.RecordKind(), kind)
	}

	q.mu.Lock()
	q.items = append(q.items, rec)
	depth := len(q.items)
	trigger := depth >= p.opts.MaxQueueSize && !q.flushPending
	if trigger {
		q.flushPending = true
	}
	q.mu.Unlock()

	queueDepth.WithLabelValues(string(kind)).Set(float64(depth))

	if trigger && !p.flushSoon(kind) {
		q.mu.Lock()
		q.flushPending = false
		q.mu.Unlock()
	}
	return nil
}

// flushSoon starts an out-of-band flush if the persistor is running
func (p *Persistor) flushSoon(kind models.Kind) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	if !p.running {
		return false
	}

	p.extra.Add(1)
	go func() {
		defer p.extra.Done()
		if err := p.FlushKind(context.Background(), kind); err != nil {
			p.log.Error("Size triggered save failed", "kind", kind, "error", err)
		}
	}()
	return true
}

// FlushAll writes every non-empty queue. Queues are independent and are
// written concurrently; the returned error joins all failures.
func (p *Persistor) FlushAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, kind := range p.kinds {
		kind := kind
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.FlushKind(ctx, kind); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// FlushKind writes the current contents of one queue
func (p *Persistor) FlushKind(ctx context.Context, kind models.Kind) error {
	q, ok := p.queues[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	q.mu.Lock()
	q.flushPending = false
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	queueDepth.WithLabelValues(string(kind)).Set(0)

	start := time.Now()
	err := p.store.WriteBatch(ctx, kind, batch)
	flushDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		q.mu.Lock()
		q.items = append(batch, q.items...)
		depth := len(q.items)
		q.mu.Unlock()

		queueDepth.WithLabelValues(string(kind)).Set(float64(depth))
		flushFailures.WithLabelValues(string(kind)).Inc()
		recordsRequeued.WithLabelValues(string(kind)).Add(float64(len(batch)))
		level := slog.LevelError
		if errors.Is(err, store.ErrBusy) {
			level = slog.LevelWarn
		}
		p.log.Log(ctx, level, "Failed to save records, requeued",
			"kind", kind,
			"count", len(batch),
			"queued", depth,
			"error", err)
		return fmt.Errorf("persist write %s: %w", kind, err)
	}

	recordsFlushed.WithLabelValues(string(kind)).Add(float64(len(batch)))
	p.log.Info("Saved records",
		"kind", kind,
		"count", len(batch),
		"duration_ms", time.Since(start).Milliseconds())

	if p.notifier != nil {
		p.notifier.Notify(kind, batch)
	}
	return nil
}

// Len returns the number of records buffered for kind
func (p *Persistor) Len(kind models.Kind) int {
	q, ok := p.queues[kind]
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Depths returns the buffered record count of every queue
func (p *Persistor) Depths() map[models.Kind]int {
	out := make(map[models.Kind]int, len(p.kinds))
	for _, k := range p.kinds {
		out[k] = p.Len(k)
	}
	return out
}
