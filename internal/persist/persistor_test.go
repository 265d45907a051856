package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aigoflow/taopulse/internal/models"
	"github.com/aigoflow/taopulse/internal/store"
)

type fakeStore struct {
	mu          sync.Mutex
	schemaCalls int
	writeCalls  int
	failures    int   // fail this many upcoming writes
	failWith    error // returned by those failures instead of a generic error
	failEvery   int // when > 0, fail every n-th write
	block       chan struct{}
	entered     chan struct{}
	written     map[models.Kind][]models.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{written: make(map[models.Kind][]models.Record)}
}

func (s *fakeStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaCalls++
	return nil
}

func (s *fakeStore) WriteBatch(ctx context.Context, kind models.Kind, batch []models.Record) error {
	s.mu.Lock()
	block, entered := s.block, s.entered
	s.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if s.failures > 0 {
		s.failures--
		if s.failWith != nil {
			return s.failWith
		}
		return errors.New("connection refused")
	}
	if s.failEvery > 0 && s.writeCalls%s.failEvery == 0 {
		return errors.New("deadlock detected")
	}
	s.written[kind] = append(s.written[kind], batch...)
	return nil
}

func (s *fakeStore) snapshot(kind models.Kind) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Record(nil), s.written[kind]...)
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeCalls
}

func trade(requestID string) *models.TradeRecord {
	return &models.TradeRecord{
		RecordBase: models.NewRecordBase(requestID, time.Millisecond, true, ""),
		Netuid:     18,
		Hotkey:     "hk",
		Action:     "increase",
	}
}

func TestFlushAllEmptyIsNoop(t *testing.T) {
	st := newFakeStore()
	p := New(st, nil)

	require.NoError(t, p.FlushAll(context.Background()))
	require.NoError(t, p.FlushAll(context.Background()))
	assert.Equal(t, 0, st.calls())
}

func TestFailedFlushIsRetried(t *testing.T) {
	st := newFakeStore()
	st.failures = 1
	p := New(st, nil)

	rec := trade("req-1")
	require.NoError(t, p.Add(rec))

	err := p.FlushAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist write trades")
	assert.Equal(t, 1, p.Len(models.KindTrades))
	assert.Empty(t, st.snapshot(models.KindTrades))

	require.NoError(t, p.FlushAll(context.Background()))
	assert.Equal(t, 0, p.Len(models.KindTrades))

	written := st.snapshot(models.KindTrades)
	require.Len(t, written, 1)
	assert.Same(t, rec, written[0])
}

// ackLostStore commits the first batch and still reports failure
type ackLostStore struct {
	db *store.DB

	mu   sync.Mutex
	lost bool
}

func (s *ackLostStore) EnsureSchema(ctx context.Context) error {
	return s.db.EnsureSchema(ctx)
}

func (s *ackLostStore) WriteBatch(ctx context.Context, kind models.Kind, batch []models.Record) error {
	if err := s.db.WriteBatch(ctx, kind, batch); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lost {
		s.lost = true
		return errors.New("commit ack lost")
	}
	return nil
}

func TestRetryAfterCommittedWriteDoesNotWedgeQueue(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "records.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.EnsureSchema(ctx))

	p := New(&ackLostStore{db: db}, nil)

	require.NoError(t, p.Add(trade("req-1")))
	require.Error(t, p.FlushAll(ctx))
	assert.Equal(t, 1, p.Len(models.KindTrades))

	require.NoError(t, p.Add(trade("req-2")))
	for i := 0; i < 3; i++ {
		require.NoError(t, p.FlushAll(ctx))
	}
	assert.Equal(t, 0, p.Len(models.KindTrades))

	for _, id := range []string{"req-1", "req-2"} {
		n, err := db.CountByRequestID(ctx, models.KindTrades, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, id)
	}
}

func TestBusyStoreIsRequeuedWithWarning(t *testing.T) {
	st := newFakeStore()
	st.failures = 1
	st.failWith = fmt.Errorf("%w: database is locked", store.ErrBusy)
	p := New(st, nil)
	var logs bytes.Buffer
	p.log = slog.New(slog.NewJSONHandler(&logs, nil))

	require.NoError(t, p.Add(trade("req-1")))
	err := p.FlushKind(context.Background(), models.KindTrades)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrBusy))
	assert.Equal(t, 1, p.Len(models.KindTrades))
	assert.Contains(t, logs.String(), `"level":"WARN"`)
	assert.NotContains(t, logs.String(), `"level":"ERROR"`)

	logs.Reset()
	st.failures = 1
	st.failWith = nil
	require.Error(t, p.FlushKind(context.Background(), models.KindTrades))
	assert.Contains(t, logs.String(), `"level":"ERROR"`)
}

func TestFlushAllJoinsFailuresOfEveryKind(t *testing.T) {
	st := newFakeStore()
	st.failures = 2
	p := New(st, nil)

	require.NoError(t, p.Add(trade("req-1")))
	require.NoError(t, p.Add(&models.SentimentRecord{
		RecordBase: models.NewRecordBase("req-1", 0, true, ""),
		Netuid:     18,
		Score:      30,
	}))

	err := p.FlushAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist write trades")
	assert.Contains(t, err.Error(), "persist write sentiment_analyses")
	assert.Equal(t, 1, p.Len(models.KindTrades))
	assert.Equal(t, 1, p.Len(models.KindSentiment))
}

func TestRequeueKeepsRecordsEnqueuedDuringFlush(t *testing.T) {
	st := newFakeStore()
	st.failures = 1
	release := make(chan struct{})
	st.block = release
	st.entered = make(chan struct{})
	p := New(st, nil)

	first := trade("first")
	require.NoError(t, p.Add(first))

	errc := make(chan error, 1)
	go func() { errc <- p.FlushKind(context.Background(), models.KindTrades) }()

	<-st.entered
	// the queue was swapped out, so this lands in the fresh queue
	second := trade("second")
	require.NoError(t, p.Add(second))
	assert.Equal(t, 1, p.Len(models.KindTrades))

	st.mu.Lock()
	st.block = nil
	st.mu.Unlock()
	close(release)

	require.Error(t, <-errc)
	assert.Equal(t, 2, p.Len(models.KindTrades))

	require.NoError(t, p.FlushKind(context.Background(), models.KindTrades))
	written := st.snapshot(models.KindTrades)
	require.Len(t, written, 2)
	assert.Same(t, first, written[0])
	assert.Same(t, second, written[1])
}

func TestUnknownKind(t *testing.T) {
	p := New(newFakeStore(), &Options{Kinds: []models.Kind{models.KindTrades}})

	err := p.Enqueue(models.KindTweets, &models.TweetRecord{})
	assert.True(t, errors.Is(err, ErrUnknownKind))

	err = p.Enqueue(models.KindTrades, &models.TweetRecord{})
	assert.True(t, errors.Is(err, ErrKindMismatch))
}

func TestStartIsIdempotentAndStopDrains(t *testing.T) {
	st := newFakeStore()
	p := New(st, &Options{SaveInterval: time.Hour, MaxQueueSize: 100})
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Running())
	assert.Equal(t, 1, st.schemaCalls)

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Add(trade(fmt.Sprintf("req-%d", i))))
	}
	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.Running())
	assert.Len(t, st.snapshot(models.KindTrades), 5)
	assert.Equal(t, 0, p.Len(models.KindTrades))

	// stopping twice is harmless
	require.NoError(t, p.Stop(ctx))
}

func TestPeriodicFlush(t *testing.T) {
	st := newFakeStore()
	p := New(st, &Options{SaveInterval: 10 * time.Millisecond, MaxQueueSize: 100})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	require.NoError(t, p.Add(trade("tick")))
	require.Eventually(t, func() bool {
		return len(st.snapshot(models.KindTrades)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSizeTriggeredFlush(t *testing.T) {
	st := newFakeStore()
	p := New(st, &Options{SaveInterval: time.Hour, MaxQueueSize: 3})
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Add(trade(fmt.Sprintf("req-%d", i))))
	}
	require.Eventually(t, func() bool {
		return len(st.snapshot(models.KindTrades)) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, p.Len(models.KindTrades))
}

func TestSizeTriggerWhileStoppedWaitsForFlush(t *testing.T) {
	st := newFakeStore()
	p := New(st, &Options{SaveInterval: time.Hour, MaxQueueSize: 1})

	require.NoError(t, p.Add(trade("idle")))
	assert.Equal(t, 1, p.Len(models.KindTrades))
	assert.Equal(t, 0, st.calls())

	require.NoError(t, p.FlushAll(context.Background()))
	assert.Len(t, st.snapshot(models.KindTrades), 1)
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	st := newFakeStore()
	st.failEvery = 3
	p := New(st, &Options{SaveInterval: 2 * time.Millisecond, MaxQueueSize: 25})
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	const writers, perWriter = 20, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = p.Add(trade(fmt.Sprintf("w%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	_ = p.Stop(ctx)
	for attempt := 0; p.Len(models.KindTrades) > 0 && attempt < 10; attempt++ {
		_ = p.FlushAll(ctx)
	}

	written := st.snapshot(models.KindTrades)
	seen := make(map[string]int, len(written))
	for _, rec := range written {
		seen[rec.Base().RequestID]++
	}
	assert.Len(t, seen, writers*perWriter)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s written more than once", id)
	}
	assert.Equal(t, 0, p.Len(models.KindTrades))
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []models.Kind
	count int
}

func (n *recordingNotifier) Notify(kind models.Kind, batch []models.Record) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	n.count += len(batch)
}

func TestNotifierSeesOnlyWrittenBatches(t *testing.T) {
	st := newFakeStore()
	st.failures = 1
	p := New(st, nil)
	n := &recordingNotifier{}
	p.SetNotifier(n)

	require.NoError(t, p.Add(trade("a")))
	require.NoError(t, p.Add(trade("b")))

	require.Error(t, p.FlushAll(context.Background()))
	assert.Zero(t, n.count)

	require.NoError(t, p.FlushAll(context.Background()))
	assert.Equal(t, []models.Kind{models.KindTrades}, n.kinds)
	assert.Equal(t, 2, n.count)
}
