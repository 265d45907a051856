package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aigoflow/taopulse/internal/models"
)

// MaxSubnet is the highest subnet queried when no netuid is given
const MaxSubnet = 50

// DividendSource answers the primary dividends query
type DividendSource interface {
	FetchDividends(ctx context.Context, subject models.Subject) (models.Dividends, error)
}

// SubnetQuerier reads TaoDividendsPerSubnet storage for one subnet
type SubnetQuerier interface {
	QuerySubnet(ctx context.Context, netuid int) (map[string]int64, error)
	QueryHotkey(ctx context.Context, netuid int, hotkey string) (int64, error)
}

// ChainDividendSource fans a query out over one or all subnets
type ChainDividendSource struct {
	querier     SubnetQuerier
	timeout     time.Duration
	concurrency int
}

func NewChainDividendSource(querier SubnetQuerier, timeout time.Duration) *ChainDividendSource {
	return &ChainDividendSource{
		querier:     querier,
		timeout:     timeout,
		concurrency: 10,
	}
}

func (s *ChainDividendSource) FetchDividends(ctx context.Context, subject models.Subject) (models.Dividends, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	netuids := make([]int, 0, MaxSubnet)
	if subject.Netuid != nil {
		netuids = append(netuids, *subject.Netuid)
	} else {
		for n := 1; n <= MaxSubnet; n++ {
			netuids = append(netuids, n)
		}
	}

	start := time.Now()
	var (
		mu  sync.Mutex
		out = make(models.Dividends, len(netuids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, netuid := range netuids {
		netuid := netuid
		g.Go(func() error {
			var (
				res map[string]int64
				err error
			)
			if subject.Hotkey != "" {
				var v int64
				v, err = s.querier.QueryHotkey(gctx, netuid, subject.Hotkey)
				res = map[string]int64{subject.Hotkey: v}
			} else {
				res, err = s.querier.QuerySubnet(gctx, netuid)
			}
			if err != nil {
				return fmt.Errorf("subnet %d: %w", netuid, err)
			}
			mu.Lock()
			out[netuid] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("Dividends query completed",
		"subnets", len(netuids),
		"hotkey", subject.Hotkey,
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// SnapshotQuerier serves dividends from a JSON snapshot of the storage map,
// keyed by subnet id then hotkey.
type SnapshotQuerier struct {
	data map[int]map[string]int64
}

// LoadSnapshot reads a snapshot file. An empty path yields an empty
// snapshot in which every subnet has no hotkeys.
func LoadSnapshot(path string) (*SnapshotQuerier, error) {
	q := &SnapshotQuerier{data: map[int]map[string]int64{}}
	if path == "" {
		return q, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dividends snapshot: %w", err)
	}
	var raw map[string]map[string]int64
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse dividends snapshot: %w", err)
	}
	for k, v := range raw {
		netuid, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid subnet id %q in snapshot", k)
		}
		q.data[netuid] = v
	}
	slog.Info("Dividends snapshot loaded", "file", path, "subnets", len(q.data))
	return q, nil
}

// NewSnapshotQuerier wraps an in-memory snapshot
func NewSnapshotQuerier(data map[int]map[string]int64) *SnapshotQuerier {
	return &SnapshotQuerier{data: data}
}

func (q *SnapshotQuerier) QuerySubnet(ctx context.Context, netuid int) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(q.data[netuid]))
	for hk, v := range q.data[netuid] {
		out[hk] = v
	}
	return out, nil
}

// QueryHotkey returns zero for hotkeys without an entry, like the chain does
func (q *SnapshotQuerier) QueryHotkey(ctx context.Context, netuid int, hotkey string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return q.data[netuid][hotkey], nil
}
