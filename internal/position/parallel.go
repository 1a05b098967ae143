package position

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Result is the outcome of folding one timeline.
type Result struct {
	Key      model.PositionKey
	Rows     []model.PositionRow
	Final    model.PositionState
	CashFlow decimal.Decimal
	Warnings []*ReconciliationWarning
	Resumed  bool
}

// ReconstructAll folds every timeline in groups, each sequentially, at most
// workers at a time. Seeds are matched by key; missing seeds start from
// genesis. Timelines share no state, so results are identical to a serial run.
func ReconstructAll(ctx context.Context, groups map[model.PositionKey][]model.TradeEvent, seeds map[model.PositionKey]model.Checkpoint, opts Options, workers int) (map[model.PositionKey]*Result, error) {
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	out := make(map[model.PositionKey]*Result, len(groups))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for key, events := range groups {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var seed *model.Checkpoint
			if cp, ok := seeds[key]; ok {
				seed = &cp
			}
			rows, r := Reconstruct(key, events, seed, opts)
			res := &Result{
				Key:      key,
				Rows:     rows,
				Final:    r.State(),
				CashFlow: r.CashFlow(),
				Warnings: r.Warnings(),
				Resumed:  seed != nil,
			}
			mu.Lock()
			out[key] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Seeded timelines with no new events still report their state.
	for key, cp := range seeds {
		if _, ok := out[key]; ok {
			continue
		}
		out[key] = &Result{
			Key:      key,
			Final:    cp.State,
			CashFlow: cp.CashFlow,
			Resumed:  true,
		}
	}
	return out, nil
}
