package stats

import (
	"context"
	"fmt"
	"slices"

	"github.com/opensource-finance/ballotwatch/internal/domain"
)

// Warm replays history into store in timestamp order, so that serving
// aggregates start from the population the model was trained on rather than
// from zero. A store that already holds observations, such as a shared Redis
// store warmed by another node, is left untouched and Warm returns 0.
func Warm(ctx context.Context, store domain.StatsStore, history []*domain.VoteEvent) (int, error) {
	if len(history) == 0 {
		return 0, nil
	}

	current, err := store.Snapshot(ctx, history[0])
	if err != nil {
		return 0, fmt.Errorf("read statistics store: %w", err)
	}
	if current.Population.Count > 0 {
		return 0, nil
	}

	ordered := slices.Clone(history)
	slices.SortStableFunc(ordered, func(a, b *domain.VoteEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	for i, ev := range ordered {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return i, err
			}
		}
		if _, err := store.Observe(ctx, ev); err != nil {
			return i, fmt.Errorf("observe vote %s: %w", ev.VoteID, err)
		}
	}
	return len(ordered), nil
}
