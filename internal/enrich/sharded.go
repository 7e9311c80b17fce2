package enrich

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enrich-cli/internal/model"
)

// RunSharded selects up to limit eligible records and splits them round-robin
// across shards, each processed sequentially by its own goroutine. Claims are
// still made through the store, so shards (and other processes) never enrich
// the same record twice. All shards share the coordinator's geocoder and
// therefore its rate limit. Results keep selection order.
func (c *Coordinator) RunSharded(ctx context.Context, scope model.Scope, limit, shards int) (*BatchSummary, error) {
	if shards <= 1 {
		return c.RunBatch(ctx, scope, limit)
	}
	summary := c.newSummary(scope)

	recs, err := c.store.SelectEligible(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: select eligible")
	}
	summary.TotalCount = len(recs)
	if shards > len(recs) {
		shards = len(recs)
	}

	zap.L().Info("enrich: sharded batch started",
		zap.String("batch_id", summary.BatchID),
		zap.String("scope", string(scope)),
		zap.Int("eligible", len(recs)),
		zap.Int("shards", shards),
	)

	slots := make([]*RecordResult, len(recs))
	var g errgroup.Group
	for shard := 0; shard < shards; shard++ {
		g.Go(func() error {
			for i := shard; i < len(recs); i += shards {
				if ctx.Err() != nil {
					return nil
				}
				res := c.ProcessRecord(ctx, summary.BatchID, scope, recs[i])
				slots[i] = &res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "enrich: sharded batch")
	}

	for _, res := range slots {
		if res == nil {
			summary.Canceled = true
			continue
		}
		summary.add(*res)
	}
	c.finish(summary)
	return summary, nil
}
