package monitor

import (
	"context"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
)

// fetchPrices requests quotes in chunks of BatchSize, at most
// FetchConcurrency chunks at a time. A failed chunk only loses its own
// tokens for this tick; the returned count is the number of tokens without
// a quote.
func (m *Monitor) fetchPrices(ctx context.Context, tokens []pool.Token) (map[string]market.Quote, int) {
	ids := make([]string, len(tokens))
	for i, t := range tokens {
		ids[i] = market.TokenID(t.Address, t.Chain)
	}

	chunks := chunk(ids, m.config.BatchSize)
	results := make([]map[string]market.Quote, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.FetchConcurrency)
	for i, batch := range chunks {
		i, batch := i, batch
		g.Go(func() error {
			quotes, err := m.provider.GetBatchPrices(gctx, batch)
			if err != nil {
				m.metrics.ProviderError("prices")
				log.Warn().Err(err).Int("chunk", i).Int("ids", len(batch)).Msg("monitor: price chunk failed")
				return nil
			}
			results[i] = quotes
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]market.Quote, len(ids))
	for _, r := range results {
		for id, q := range r {
			merged[id] = q
		}
	}
	missing := 0
	for _, id := range ids {
		if _, ok := merged[id]; !ok {
			missing++
		}
	}
	return merged, missing
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = market.MaxBatchIDs
	}
	out := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
