package telemetry

import (
	"context"
	"fmt"

	"github.com/Ciluvien/dsn-analysis/internal/observability"
	"github.com/Ciluvien/dsn-analysis/pkg/contact"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
	"github.com/Ciluvien/dsn-analysis/pkg/types"
)

// StoreSource reads telemetry straight from the local store.
type StoreSource struct {
	Store    storage.Storage
	TenantID string
	Queries  Queries
	Metrics  *observability.Collector
}

func (s *StoreSource) Name() string { return "store" }

// Samples selects the three telemetry series within r and joins them.
func (s *StoreSource) Samples(ctx context.Context, r TimeRange) ([]contact.Sample, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	queries := s.Queries
	if queries == (Queries{}) {
		queries = DefaultQueries()
	}

	selectSeries := func(query string) ([]types.Series, error) {
		res, err := s.Store.Query(ctx, &types.QueryRequest{
			TenantID:  s.TenantID,
			Query:     query,
			StartTime: r.Start,
			EndTime:   r.End,
		})
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", query, err)
		}
		return res.Series, nil
	}

	rates, err := selectSeries(queries.DataRate)
	if err != nil {
		return nil, err
	}
	measured, err := selectSeries(queries.MeasuredRange)
	if err != nil {
		return nil, err
	}
	predicted, err := selectSeries(queries.PredictedRange)
	if err != nil {
		return nil, err
	}

	samples := Join(rates, measured, predicted, r.step())
	s.Metrics.AddSamples(s.Name(), len(samples))
	return samples, nil
}
