package dsn

import (
	"context"
	"fmt"

	"github.com/Ciluvien/dsn-analysis/pkg/openmetrics"
	"github.com/Ciluvien/dsn-analysis/pkg/storage"
)

// ImportFile loads an OpenMetrics file (optionally .zst compressed) into the
// store and returns the number of points written.
func ImportFile(ctx context.Context, st storage.Storage, tenantID, path string) (int, error) {
	rc, err := storage.OpenFile(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer rc.Close()

	series, err := openmetrics.Parse(rc, openmetrics.SyntaxOpenMetrics)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	bw := storage.NewBatchWriter(st, tenantID, 0)
	points := 0
	for _, s := range series {
		if err := bw.Add(ctx, s); err != nil {
			return points, err
		}
		points += len(s.Points)
	}
	if err := bw.Flush(ctx); err != nil {
		return points, err
	}
	return points, nil
}
