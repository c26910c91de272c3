package backend

import (
	"context"
	"fmt"
)

// ChunkResult is the outcome of one create request covering rows[Start:End].
// On success Records is aligned with those rows. On failure no row of the
// chunk is treated as created.
type ChunkResult struct {
	Start   int
	End     int
	Records []RemoteRecord
	Err     error
}

// CreateChunked splits rows into consecutive chunks of at most size rows,
// capped by the adapter's MaxBatchSize, and creates them in order. A failed
// chunk does not stop the chunks after it. Once ctx is done the remaining
// chunks fail with the context error without being sent.
func CreateChunked(ctx context.Context, a Adapter, h TableHandle, rows []Fields, size int) []ChunkResult {
	size = BatchSize(a.Capabilities().MaxBatchSize, size)

	results := make([]ChunkResult, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		res := ChunkResult{Start: start, End: end}

		if err := ctx.Err(); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		recs, err := a.CreateRecords(ctx, h, rows[start:end])
		switch {
		case err != nil:
			res.Err = err
		case len(recs) != end-start:
			res.Err = fmt.Errorf("%s: create returned %d records for %d rows", a.Name(), len(recs), end-start)
		default:
			res.Records = recs
		}
		results = append(results, res)
	}
	return results
}
