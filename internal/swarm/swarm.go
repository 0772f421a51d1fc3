// Package swarm plans parallel backfills: it splits a date range into
// contiguous chunks, emits a docker-compose manifest that runs one
// worker per chunk against a shared database, and validates the coverage
// of a completed swarm run.
package swarm

import (
	"fmt"
	"time"
)

// Chunk is one worker's slice of the full range, half-open [Start, End).
type Chunk struct {
	Index int
	Start time.Time
	End   time.Time
}

// SplitRange divides [start, end) into n contiguous disjoint chunks.
// Chunks are equal-width except the last, which absorbs the remainder so
// the union is exactly the input range.
func SplitRange(start, end time.Time, n int) ([]Chunk, error) {
	start, end = start.UTC(), end.UTC()
	if n < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", n)
	}
	if !start.Before(end) {
		return nil, fmt.Errorf("range is empty: %s >= %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	total := end.Sub(start)
	width := total / time.Duration(n)
	if width <= 0 {
		return nil, fmt.Errorf("range %s too narrow for %d workers", total, n)
	}

	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		chunkStart := start.Add(time.Duration(i) * width)
		chunkEnd := chunkStart.Add(width)
		if i == n-1 {
			chunkEnd = end
		}
		chunks[i] = Chunk{Index: i, Start: chunkStart, End: chunkEnd}
	}
	return chunks, nil
}
