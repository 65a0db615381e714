package progress

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Reporter is a sub-worker's view of the shared counter. It tracks the rows
// it has already reported so its own retries never double-count.
type Reporter struct {
	agg          *Aggregator
	jobID        snowflake.ID
	totalRows    int64
	lastReported int64
}

func (a *Aggregator) NewReporter(jobID snowflake.ID, totalRows int64) *Reporter {
	return &Reporter{
		agg:       a,
		jobID:     jobID,
		totalRows: totalRows,
	}
}

// Report publishes the delta between the worker's local done count and its
// last successful report. Zero delta skips the round-trip entirely. The
// baseline only advances after the shared counter accepted the increment.
func (r *Reporter) Report(ctx context.Context, doneLocal int64) (Delta, error) {
	increment := doneLocal - r.lastReported
	if increment <= 0 {
		return Delta{NoOp: true}, nil
	}

	delta, err := r.agg.AddRows(ctx, r.jobID, increment, r.totalRows)
	if err != nil {
		return Delta{}, err
	}
	r.lastReported = doneLocal
	return delta, nil
}
