package worker

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// RowProcessor is the seam where the drafting pipeline plugs in. The pool
// treats it as an opaque per-row call; everything about prompts, enrichment
// and external APIs lives behind it.
type RowProcessor interface {
	ProcessRow(ctx context.Context, jobID snowflake.ID, rowIndex int64) error
}

// NopProcessor accepts every row without doing work. Used until a real
// drafting pipeline is wired in, and by tests that only exercise dispatch.
type NopProcessor struct{}

func (NopProcessor) ProcessRow(ctx context.Context, jobID snowflake.ID, rowIndex int64) error {
	return ctx.Err()
}
