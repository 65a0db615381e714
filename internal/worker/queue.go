package worker

import (
	"context"
	"errors"

	jobdomain "github.com/rowglow/rowledger/internal/job/domain"
)

// ErrQueueFull is returned when the in-process queue cannot accept a
// candidate. Submissions are not lost; the pollers rescan the jobs table.
var ErrQueueFull = errors.New("queue_full")

const defaultQueueDepth = 256

// Queue is an in-process candidate channel. Delivery is at-least-once in
// combination with the table scan; the claim's conditional update dedupes.
type Queue struct {
	ch chan jobdomain.Candidate
}

func NewQueue() *Queue {
	return &Queue{ch: make(chan jobdomain.Candidate, defaultQueueDepth)}
}

func (q *Queue) Enqueue(ctx context.Context, candidate jobdomain.Candidate) error {
	select {
	case q.ch <- candidate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (q *Queue) Candidates() <-chan jobdomain.Candidate {
	return q.ch
}
