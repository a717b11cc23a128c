package jobqueue

import (
	"context"
	"time"
)

// GraceScheduler defers grace-period checks onto the delayed job set.
type GraceScheduler struct {
	queue *Queue
}

func NewGraceScheduler(queue *Queue) *GraceScheduler {
	return &GraceScheduler{queue: queue}
}

func (s *GraceScheduler) ScheduleGraceCheck(ctx context.Context, invoiceID uint, runAt time.Time) error {
	_, err := s.queue.EnqueueJobAt(ctx, JobTypeGraceCheck, GraceCheckJobPayload{InvoiceID: invoiceID}.ToMap(), runAt)
	return err
}
