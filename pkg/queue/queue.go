package queue

import (
	"context"
	"fmt"
	"time"
)

// Queue binds one named queue to a broker.
type Queue struct {
	name   string
	broker Broker
}

// New returns a handle for the named queue.
func New(name string, broker Broker) *Queue {
	return &Queue{name: name, broker: broker}
}

func (q *Queue) Name() string { return q.name }

// Add enqueues a payload. Without an explicit JobID the ID is derived from
// the payload content, so identical payloads collapse into one job. The
// returned bool reports whether a new job was created.
func (q *Queue) Add(ctx context.Context, payload []byte, opts AddOptions) (*Job, bool, error) {
	id := opts.JobID
	if id == "" {
		var err error
		if id, err = ContentID(payload); err != nil {
			return nil, false, fmt.Errorf("Add: %w", err)
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	job := &Job{
		ID:          id,
		Queue:       q.name,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	added, err := q.broker.Enqueue(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("Add: %w", err)
	}
	return job, added, nil
}

// Dequeue blocks up to timeout for the next job.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	return q.broker.Dequeue(ctx, q.name, timeout)
}

// Complete retires a finished job.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	return q.broker.Complete(ctx, job)
}

// Fail records a failed attempt; the job is requeued while attempts remain.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	return q.broker.Fail(ctx, job, cause)
}

// RecoverActive requeues jobs a previous consumer left on the active list.
func (q *Queue) RecoverActive(ctx context.Context) (int64, error) {
	return q.broker.RecoverActive(ctx, q.name)
}

// UpsertSchedule registers a repeatable schedule on this queue.
func (q *Queue) UpsertSchedule(ctx context.Context, schedule Schedule) error {
	return q.broker.UpsertSchedule(ctx, q.name, schedule)
}

// RemoveSchedule deletes a repeatable schedule.
func (q *Queue) RemoveSchedule(ctx context.Context, scheduleID string) error {
	return q.broker.RemoveSchedule(ctx, q.name, scheduleID)
}

// Schedules lists the queue's repeatable schedules.
func (q *Queue) Schedules(ctx context.Context) ([]Schedule, error) {
	return q.broker.ListSchedules(ctx, q.name)
}

// Counts reports the queue's list lengths.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	return q.broker.Counts(ctx, q.name)
}
