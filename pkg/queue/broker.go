package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested job or schedule does not exist.
	ErrNotFound = errors.New("queue: not found")

	// ErrEmpty indicates a dequeue timed out with nothing pending.
	ErrEmpty = errors.New("queue: no job available")

	// ErrMalformed indicates stored job data could not be decoded. The
	// broker drops the record; callers log and move on.
	ErrMalformed = errors.New("queue: malformed job data")
)

// Broker is the storage backend for all queues. Implementations exist for
// Redis and Valkey; both speak the same key layout so they are
// interchangeable per deployment.
type Broker interface {
	// Enqueue stores the job and pushes it onto the pending list. When a
	// job with the same ID already exists the call is a no-op and added is
	// false.
	Enqueue(ctx context.Context, job *Job) (added bool, err error)

	// Dequeue blocks up to timeout for the next pending job and moves it
	// to the active list. Returns ErrEmpty on timeout and ErrMalformed when
	// the stored job data cannot be decoded (the record is dropped).
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error)

	// Complete retires an active job into the bounded completed history and
	// releases its dedup key, so identical content may be enqueued again.
	Complete(ctx context.Context, job *Job) error

	// Fail either requeues the job for another attempt or, when attempts
	// are exhausted, records it in the bounded failed history. The returned
	// bool reports whether the job was requeued.
	Fail(ctx context.Context, job *Job, cause error) (retried bool, err error)

	// RecoverActive moves every job on the active list back to pending and
	// reports how many it moved. Run it at consumer startup: a job a dead
	// consumer left active still holds its dedup key, and until the job is
	// redelivered and retired that key blocks identical content forever.
	RecoverActive(ctx context.Context, queueName string) (int64, error)

	// UpsertSchedule registers a repeatable schedule. Idempotent: an
	// existing ID is updated in place and its next firing is preserved.
	UpsertSchedule(ctx context.Context, queueName string, schedule Schedule) error

	// RemoveSchedule deletes a repeatable schedule. Removing an unknown ID
	// is not an error.
	RemoveSchedule(ctx context.Context, queueName, scheduleID string) error

	// ListSchedules returns all repeatable schedules for the queue, sorted
	// by ID.
	ListSchedules(ctx context.Context, queueName string) ([]Schedule, error)

	// DueSchedules returns every schedule whose next firing is at or before
	// now and advances each one by its cadence.
	DueSchedules(ctx context.Context, queueName string, now time.Time) ([]Schedule, error)

	// Counts reports list lengths for the queue.
	Counts(ctx context.Context, queueName string) (Counts, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	Close() error
}

func pendingKey(queueName string) string   { return "queue:" + queueName + ":pending" }
func activeKey(queueName string) string    { return "queue:" + queueName + ":active" }
func completedKey(queueName string) string { return "queue:" + queueName + ":completed" }
func failedKey(queueName string) string    { return "queue:" + queueName + ":failed" }
func scheduleKey(queueName string) string  { return "queue:" + queueName + ":repeat" }
func nextFireKey(queueName string) string  { return "queue:" + queueName + ":repeat:next" }
func jobKey(queueName, jobID string) string {
	return "queue:" + queueName + ":job:" + jobID
}
