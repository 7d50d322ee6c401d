// Package queue is a durable job broker on Redis or Valkey. Jobs are
// deduplicated by a content hash of their payload, move through
// pending/active lists, and land in bounded completed/failed histories.
// Repeatable schedules fire jobs on a fixed cadence.
package queue

import (
	"encoding/json"
	"time"
)

// DefaultMaxAttempts is how often a job is tried before it is failed.
const DefaultMaxAttempts = 1

// Retention bounds for terminal job histories. Completed jobs are only
// interesting briefly; failures are kept around longer for debugging.
const (
	completedRetention = 100
	failedRetention    = 1000
)

// Job is one unit of work. The ID doubles as the deduplication key: two
// adds with the same content-derived ID collapse into one job.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	CreatedAt   time.Time       `json:"createdAt"`

	// ScheduleID is set when the job was fired from a repeatable schedule.
	ScheduleID string `json:"scheduleId,omitempty"`
}

// AddOptions tunes one Add call.
type AddOptions struct {
	// JobID overrides the content-derived ID. Callers use this to build
	// composite IDs that are unique per target and timestamp.
	JobID string

	// MaxAttempts overrides DefaultMaxAttempts.
	MaxAttempts int
}

// Schedule is a repeatable job definition. Schedules are keyed by ID and
// upserts are idempotent: re-registering an existing ID neither duplicates
// the schedule nor postpones its next firing.
type Schedule struct {
	ID           string          `json:"id"`
	EverySeconds int64           `json:"everySeconds"`
	Payload      json.RawMessage `json:"payload"`
}

// FailureRecord is what the failed history stores per terminally failed job.
type FailureRecord struct {
	JobID    string    `json:"jobId"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failedAt"`
}

// Counts is a point-in-time census of one queue.
type Counts struct {
	Pending    int64
	Active     int64
	Completed  int64
	Failed     int64
	Repeatable int64
}
