package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
)

const dequeueTimeout = 100 * time.Millisecond

type brokerFactory struct {
	name string
	make func(t *testing.T) (Broker, *miniredis.Miniredis)
}

// Both backends share one key layout; every contract test runs against both.
func brokerFactories() []brokerFactory {
	return []brokerFactory{
		{"redis", func(t *testing.T) (Broker, *miniredis.Miniredis) {
			t.Helper()
			mr := miniredis.RunT(t)
			cli := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = cli.Close() })
			return NewRedisBroker(cli), mr
		}},
		{"valkey", func(t *testing.T) (Broker, *miniredis.Miniredis) {
			t.Helper()
			mr := miniredis.RunT(t)
			cli, err := valkey.NewClient(valkey.ClientOption{
				InitAddress:       []string{mr.Addr()},
				DisableCache:      true,
				ForceSingleClient: true,
			})
			if err != nil {
				t.Fatalf("valkey NewClient failed: %v", err)
			}
			t.Cleanup(cli.Close)
			return NewValkeyBroker(cli), mr
		}},
	}
}

func testJob(id string) *Job {
	return &Job{
		ID:          id,
		Queue:       "commands",
		Payload:     json.RawMessage(`{"domainId":"d1"}`),
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestBrokerEnqueueDeduplicates(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			added, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			assert.True(t, added)

			added, err = broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			assert.False(t, added, "same ID must not enqueue twice")

			counts, err := broker.Counts(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts.Pending)
		})
	}
}

func TestBrokerDequeueCompleteReleasesDedup(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			_, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)

			job, err := broker.Dequeue(ctx, "commands", dequeueTimeout)
			require.NoError(t, err)
			assert.Equal(t, "job-1", job.ID)
			assert.Equal(t, json.RawMessage(`{"domainId":"d1"}`), job.Payload)

			counts, err := broker.Counts(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(0), counts.Pending)
			assert.Equal(t, int64(1), counts.Active)

			require.NoError(t, broker.Complete(ctx, job))

			counts, err = broker.Counts(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(0), counts.Active)
			assert.Equal(t, int64(1), counts.Completed)

			// Completion releases the dedup key.
			added, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			assert.True(t, added)
		})
	}
}

func TestBrokerDequeueEmpty(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)

			_, err := broker.Dequeue(context.Background(), "commands", dequeueTimeout)
			assert.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestBrokerDequeueMalformedJobIsDropped(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, mr := f.make(t)
			ctx := context.Background()

			_, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			require.NoError(t, mr.Set(jobKey("commands", "job-1"), "not json"))

			_, err = broker.Dequeue(ctx, "commands", dequeueTimeout)
			assert.ErrorIs(t, err, ErrMalformed)

			// The poisoned record is gone; the queue is not wedged.
			counts, err := broker.Counts(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(0), counts.Pending)
			assert.Equal(t, int64(0), counts.Active)
		})
	}
}

func TestBrokerFailTerminal(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			_, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			job, err := broker.Dequeue(ctx, "commands", dequeueTimeout)
			require.NoError(t, err)

			retried, err := broker.Fail(ctx, job, errors.New("sandbox unreachable"))
			require.NoError(t, err)
			assert.False(t, retried)

			counts, err := broker.Counts(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(0), counts.Active)
			assert.Equal(t, int64(1), counts.Failed)

			// Terminal failure also releases the dedup key.
			added, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			assert.True(t, added)
		})
	}
}

func TestBrokerFailRequeuesWhileAttemptsRemain(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			first := testJob("job-1")
			first.MaxAttempts = 2
			_, err := broker.Enqueue(ctx, first)
			require.NoError(t, err)

			job, err := broker.Dequeue(ctx, "commands", dequeueTimeout)
			require.NoError(t, err)

			retried, err := broker.Fail(ctx, job, errors.New("transient"))
			require.NoError(t, err)
			assert.True(t, retried)

			job, err = broker.Dequeue(ctx, "commands", dequeueTimeout)
			require.NoError(t, err)
			assert.Equal(t, 1, job.Attempts)

			retried, err = broker.Fail(ctx, job, errors.New("transient"))
			require.NoError(t, err)
			assert.False(t, retried, "attempts exhausted")
		})
	}
}

func TestBrokerFailedRetention(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			for i := 0; i < failedRetention+10; i++ {
				job := testJob(fmt.Sprintf("job-%d", i))
				_, err := broker.Enqueue(ctx, job)
				require.NoError(t, err)
				dequeued, err := broker.Dequeue(ctx, "commands", dequeueTimeout)
				require.NoError(t, err)
				_, err = broker.Fail(ctx, dequeued, errors.New("boom"))
				require.NoError(t, err)
			}

			counts, err := broker.Counts(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(failedRetention), counts.Failed)
		})
	}
}

func TestBrokerRecoverActiveRequeuesInterruptedJobs(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			_, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			_, err = broker.Dequeue(ctx, "commands", dequeueTimeout)
			require.NoError(t, err)

			// A consumer dying here leaves the job active with its dedup
			// key held: identical content cannot be enqueued.
			added, err := broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			require.False(t, added)

			n, err := broker.RecoverActive(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			counts, err := broker.Counts(ctx, "commands")
			require.NoError(t, err)
			assert.Equal(t, int64(0), counts.Active)
			assert.Equal(t, int64(1), counts.Pending)

			// The recovered job is delivered again, and retiring it
			// releases the dedup key.
			job, err := broker.Dequeue(ctx, "commands", dequeueTimeout)
			require.NoError(t, err)
			assert.Equal(t, "job-1", job.ID)
			require.NoError(t, broker.Complete(ctx, job))

			added, err = broker.Enqueue(ctx, testJob("job-1"))
			require.NoError(t, err)
			assert.True(t, added)
		})
	}
}

func TestBrokerUpsertScheduleIdempotent(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			schedule := Schedule{
				ID:           "cron-1",
				EverySeconds: 60,
				Payload:      json.RawMessage(`{"domainId":"d1"}`),
			}

			require.NoError(t, broker.UpsertSchedule(ctx, "cronjobs", schedule))
			require.NoError(t, broker.UpsertSchedule(ctx, "cronjobs", schedule))

			schedules, err := broker.ListSchedules(ctx, "cronjobs")
			require.NoError(t, err)
			require.Len(t, schedules, 1)
			assert.Equal(t, schedule, schedules[0])

			counts, err := broker.Counts(ctx, "cronjobs")
			require.NoError(t, err)
			assert.Equal(t, int64(1), counts.Repeatable)
		})
	}
}

func TestBrokerRemoveSchedule(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			require.NoError(t, broker.UpsertSchedule(ctx, "cronjobs", Schedule{
				ID:           "cron-1",
				EverySeconds: 60,
				Payload:      json.RawMessage(`{}`),
			}))
			require.NoError(t, broker.RemoveSchedule(ctx, "cronjobs", "cron-1"))

			schedules, err := broker.ListSchedules(ctx, "cronjobs")
			require.NoError(t, err)
			assert.Empty(t, schedules)

			due, err := broker.DueSchedules(ctx, "cronjobs", time.Now().Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, due)

			// Removing an unknown ID is not an error.
			assert.NoError(t, broker.RemoveSchedule(ctx, "cronjobs", "cron-404"))
		})
	}
}

func TestBrokerDueSchedulesAdvanceAfterFiring(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			ctx := context.Background()

			require.NoError(t, broker.UpsertSchedule(ctx, "cronjobs", Schedule{
				ID:           "cron-1",
				EverySeconds: 60,
				Payload:      json.RawMessage(`{}`),
			}))

			// Not yet due right after registration.
			due, err := broker.DueSchedules(ctx, "cronjobs", time.Now())
			require.NoError(t, err)
			assert.Empty(t, due)

			now := time.Now().Add(2 * time.Minute)
			due, err = broker.DueSchedules(ctx, "cronjobs", now)
			require.NoError(t, err)
			require.Len(t, due, 1)
			assert.Equal(t, "cron-1", due[0].ID)

			// Firing advanced the schedule by its cadence.
			due, err = broker.DueSchedules(ctx, "cronjobs", now)
			require.NoError(t, err)
			assert.Empty(t, due)
		})
	}
}

func TestBrokerPing(t *testing.T) {
	for _, f := range brokerFactories() {
		t.Run(f.name, func(t *testing.T) {
			broker, _ := f.make(t)
			assert.NoError(t, broker.Ping(context.Background()))
		})
	}
}
