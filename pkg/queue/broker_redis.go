package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

type redisBroker struct {
	cli *redisv9.Client
}

// NewRedisBroker wraps an existing client.
func NewRedisBroker(cli *redisv9.Client) Broker {
	return &redisBroker{cli: cli}
}

// initRedisBroker builds a broker from environment variables.
func initRedisBroker() (Broker, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}
	return &redisBroker{cli: redisv9.NewClient(redisOptions)}, nil
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	return &redisv9.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	}, nil
}

func (rb *redisBroker) Enqueue(ctx context.Context, job *Job) (bool, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("Enqueue: marshal job: %w", err)
	}

	added, err := rb.cli.SetNX(ctx, jobKey(job.Queue, job.ID), b, 0).Result()
	if err != nil {
		return false, fmt.Errorf("Enqueue: redis SETNX %s: %w", job.ID, err)
	}
	if !added {
		// Same content already queued or running.
		return false, nil
	}

	if err := rb.cli.LPush(ctx, pendingKey(job.Queue), job.ID).Err(); err != nil {
		return false, fmt.Errorf("Enqueue: redis LPUSH %s: %w", job.ID, err)
	}
	return true, nil
}

func (rb *redisBroker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	id, err := rb.cli.BLMove(ctx, pendingKey(queueName), activeKey(queueName), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("Dequeue: redis BLMOVE %s: %w", queueName, err)
	}

	b, err := rb.cli.Get(ctx, jobKey(queueName, id)).Bytes()
	if errors.Is(err, redisv9.Nil) {
		rb.dropActive(ctx, queueName, id)
		return nil, fmt.Errorf("%w: job %s has no stored data", ErrMalformed, id)
	}
	if err != nil {
		return nil, fmt.Errorf("Dequeue: redis GET job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		rb.dropActive(ctx, queueName, id)
		return nil, fmt.Errorf("%w: job %s: %v", ErrMalformed, id, err)
	}
	return &job, nil
}

// dropActive discards an undecodable active record so it cannot wedge the
// queue.
func (rb *redisBroker) dropActive(ctx context.Context, queueName, id string) {
	pipe := rb.cli.Pipeline()
	pipe.LRem(ctx, activeKey(queueName), 1, id)
	pipe.Del(ctx, jobKey(queueName, id))
	_, _ = pipe.Exec(ctx)
}

func (rb *redisBroker) Complete(ctx context.Context, job *Job) error {
	pipe := rb.cli.Pipeline()
	pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	pipe.LPush(ctx, completedKey(job.Queue), job.ID)
	pipe.LTrim(ctx, completedKey(job.Queue), 0, completedRetention-1)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("Complete: pipeline EXEC: %w", err)
	}
	return nil
}

func (rb *redisBroker) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++

	if job.Attempts < job.MaxAttempts {
		b, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("Fail: marshal job: %w", err)
		}
		pipe := rb.cli.Pipeline()
		pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
		pipe.Set(ctx, jobKey(job.Queue, job.ID), b, 0)
		pipe.LPush(ctx, pendingKey(job.Queue), job.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("Fail: requeue pipeline EXEC: %w", err)
		}
		return true, nil
	}

	record, err := json.Marshal(FailureRecord{
		JobID:    job.ID,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("Fail: marshal failure record: %w", err)
	}

	pipe := rb.cli.Pipeline()
	pipe.LRem(ctx, activeKey(job.Queue), 1, job.ID)
	pipe.LPush(ctx, failedKey(job.Queue), record)
	pipe.LTrim(ctx, failedKey(job.Queue), 0, failedRetention-1)
	pipe.Del(ctx, jobKey(job.Queue, job.ID))

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("Fail: pipeline EXEC: %w", err)
	}
	return false, nil
}

func (rb *redisBroker) RecoverActive(ctx context.Context, queueName string) (int64, error) {
	n, err := rb.cli.LLen(ctx, activeKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("RecoverActive: redis LLEN: %w", err)
	}
	// Newest first, so the oldest interrupted job ends up at the dequeue
	// end of the pending list.
	for i := int64(0); i < n; i++ {
		if err := rb.cli.LMove(ctx, activeKey(queueName), pendingKey(queueName), "LEFT", "RIGHT").Err(); err != nil {
			return i, fmt.Errorf("RecoverActive: redis LMOVE: %w", err)
		}
	}
	return n, nil
}

func (rb *redisBroker) UpsertSchedule(ctx context.Context, queueName string, schedule Schedule) error {
	if schedule.ID == "" {
		return errors.New("UpsertSchedule: schedule ID is empty")
	}
	if schedule.EverySeconds <= 0 {
		return fmt.Errorf("UpsertSchedule: schedule %s has non-positive cadence", schedule.ID)
	}

	b, err := json.Marshal(schedule)
	if err != nil {
		return fmt.Errorf("UpsertSchedule: marshal schedule: %w", err)
	}

	pipe := rb.cli.Pipeline()
	pipe.HSet(ctx, scheduleKey(queueName), schedule.ID, b)
	// NX keeps an already scheduled next firing in place across upserts.
	pipe.ZAddNX(ctx, nextFireKey(queueName), redisv9.Z{
		Score:  float64(time.Now().Add(time.Duration(schedule.EverySeconds) * time.Second).Unix()),
		Member: schedule.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("UpsertSchedule: pipeline EXEC: %w", err)
	}
	return nil
}

func (rb *redisBroker) RemoveSchedule(ctx context.Context, queueName, scheduleID string) error {
	pipe := rb.cli.Pipeline()
	pipe.HDel(ctx, scheduleKey(queueName), scheduleID)
	pipe.ZRem(ctx, nextFireKey(queueName), scheduleID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("RemoveSchedule: pipeline EXEC: %w", err)
	}
	return nil
}

func (rb *redisBroker) ListSchedules(ctx context.Context, queueName string) ([]Schedule, error) {
	raw, err := rb.cli.HGetAll(ctx, scheduleKey(queueName)).Result()
	if err != nil {
		return nil, fmt.Errorf("ListSchedules: redis HGETALL: %w", err)
	}

	schedules := make([]Schedule, 0, len(raw))
	for id, b := range raw {
		var s Schedule
		if err := json.Unmarshal([]byte(b), &s); err != nil {
			return nil, fmt.Errorf("ListSchedules: unmarshal schedule %s: %w", id, err)
		}
		schedules = append(schedules, s)
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, nil
}

func (rb *redisBroker) DueSchedules(ctx context.Context, queueName string, now time.Time) ([]Schedule, error) {
	ids, err := rb.cli.ZRangeByScore(ctx, nextFireKey(queueName), &redisv9.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("DueSchedules: ZRangeByScore failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	due := make([]Schedule, 0, len(ids))
	for _, id := range ids {
		b, err := rb.cli.HGet(ctx, scheduleKey(queueName), id).Bytes()
		if errors.Is(err, redisv9.Nil) {
			// Orphaned index entry, the schedule was removed.
			_ = rb.cli.ZRem(ctx, nextFireKey(queueName), id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("DueSchedules: HGet schedule %s: %w", id, err)
		}

		var s Schedule
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("DueSchedules: unmarshal schedule %s: %w", id, err)
		}

		next := now.Add(time.Duration(s.EverySeconds) * time.Second)
		if err := rb.cli.ZAdd(ctx, nextFireKey(queueName), redisv9.Z{
			Score:  float64(next.Unix()),
			Member: s.ID,
		}).Err(); err != nil {
			return nil, fmt.Errorf("DueSchedules: reschedule %s: %w", s.ID, err)
		}
		due = append(due, s)
	}
	return due, nil
}

func (rb *redisBroker) Counts(ctx context.Context, queueName string) (Counts, error) {
	pipe := rb.cli.Pipeline()
	pending := pipe.LLen(ctx, pendingKey(queueName))
	active := pipe.LLen(ctx, activeKey(queueName))
	completed := pipe.LLen(ctx, completedKey(queueName))
	failed := pipe.LLen(ctx, failedKey(queueName))
	repeatable := pipe.HLen(ctx, scheduleKey(queueName))

	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("Counts: pipeline EXEC: %w", err)
	}
	return Counts{
		Pending:    pending.Val(),
		Active:     active.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
		Repeatable: repeatable.Val(),
	}, nil
}

func (rb *redisBroker) Ping(ctx context.Context) error {
	resp, err := rb.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (rb *redisBroker) Close() error {
	return rb.cli.Close()
}
