package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
	"k8s.io/klog/v2"
)

type valkeyBroker struct {
	cli valkey.Client
}

// NewValkeyBroker wraps an existing client.
func NewValkeyBroker(cli valkey.Client) Broker {
	return &valkeyBroker{cli: cli}
}

// initValkeyBroker builds a broker from environment variables.
func initValkeyBroker() (Broker, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return &valkeyBroker{cli: client}, nil
}

// makeValkeyOptions creates valkey ClientOption from environment variables
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    os.Getenv("VALKEY_PASSWORD"),
	}
	if v := os.Getenv("VALKEY_DISABLE_CACHE"); v != "" {
		disableCache, err := strconv.ParseBool(v)
		if err == nil && disableCache {
			valkeyClientOptions.DisableCache = true
			klog.Info("valkeyClientOptions DisableCache is set to true")
		}
	}
	if v := os.Getenv("VALKEY_FORCE_SINGLE"); v != "" {
		forceSingle, err := strconv.ParseBool(v)
		if err == nil && forceSingle {
			valkeyClientOptions.ForceSingleClient = true
			klog.Info("valkeyClientOptions ForceSingleClient is set to true")
		}
	}
	return valkeyClientOptions, nil
}

func (vb *valkeyBroker) Enqueue(ctx context.Context, job *Job) (bool, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("Enqueue: marshal job: %w", err)
	}

	added, err := vb.cli.Do(ctx, vb.cli.B().Setnx().Key(jobKey(job.Queue, job.ID)).Value(string(b)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("Enqueue: valkey SETNX %s: %w", job.ID, err)
	}
	if added == 0 {
		// Same content already queued or running.
		return false, nil
	}

	if err := vb.cli.Do(ctx, vb.cli.B().Lpush().Key(pendingKey(job.Queue)).Element(job.ID).Build()).Error(); err != nil {
		return false, fmt.Errorf("Enqueue: valkey LPUSH %s: %w", job.ID, err)
	}
	return true, nil
}

func (vb *valkeyBroker) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	id, err := vb.cli.Do(ctx, vb.cli.B().Blmove().
		Source(pendingKey(queueName)).Destination(activeKey(queueName)).
		Right().Left().Timeout(timeout.Seconds()).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("Dequeue: valkey BLMOVE %s: %w", queueName, err)
	}

	b, err := vb.cli.Do(ctx, vb.cli.B().Get().Key(jobKey(queueName, id)).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			vb.dropActive(ctx, queueName, id)
			return nil, fmt.Errorf("%w: job %s has no stored data", ErrMalformed, id)
		}
		return nil, fmt.Errorf("Dequeue: valkey GET job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		vb.dropActive(ctx, queueName, id)
		return nil, fmt.Errorf("%w: job %s: %v", ErrMalformed, id, err)
	}
	return &job, nil
}

func (vb *valkeyBroker) dropActive(ctx context.Context, queueName, id string) {
	commands := make(valkey.Commands, 0, 2)
	commands = append(commands, vb.cli.B().Lrem().Key(activeKey(queueName)).Count(1).Element(id).Build())
	commands = append(commands, vb.cli.B().Del().Key(jobKey(queueName, id)).Build())
	for _, resp := range vb.cli.DoMulti(ctx, commands...) {
		_ = resp.Error()
	}
}

func (vb *valkeyBroker) Complete(ctx context.Context, job *Job) error {
	commands := make(valkey.Commands, 0, 4)
	commands = append(commands, vb.cli.B().Lrem().Key(activeKey(job.Queue)).Count(1).Element(job.ID).Build())
	commands = append(commands, vb.cli.B().Lpush().Key(completedKey(job.Queue)).Element(job.ID).Build())
	commands = append(commands, vb.cli.B().Ltrim().Key(completedKey(job.Queue)).Start(0).Stop(completedRetention-1).Build())
	commands = append(commands, vb.cli.B().Del().Key(jobKey(job.Queue, job.ID)).Build())

	for i, resp := range vb.cli.DoMulti(ctx, commands...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("Complete: DoMulti failed: %w, command index: %v", err, i)
		}
	}
	return nil
}

func (vb *valkeyBroker) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++

	if job.Attempts < job.MaxAttempts {
		b, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("Fail: marshal job: %w", err)
		}
		commands := make(valkey.Commands, 0, 3)
		commands = append(commands, vb.cli.B().Lrem().Key(activeKey(job.Queue)).Count(1).Element(job.ID).Build())
		commands = append(commands, vb.cli.B().Set().Key(jobKey(job.Queue, job.ID)).Value(string(b)).Build())
		commands = append(commands, vb.cli.B().Lpush().Key(pendingKey(job.Queue)).Element(job.ID).Build())
		for i, resp := range vb.cli.DoMulti(ctx, commands...) {
			if err := resp.Error(); err != nil {
				return false, fmt.Errorf("Fail: requeue DoMulti failed: %w, command index: %v", err, i)
			}
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

	commands := make(valkey.Commands, 0, 4)
	commands = append(commands, vb.cli.B().Lrem().Key(activeKey(job.Queue)).Count(1).Element(job.ID).Build())
	commands = append(commands, vb.cli.B().Lpush().Key(failedKey(job.Queue)).Element(string(record)).Build())
	commands = append(commands, vb.cli.B().Ltrim().Key(failedKey(job.Queue)).Start(0).Stop(failedRetention-1).Build())
	commands = append(commands, vb.cli.B().Del().Key(jobKey(job.Queue, job.ID)).Build())

	for i, resp := range vb.cli.DoMulti(ctx, commands...) {
		if err := resp.Error(); err != nil {
			return false, fmt.Errorf("Fail: DoMulti failed: %w, command index: %v", err, i)
		}
	}
	return false, nil
}

func (vb *valkeyBroker) RecoverActive(ctx context.Context, queueName string) (int64, error) {
	n, err := vb.cli.Do(ctx, vb.cli.B().Llen().Key(activeKey(queueName)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("RecoverActive: valkey LLEN: %w", err)
	}
	// Newest first, so the oldest interrupted job ends up at the dequeue
	// end of the pending list.
	for i := int64(0); i < n; i++ {
		if err := vb.cli.Do(ctx, vb.cli.B().Lmove().
			Source(activeKey(queueName)).Destination(pendingKey(queueName)).
			Left().Right().Build()).Error(); err != nil {
			return i, fmt.Errorf("RecoverActive: valkey LMOVE: %w", err)
		}
	}
	return n, nil
}

func (vb *valkeyBroker) UpsertSchedule(ctx context.Context, queueName string, schedule Schedule) error {
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

	next := time.Now().Add(time.Duration(schedule.EverySeconds) * time.Second)
	commands := make(valkey.Commands, 0, 2)
	commands = append(commands, vb.cli.B().Hset().Key(scheduleKey(queueName)).
		FieldValue().FieldValue(schedule.ID, string(b)).Build())
	// NX keeps an already scheduled next firing in place across upserts.
	commands = append(commands, vb.cli.B().Zadd().Key(nextFireKey(queueName)).Nx().ScoreMember().
		ScoreMember(float64(next.Unix()), schedule.ID).Build())

	for i, resp := range vb.cli.DoMulti(ctx, commands...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("UpsertSchedule: DoMulti failed: %w, command index: %v", err, i)
		}
	}
	return nil
}

func (vb *valkeyBroker) RemoveSchedule(ctx context.Context, queueName, scheduleID string) error {
	commands := make(valkey.Commands, 0, 2)
	commands = append(commands, vb.cli.B().Hdel().Key(scheduleKey(queueName)).Field(scheduleID).Build())
	commands = append(commands, vb.cli.B().Zrem().Key(nextFireKey(queueName)).Member(scheduleID).Build())

	for i, resp := range vb.cli.DoMulti(ctx, commands...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("RemoveSchedule: DoMulti failed: %w, command index: %v", err, i)
		}
	}
	return nil
}

func (vb *valkeyBroker) ListSchedules(ctx context.Context, queueName string) ([]Schedule, error) {
	raw, err := vb.cli.Do(ctx, vb.cli.B().Hgetall().Key(scheduleKey(queueName)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("ListSchedules: valkey HGETALL: %w", err)
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

func (vb *valkeyBroker) DueSchedules(ctx context.Context, queueName string, now time.Time) ([]Schedule, error) {
	ids, err := vb.cli.Do(ctx, vb.cli.B().Zrangebyscore().Key(nextFireKey(queueName)).
		Min("-inf").Max(fmt.Sprintf("%d", now.Unix())).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("DueSchedules: ZRangeByScore failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	due := make([]Schedule, 0, len(ids))
	for _, id := range ids {
		b, err := vb.cli.Do(ctx, vb.cli.B().Hget().Key(scheduleKey(queueName)).Field(id).Build()).AsBytes()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				// Orphaned index entry, the schedule was removed.
				_ = vb.cli.Do(ctx, vb.cli.B().Zrem().Key(nextFireKey(queueName)).Member(id).Build()).Error()
				continue
			}
			return nil, fmt.Errorf("DueSchedules: HGet schedule %s: %w", id, err)
		}

		var s Schedule
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("DueSchedules: unmarshal schedule %s: %w", id, err)
		}

		next := now.Add(time.Duration(s.EverySeconds) * time.Second)
		if err := vb.cli.Do(ctx, vb.cli.B().Zadd().Key(nextFireKey(queueName)).ScoreMember().
			ScoreMember(float64(next.Unix()), s.ID).Build()).Error(); err != nil {
			return nil, fmt.Errorf("DueSchedules: reschedule %s: %w", s.ID, err)
		}
		due = append(due, s)
	}
	return due, nil
}

func (vb *valkeyBroker) Counts(ctx context.Context, queueName string) (Counts, error) {
	var counts Counts
	targets := []struct {
		key string
		dst *int64
	}{
		{pendingKey(queueName), &counts.Pending},
		{activeKey(queueName), &counts.Active},
		{completedKey(queueName), &counts.Completed},
		{failedKey(queueName), &counts.Failed},
	}
	for _, t := range targets {
		n, err := vb.cli.Do(ctx, vb.cli.B().Llen().Key(t.key).Build()).AsInt64()
		if err != nil {
			return Counts{}, fmt.Errorf("Counts: valkey LLEN %s: %w", t.key, err)
		}
		*t.dst = n
	}

	n, err := vb.cli.Do(ctx, vb.cli.B().Hlen().Key(scheduleKey(queueName)).Build()).AsInt64()
	if err != nil {
		return Counts{}, fmt.Errorf("Counts: valkey HLEN: %w", err)
	}
	counts.Repeatable = n
	return counts, nil
}

func (vb *valkeyBroker) Ping(ctx context.Context) error {
	resp, err := vb.cli.Do(ctx, vb.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

func (vb *valkeyBroker) Close() error {
	vb.cli.Close()
	return nil
}
