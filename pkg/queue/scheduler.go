package queue

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"
)

// Scheduler fires repeatable schedules. One scheduler per process polls the
// next-fire index and enqueues a job per due schedule; the job ID carries
// the fire timestamp so consecutive firings never deduplicate against each
// other.
type Scheduler struct {
	registry   *Registry
	queueNames []string
	interval   time.Duration
	clock      clock.WithTicker
}

// NewScheduler creates a scheduler over the given queues.
func NewScheduler(registry *Registry, queueNames []string, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		registry:   registry,
		queueNames: queueNames,
		interval:   interval,
		clock:      clock.RealClock{},
	}
}

// Run polls for due schedules until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	klog.Infof("scheduler started, polling %d queues every %s", len(s.queueNames), s.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx, s.clock.Now())
		}
	}
}

// tick fires every due schedule once. Errors are logged and do not stop the
// remaining queues.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, name := range s.queueNames {
		due, err := s.registry.Broker().DueSchedules(ctx, name, now)
		if err != nil {
			klog.Errorf("scheduler: due schedules for %s: %v", name, err)
			continue
		}

		for _, schedule := range due {
			if err := s.fire(ctx, name, schedule, now); err != nil {
				klog.Errorf("scheduler: fire schedule %s: %v", schedule.ID, err)
			}
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, queueName string, schedule Schedule, now time.Time) error {
	job := &Job{
		ID:          fmt.Sprintf("%s-%d", schedule.ID, now.Unix()),
		Queue:       queueName,
		Payload:     schedule.Payload,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now.UTC(),
		ScheduleID:  schedule.ID,
	}

	added, err := s.registry.Broker().Enqueue(ctx, job)
	if err != nil {
		return err
	}
	if !added {
		klog.V(2).Infof("scheduler: firing %s already enqueued", job.ID)
		return nil
	}
	klog.V(2).Infof("scheduler: fired %s onto %s", job.ID, queueName)
	return nil
}
