// Package worker consumes jobs from one queue with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/modhive/modhive/pkg/queue"
)

// Processor handles one job. A returned error marks the job failed; the
// broker decides whether it is retried.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *queue.Job) error

func (f ProcessorFunc) Process(ctx context.Context, job *queue.Job) error { return f(ctx, job) }

const defaultDequeueTimeout = 5 * time.Second

type traceIDKey struct{}

// TraceID returns the per-job trace ID set by the worker, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}

// Worker runs Concurrency consumer loops against one queue. Each job gets
// its own trace ID; malformed jobs are logged and dropped without stopping
// the loop.
type Worker struct {
	queue       *queue.Queue
	concurrency int
	processor   Processor

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// New creates a worker. Concurrency below 1 is raised to 1.
func New(q *queue.Queue, concurrency int, processor Processor) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       q,
		concurrency: concurrency,
		processor:   processor,
	}
}

// Concurrency returns the number of consumer loops.
func (w *Worker) Concurrency() int { return w.concurrency }

// Run consumes jobs until the context is cancelled. Jobs a previous run
// left on the active list are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.queue.RecoverActive(ctx); err != nil {
		klog.Errorf("worker %s: recover active jobs: %v", w.queue.Name(), err)
	} else if n > 0 {
		klog.Infof("worker %s: requeued %d jobs left active by a previous run", w.queue.Name(), n)
	}

	klog.Infof("worker: consuming %s with concurrency %d", w.queue.Name(), w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx, defaultDequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			if errors.Is(err, queue.ErrMalformed) {
				w.dropped.Add(1)
				klog.Errorf("worker %s: dropping malformed job: %v", w.queue.Name(), err)
				continue
			}
			klog.Errorf("worker %s: dequeue: %v", w.queue.Name(), err)
			continue
		}

		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	traceID := uuid.NewString()
	jobCtx := context.WithValue(ctx, traceIDKey{}, traceID)

	// Terminal bookkeeping must land even when the consume context is
	// cancelled mid-job; a lost Complete would pin the dedup key forever.
	bookCtx := context.WithoutCancel(ctx)

	klog.V(2).Infof("worker %s: job %s started, trace %s", w.queue.Name(), job.ID, traceID)

	if err := w.processor.Process(jobCtx, job); err != nil {
		w.failed.Add(1)
		retried, failErr := w.queue.Fail(bookCtx, job, err)
		if failErr != nil {
			klog.Errorf("worker %s: job %s fail bookkeeping: %v", w.queue.Name(), job.ID, failErr)
			return
		}
		klog.Warningf("worker %s: job %s failed (retried=%v), trace %s: %v",
			w.queue.Name(), job.ID, retried, traceID, err)
		return
	}

	if err := w.queue.Complete(bookCtx, job); err != nil {
		klog.Errorf("worker %s: job %s complete bookkeeping: %v", w.queue.Name(), job.ID, err)
		return
	}
	w.processed.Add(1)
	klog.V(2).Infof("worker %s: job %s completed, trace %s", w.queue.Name(), job.ID, traceID)
}

// Stats is a point-in-time census of the worker.
type Stats struct {
	Processed int64
	Failed    int64
	Dropped   int64
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
		Dropped:   w.dropped.Load(),
	}
}
