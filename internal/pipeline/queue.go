package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// JobQueue runs submitted jobs on a fixed set of workers and keeps their
// state for polling until the TTL evicts them.
type JobQueue struct {
	jobs        *JobStore
	queue       chan *Job
	worker      *Worker
	log         *zap.SugaredLogger
	workerCount int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobQueue creates the queue. Call Start before submitting.
func NewJobQueue(w *Worker, workers, maxQueue int, ttl time.Duration, log *zap.SugaredLogger) *JobQueue {
	if workers < 1 {
		workers = 1
	}
	if maxQueue < 1 {
		maxQueue = 1
	}
	return &JobQueue{
		jobs:        NewJobStore(ttl),
		queue:       make(chan *Job, maxQueue),
		worker:      w,
		log:         log,
		workerCount: workers,
	}
}

// Start launches worker goroutines.
func (q *JobQueue) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for range q.workerCount {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-q.queue:
					if !ok {
						return
					}
					q.worker.Process(workerCtx, job)
				}
			}
		}()
	}

	// Start job store cleanup.
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				q.jobs.Cleanup()
			}
		}
	}()
}

// Stop cancels running jobs and waits for the workers to exit.
func (q *JobQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	close(q.queue)
	q.wg.Wait()
}

// Submit queues a new job for processing.
func (q *JobQueue) Submit(job *Job) error {
	q.jobs.Put(job)
	select {
	case q.queue <- job:
		q.log.Infow("job queued", "job_id", job.ID, "doc_id", job.DocID, "filename", job.Filename)
		return nil
	default:
		job.SetStatus(StatusFailed, "queue_full")
		return fmt.Errorf("%w (%d)", ErrQueueFull, cap(q.queue))
	}
}

// Get returns a job by ID.
func (q *JobQueue) Get(id string) *Job {
	return q.jobs.Get(id)
}

// Cancel stops a queued or running job. It reports whether the job exists
// and was still cancellable.
func (q *JobQueue) Cancel(id string) (found, cancelled bool) {
	job := q.jobs.Get(id)
	if job == nil {
		return false, false
	}
	return true, job.Cancel()
}

// QueueDepth returns current queue depth.
func (q *JobQueue) QueueDepth() int {
	return len(q.queue)
}

// Worker returns the worker shared by all queue goroutines.
func (q *JobQueue) Worker() *Worker {
	return q.worker
}
