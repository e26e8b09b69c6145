package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/newdrop/newdrop/internal/models"
	"github.com/newdrop/newdrop/internal/services"
	"github.com/newdrop/newdrop/internal/shared"
)

// StepResult reports whether a job has more work after a step.
type StepResult int

const (
	// Continue means the job yielded a page and should be rescheduled.
	Continue StepResult = iota
	// Done means the job finished, cleanly or with a terminal error.
	Done
)

// SyncJob runs one user's release sync in resumable steps. When a cycle
// trips the remote rate limit the job backs off and restarts its generator;
// persisted state makes the restart cheap, so little work repeats.
type SyncJob struct {
	ID   string
	User *models.User

	co       *Coordinator
	progress chan<- ProgressUpdate
	sync     *ReleaseSync

	// sleep is swappable in tests.
	sleep func(time.Duration)
}

// NewSyncJob creates a sync job for one user.
func NewSyncJob(co *Coordinator, user *models.User, progress chan<- ProgressUpdate) *SyncJob {
	return &SyncJob{
		ID:       shared.GenerateID(),
		User:     user,
		co:       co,
		progress: progress,
		sleep:    time.Sleep,
	}
}

// Execute advances the job one step: one sync cycle, or one backoff-and-reset
// when the last cycle hit the rate limit.
func (j *SyncJob) Execute(ctx context.Context) StepResult {
	if j.sync == nil {
		j.sync = j.co.SyncReleases(j.User, j.progress)
	}

	batch, ok := j.sync.Next(ctx)
	if ok {
		if wait := maxRetryAfter(batch.Errors); wait >= 0 {
			j.backoff(wait)
		}
		return Continue
	}

	// A rate limit can also kill the generator outright, e.g. a 429 on a
	// followed-artists page. Those runs back off and retry like any other
	// rate limit instead of leaving rotation.
	if wait := maxRetryAfter(j.sync.Errors()); wait >= 0 {
		j.backoff(wait)
		return Continue
	}

	return Done
}

// backoff sleeps out the rate limit and discards the generator so the next
// step starts a fresh sync from persisted state.
func (j *SyncJob) backoff(retryAfter int) {
	delay := time.Second + time.Duration(retryAfter)*time.Second
	j.co.sendProgress(j.progress, backoffUpdate(int(delay / time.Second)))
	j.co.logger.Info("rate limited, backing off", "job", j.ID, "delay", delay)

	j.sleep(delay)
	j.sync = nil
}

// Errors returns the error list accumulated so far.
func (j *SyncJob) Errors() []error {
	if j.sync == nil {
		return nil
	}
	return j.sync.Errors()
}

// maxRetryAfter returns the largest Retry-After among rate-limit errors in
// the batch, or -1 when none of the errors are rate limits.
func maxRetryAfter(errs []error) int {
	max := -1
	for _, err := range errs {
		if after := services.RetryAfterSeconds(err); after > max {
			max = after
		}
	}
	return max
}

// JobQueue runs sync jobs in concurrent rounds. Every queued job advances
// one step per round; jobs that report Continue re-queue for the next round.
// Rounds keep one slow job from starving the rest.
type JobQueue struct {
	co     *Coordinator
	logger *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*queuedJob
	busy    bool
}

type queuedJob struct {
	job   *SyncJob
	first chan StepResult // resolved after the job's first step only
}

// NewJobQueue creates an empty queue backed by the coordinator.
func NewJobQueue(co *Coordinator) *JobQueue {
	q := &JobQueue{co: co, logger: co.logger}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Add enqueues a sync job for a user and kicks the round loop if idle.
//
// The returned channel receives the result of the job's first step, then
// closes. Later steps run unattended; use [JobQueue.Wait] to drain fully.
func (q *JobQueue) Add(ctx context.Context, user *models.User, progress chan<- ProgressUpdate) (*SyncJob, <-chan StepResult) {
	job := NewSyncJob(q.co, user, progress)
	first := make(chan StepResult, 1)

	q.mu.Lock()
	q.pending = append(q.pending, &queuedJob{job: job, first: first})
	start := !q.busy
	if start {
		q.busy = true
	}
	q.mu.Unlock()

	if start {
		go q.run(ctx)
	}

	return job, first
}

// run executes rounds until the pending list drains.
func (q *JobQueue) run(ctx context.Context) {
	for {
		q.mu.Lock()
		round := q.pending
		q.pending = nil
		if len(round) == 0 {
			q.busy = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		q.logger.Debug("starting job round", "jobs", len(round))

		var wg sync.WaitGroup
		results := make([]StepResult, len(round))

		for i, qj := range round {
			wg.Add(1)
			go func(i int, qj *queuedJob) {
				defer wg.Done()
				results[i] = qj.job.Execute(ctx)
				if qj.first != nil {
					qj.first <- results[i]
					close(qj.first)
					qj.first = nil
				}
			}(i, qj)
		}
		wg.Wait()

		q.mu.Lock()
		for i, qj := range round {
			if results[i] == Continue {
				q.pending = append(q.pending, qj)
			}
		}
		q.mu.Unlock()
	}
}

// Wait blocks until the queue is idle and empty.
func (q *JobQueue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.busy || len(q.pending) > 0 {
		q.cond.Wait()
	}
}
