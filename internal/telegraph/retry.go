package telegraph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/constbot/internal/session"
)

// ErrQueueFull is returned by Enqueue when a bounded queue has no room.
var ErrQueueFull = errors.New("telegraph: retry queue full")

// Retry defaults.
const (
	DefaultRetryCapacity    = 1000
	DefaultRetryMaxAttempts = 5
	DefaultRetryBaseDelay   = 2 * time.Second
	DefaultRetryMaxDelay    = 5 * time.Minute
	DefaultRetrySendTimeout = 30 * time.Second
)

// DefaultRetryPollInterval caps how long the worker idles when every
// queued job is backing off.
const DefaultRetryPollInterval = time.Second

// RetryJob is the unsent remainder of one outbound message. Messages are
// its chunks in send order; delivered chunks are removed from the front.
type RetryJob struct {
	ID        string            `json:"id"`
	ChatID    int64             `json:"chat_id"`
	Kind      string            `json:"kind"`
	Messages  []OutboundMessage `json:"messages"`
	Attempt   int               `json:"attempt"`
	NotBefore time.Time         `json:"not_before"`
}

// retarget points the job and every chunk at chatID.
func (j *RetryJob) retarget(chatID int64) {
	j.ChatID = chatID
	for i := range j.Messages {
		j.Messages[i].ChatID = chatID
	}
}

// RetryQueue is a FIFO of jobs shared by the deliverer and the retry worker.
type RetryQueue interface {
	Enqueue(ctx context.Context, job RetryJob) error
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (RetryJob, error)
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a bounded in-process RetryQueue.
type MemoryQueue struct {
	jobs chan RetryJob
}

var _ RetryQueue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a MemoryQueue holding at most capacity jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = DefaultRetryCapacity
	}
	return &MemoryQueue{jobs: make(chan RetryJob, capacity)}
}

// Enqueue adds a job without blocking.
func (q *MemoryQueue) Enqueue(ctx context.Context, job RetryJob) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue waits for the next job.
func (q *MemoryQueue) Dequeue(ctx context.Context) (RetryJob, error) {
	select {
	case <-ctx.Done():
		return RetryJob{}, ctx.Err()
	case job := <-q.jobs:
		return job, nil
	}
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	return len(q.jobs), nil
}

// RetryWorker drains a RetryQueue, resending each job with exponential
// backoff until it is delivered, the chat is gone, or MaxAttempts is hit.
// Jobs that are not yet due go back on the queue so other chats' retries
// are not held up behind them.
type RetryWorker struct {
	deliverer   *Deliverer
	queue       RetryQueue
	locks       *session.Locker
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration
	poll        time.Duration
}

// RetryWorkerOpts holds parameters for creating a RetryWorker.
type RetryWorkerOpts struct {
	Deliverer    *Deliverer
	Queue        RetryQueue
	Locks        *session.Locker // defaults to the deliverer's locks
	MaxAttempts  int             // defaults to DefaultRetryMaxAttempts
	BaseDelay    time.Duration   // defaults to DefaultRetryBaseDelay
	MaxDelay     time.Duration   // defaults to DefaultRetryMaxDelay
	Timeout      time.Duration   // per-send timeout, defaults to DefaultRetrySendTimeout
	PollInterval time.Duration   // defaults to DefaultRetryPollInterval
}

// NewRetryWorker creates a RetryWorker.
func NewRetryWorker(opts RetryWorkerOpts) (*RetryWorker, error) {
	if opts.Deliverer == nil {
		return nil, fmt.Errorf("telegraph: retry worker: deliverer is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("telegraph: retry worker: queue is required")
	}
	w := &RetryWorker{
		deliverer:   opts.Deliverer,
		queue:       opts.Queue,
		locks:       opts.Locks,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		timeout:     opts.Timeout,
		poll:        opts.PollInterval,
	}
	if w.locks == nil {
		w.locks = opts.Deliverer.locks
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = DefaultRetryMaxAttempts
	}
	if w.baseDelay <= 0 {
		w.baseDelay = DefaultRetryBaseDelay
	}
	if w.maxDelay <= 0 {
		w.maxDelay = DefaultRetryMaxDelay
	}
	if w.timeout <= 0 {
		w.timeout = DefaultRetrySendTimeout
	}
	if w.poll <= 0 {
		w.poll = DefaultRetryPollInterval
	}
	return w, nil
}

// Run processes jobs until ctx is cancelled.
func (w *RetryWorker) Run(ctx context.Context) error {
	var (
		skipped int
		soonest time.Duration
	)
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("telegraph: retry: dequeue: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		wait := job.NotBefore.Sub(w.deliverer.now())
		if wait <= 0 {
			skipped, soonest = 0, 0
			w.process(ctx, job)
			continue
		}

		w.requeue(ctx, job)
		skipped++
		if soonest == 0 || wait < soonest {
			soonest = wait
		}
		if n, err := w.queue.Len(ctx); err == nil && skipped < n {
			continue
		}

		// A full pass over the queue found nothing due.
		idle := min(soonest, w.poll)
		skipped, soonest = 0, 0
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idle):
		}
	}
}

// process sends job's remaining chunks in order while holding the chat's
// lock. The first chunk that fails decides what happens to the rest.
func (w *RetryWorker) process(ctx context.Context, job RetryJob) {
	unlock := w.locks.Lock(job.ChatID)
	defer unlock()

	d := w.deliverer
	sess, err := d.sessions.Get(ctx, job.ChatID)
	if errors.Is(err, session.ErrNotFound) {
		log.Printf("telegraph: retry: skipped %s to uid %d: chat no longer tracked", job.Kind, job.ChatID)
		return
	}
	if err != nil {
		log.Printf("telegraph: retry: load session %d: %v", job.ChatID, err)
		w.backoff(ctx, job)
		return
	}

	for len(job.Messages) > 0 {
		msg := job.Messages[0]
		msg.ChatID = job.ChatID
		switch d.attempt(ctx, sess, true, msg, job.Kind, w.timeout) {
		case verdictSent:
			job.Messages = job.Messages[1:]
			job.Attempt = 0
		case verdictMigrated:
			job.retarget(sess.ChatID)
			job.NotBefore = d.now()
			w.requeue(ctx, job)
			return
		case verdictRetry:
			w.backoff(ctx, job)
			return
		case verdictGone:
			return
		}
	}
}

// backoff re-enqueues job for a later attempt, or gives up.
func (w *RetryWorker) backoff(ctx context.Context, job RetryJob) {
	job.Attempt++
	if job.Attempt >= w.maxAttempts {
		log.Printf("telegraph: retry: giving up on %s to uid %d after %d attempts", job.Kind, job.ChatID, job.Attempt)
		return
	}
	job.NotBefore = w.deliverer.now().Add(w.delay(job.Attempt))
	w.requeue(ctx, job)
}

// delay is baseDelay doubled per attempt, capped at maxDelay.
func (w *RetryWorker) delay(attempt int) time.Duration {
	d := w.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.maxDelay {
			return w.maxDelay
		}
	}
	if d > w.maxDelay {
		return w.maxDelay
	}
	return d
}

// requeue puts job back on the queue. It still runs after ctx is
// cancelled so a job in hand at shutdown is kept.
func (w *RetryWorker) requeue(ctx context.Context, job RetryJob) {
	if err := w.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Printf("telegraph: retry: requeue %s to uid %d: %v", job.Kind, job.ChatID, err)
	}
}
