package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hcai-dev/fhirsearch/internal/config"
	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
	"github.com/hcai-dev/fhirsearch/internal/fhir"
)

// Stats reports queue health for the observability endpoints.
type Stats struct {
	Pending        int   `json:"pending"`
	InFlight       int   `json:"in_flight"`
	RetryScheduled int   `json:"retry_scheduled"`
	DeadLetters    int   `json:"dead_letters"`
	Processed      int64 `json:"processed"`
	Duplicates     int64 `json:"duplicates"`
	Failed         int64 `json:"failed"`
	Capacity       int   `json:"capacity"`
}

// Ingestor runs the per-submission pipeline.
type Ingestor interface {
	Process(ctx context.Context, sub *fhir.Submission) (inserted, updated int, err error)
}

// Queue accepts validated submissions, journals them, and processes them
// with a bounded worker pool. Retryable failures reschedule with
// exponential backoff; exhausted or terminal failures move to the
// dead-letter log.
type Queue struct {
	cfg     config.QueueConfig
	backoff ferrors.RetryConfig
	journal *Journal
	proc    Ingestor
	log     *slog.Logger

	intake chan *WorkItem
	done   chan struct{}
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timers   map[int64]*time.Timer
	draining bool

	inFlight       atomic.Int64
	retryScheduled atomic.Int64
	processed      atomic.Int64
	duplicates     atomic.Int64
	failed         atomic.Int64
}

// New builds a queue over the given journal and processor. Call Start
// before Submit.
func New(cfg config.QueueConfig, journal *Journal, proc Ingestor, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		cfg: cfg,
		backoff: ferrors.RetryConfig{
			MaxAttempts: cfg.MaxRetries,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		journal: journal,
		proc:    proc,
		log:     log,
		intake:  make(chan *WorkItem, cfg.Capacity),
		done:    make(chan struct{}),
		timers:  make(map[int64]*time.Timer),
	}
}

// Start recovers journaled work and launches the worker pool. Items
// found in_flight crashed mid-processing and are safe to re-run; retry
// backoff restarts from scratch after a crash.
func (q *Queue) Start(ctx context.Context) error {
	q.ctx, q.cancel = context.WithCancel(ctx)

	items, err := q.journal.Outstanding(q.ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		select {
		case q.intake <- item:
		default:
			// More journaled work than queue capacity; feed it in later.
			q.scheduleRequeue(item, time.Second)
		}
	}
	if len(items) > 0 {
		q.log.Info("recovered journaled submissions", slog.Int("count", len(items)))
	}

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return nil
}

// Submit validates and journals a submission, then enqueues it. When the
// queue is at capacity, Submit blocks up to the configured SubmitWait for
// space; if none frees, the journal entry is rolled back and a queue_full
// error is returned so the caller can signal backpressure.
func (q *Queue) Submit(ctx context.Context, sub *fhir.Submission) error {
	const op = "queue.submit"

	if err := sub.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	draining := q.draining
	q.mu.Unlock()
	if draining {
		return ferrors.New(ferrors.KindQueueFull, op, "queue is shutting down")
	}

	seq, err := q.journal.Append(ctx, sub)
	if err != nil {
		return err
	}
	item := &WorkItem{
		Seq:        seq,
		State:      StatePending,
		FirstSeen:  time.Now(),
		Submission: sub,
	}

	select {
	case q.intake <- item:
		return nil
	default:
	}

	// Deployment policy may bound a wait for queue space instead of
	// rejecting outright.
	if q.cfg.SubmitWait > 0 {
		wait := time.NewTimer(q.cfg.SubmitWait)
		defer wait.Stop()
		select {
		case q.intake <- item:
			return nil
		case <-wait.C:
		case <-ctx.Done():
		}
	}

	// The journal row must not outlive a rejected submission.
	if err := q.journal.Remove(context.WithoutCancel(ctx), seq); err != nil {
		q.log.Error("failed to roll back rejected submission",
			slog.Int64("seq", seq), slog.String("error", err.Error()))
	}
	return ferrors.Newf(ferrors.KindQueueFull, op,
		"ingestion queue at capacity %d", q.cfg.Capacity)
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case item := <-q.intake:
			q.process(item)
		}
	}
}

func (q *Queue) process(item *WorkItem) {
	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	if err := q.journal.MarkInFlight(q.ctx, item.Seq); err != nil {
		q.log.Warn("journal state update failed",
			slog.Int64("seq", item.Seq), slog.String("error", err.Error()))
	}

	inserted, _, err := q.proc.Process(q.ctx, item.Submission)
	if err == nil {
		q.finish(item, inserted == 0)
		return
	}

	// A shutdown cancellation is not a processing failure; the item stays
	// journaled and is recovered on the next start.
	if q.ctx.Err() != nil {
		q.log.Warn("processing interrupted by shutdown",
			slog.String("resource_id", item.Submission.ResourceID))
		return
	}

	kind := ferrors.KindOf(err)
	switch {
	case kind == ferrors.KindDuplicate:
		q.finish(item, true)
	case kind.Retryable():
		q.retry(item, err)
	default:
		q.deadLetter(item, kind, err)
	}
}

func (q *Queue) finish(item *WorkItem, duplicate bool) {
	if err := q.journal.Remove(q.ctx, item.Seq); err != nil {
		q.log.Error("failed to clear completed submission",
			slog.Int64("seq", item.Seq), slog.String("error", err.Error()))
	}
	q.processed.Add(1)
	if duplicate {
		q.duplicates.Add(1)
	}
}

func (q *Queue) retry(item *WorkItem, cause error) {
	item.RetryCount++
	// RetryCount now equals the number of attempts made; the budget is
	// MaxRetries attempts total, so reaching it means no further retry.
	if item.RetryCount >= q.cfg.MaxRetries {
		q.deadLetter(item, ferrors.KindMaxRetries, cause)
		return
	}

	delay := q.backoff.Backoff(item.RetryCount - 1)
	if err := q.journal.ScheduleRetry(q.ctx, item.Seq, item.RetryCount,
		time.Now().Add(delay), cause.Error()); err != nil {
		q.log.Warn("journal state update failed",
			slog.Int64("seq", item.Seq), slog.String("error", err.Error()))
	}
	q.scheduleRequeue(item, delay)

	q.log.Warn("submission retry scheduled",
		slog.String("resource_id", item.Submission.ResourceID),
		slog.Int("attempt", item.RetryCount),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()))
}

func (q *Queue) scheduleRequeue(item *WorkItem, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		// Stays journaled; recovered on the next start.
		return
	}

	q.retryScheduled.Add(1)
	q.timers[item.Seq] = time.AfterFunc(delay, func() {
		q.retryScheduled.Add(-1)
		q.mu.Lock()
		delete(q.timers, item.Seq)
		draining := q.draining
		q.mu.Unlock()
		if draining {
			return
		}
		select {
		case q.intake <- item:
		case <-q.ctx.Done():
		}
	})
}

func (q *Queue) deadLetter(item *WorkItem, kind ferrors.Kind, cause error) {
	if err := q.journal.MoveToDeadLetters(q.ctx, item, string(kind), cause.Error()); err != nil {
		q.log.Error("failed to record dead letter",
			slog.Int64("seq", item.Seq), slog.String("error", err.Error()))
	}
	q.failed.Add(1)

	q.log.Error("submission dead-lettered",
		slog.String("resource_id", item.Submission.ResourceID),
		slog.String("kind", string(kind)),
		slog.Int("retries", item.RetryCount),
		slog.String("error", cause.Error()))
}

// Stats reports current queue state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	dead, err := q.journal.DeadLetterCount(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:        len(q.intake),
		InFlight:       int(q.inFlight.Load()),
		RetryScheduled: int(q.retryScheduled.Load()),
		DeadLetters:    dead,
		Processed:      q.processed.Load(),
		Duplicates:     q.duplicates.Load(),
		Failed:         q.failed.Load(),
		Capacity:       q.cfg.Capacity,
	}, nil
}

// DeadLetters returns up to limit dead letters, most recent first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	return q.journal.DeadLetters(ctx, limit)
}

// Shutdown stops accepting work, lets in-flight and buffered items drain
// up to the configured timeout, then stops the workers. Undrained items
// stay journaled and are recovered on the next start.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	for seq, timer := range q.timers {
		// A timer that already fired decrements the gauge itself.
		if timer.Stop() {
			q.retryScheduled.Add(-1)
		}
		delete(q.timers, seq)
	}
	q.mu.Unlock()

	deadline := time.NewTimer(q.cfg.DrainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	drained := false
drain:
	for {
		if len(q.intake) == 0 && q.inFlight.Load() == 0 {
			drained = true
			break
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			break drain
		case <-ctx.Done():
			break drain
		}
	}

	close(q.done)
	q.cancel()
	q.wg.Wait()

	if !drained {
		return fmt.Errorf("queue drain timed out with %d buffered and %d in-flight items",
			len(q.intake), q.inFlight.Load())
	}
	return nil
}
