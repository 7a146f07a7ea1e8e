package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcai-dev/fhirsearch/internal/chunk"
	"github.com/hcai-dev/fhirsearch/internal/config"
	"github.com/hcai-dev/fhirsearch/internal/embed"
	ferrors "github.com/hcai-dev/fhirsearch/internal/errors"
	"github.com/hcai-dev/fhirsearch/internal/fhir"
	"github.com/hcai-dev/fhirsearch/internal/store"
)

func testSubmission(id string) *fhir.Submission {
	return &fhir.Submission{
		ResourceID:   id,
		FullURL:      "urn:uuid:" + id,
		ResourceType: fhir.TypeObservation,
		Content:      "Cholesterol total 195 mg/dL for " + id,
		ResourceJSON: fmt.Sprintf(`{"resourceType":"Observation","id":%q,"status":"final","effectiveDateTime":"2024-01-15"}`, id),
		PatientID:    "p-1",
	}
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		Capacity:       16,
		Workers:        2,
		MaxRetries:     5,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  50 * time.Millisecond,
		DrainTimeout:   2 * time.Second,
	}
}

// fakeIngestor fails the first `failures` calls with failWith, then
// succeeds. An optional gate blocks every call until released.
type fakeIngestor struct {
	mu       sync.Mutex
	calls    int
	failures int
	failWith error
	gate     chan struct{}
}

func (f *fakeIngestor) Process(_ context.Context, _ *fhir.Submission) (int, int, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.failures {
		return 0, 0, f.failWith
	}
	return 1, 0, nil
}

func (f *fakeIngestor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func startQueue(t *testing.T, cfg config.QueueConfig, proc Ingestor) (*Queue, *Journal) {
	t.Helper()
	journal, err := NewJournal("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	q := New(cfg, journal, proc, nil)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })
	return q, journal
}

func TestJournal_AppendAssignsMonotonicSeq(t *testing.T) {
	journal, err := NewJournal("")
	require.NoError(t, err)
	defer func() { _ = journal.Close() }()

	ctx := context.Background()
	seq1, err := journal.Append(ctx, testSubmission("obs-1"))
	require.NoError(t, err)
	seq2, err := journal.Append(ctx, testSubmission("obs-2"))
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	items, err := journal.Outstanding(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "obs-1", items[0].Submission.ResourceID)
	assert.Equal(t, "obs-2", items[1].Submission.ResourceID)
	assert.Equal(t, StatePending, items[0].State)
}

func TestJournal_StateTransitions(t *testing.T) {
	journal, err := NewJournal("")
	require.NoError(t, err)
	defer func() { _ = journal.Close() }()

	ctx := context.Background()
	seq, err := journal.Append(ctx, testSubmission("obs-1"))
	require.NoError(t, err)

	require.NoError(t, journal.MarkInFlight(ctx, seq))
	counts, err := journal.StateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateInFlight])

	require.NoError(t, journal.ScheduleRetry(ctx, seq, 2, time.Now().Add(time.Second), "connection refused"))
	counts, err = journal.StateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateRetryScheduled])

	items, err := journal.Outstanding(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].RetryCount)

	require.NoError(t, journal.Remove(ctx, seq))
	items, err = journal.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestJournal_MoveToDeadLetters(t *testing.T) {
	journal, err := NewJournal("")
	require.NoError(t, err)
	defer func() { _ = journal.Close() }()

	ctx := context.Background()
	seq, err := journal.Append(ctx, testSubmission("obs-1"))
	require.NoError(t, err)

	item := &WorkItem{
		Seq:        seq,
		RetryCount: 5,
		FirstSeen:  time.Now().Add(-time.Minute),
		Submission: testSubmission("obs-1"),
	}
	require.NoError(t, journal.MoveToDeadLetters(ctx, item, "max_retries", "embedding provider unavailable"))

	items, err := journal.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	count, err := journal.DeadLetterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	letters, err := journal.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "obs-1", letters[0].ResourceID)
	assert.Equal(t, "max_retries", letters[0].ErrorClass)
	assert.Equal(t, "embedding provider unavailable", letters[0].ErrorMessage)
	assert.Equal(t, 5, letters[0].RetryCount)
	assert.Equal(t, "obs-1", letters[0].Submission.ResourceID)
}

func TestQueue_ProcessesSubmissionEndToEnd(t *testing.T) {
	st, err := store.Open(store.Options{Dimensions: 16})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	proc := NewProcessor(
		chunk.New(0, 0, 0),
		embed.NewStaticEmbedder(16),
		st, nil)
	q, _ := startQueue(t, testQueueConfig(), proc)

	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	storeStats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, storeStats.ChunkCount)

	results, err := st.SparseSearch(ctx, "cholesterol", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "obs-1_chunk_0", results[0].Chunk.ChunkID)
}

func TestQueue_ResubmissionCountsDuplicate(t *testing.T) {
	st, err := store.Open(store.Options{Dimensions: 16})
	require.NoError(t, err)
	defer func() { _ = st.Close() }()

	proc := NewProcessor(chunk.New(0, 0, 0), embed.NewStaticEmbedder(16), st, nil)
	q, _ := startQueue(t, testQueueConfig(), proc)

	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))
	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))
	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Processed == 2
	}, 2*time.Second, 10*time.Millisecond)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Duplicates)

	storeStats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, storeStats.ChunkCount)
}

func TestQueue_RejectsInvalidSubmission(t *testing.T) {
	q, journal := startQueue(t, testQueueConfig(), &fakeIngestor{})

	ctx := context.Background()
	err := q.Submit(ctx, &fhir.Submission{ResourceID: "", Content: "x", ResourceJSON: "{}"})
	require.Error(t, err)
	assert.Equal(t, ferrors.KindValidation, ferrors.KindOf(err))

	// Invalid submissions never touch the journal.
	items, err := journal.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_FullQueueRejectsWithBackpressure(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Capacity = 1
	gate := make(chan struct{})
	defer close(gate)

	q, _ := startQueue(t, cfg, &fakeIngestor{gate: gate})

	ctx := context.Background()
	var full error
	for i := 0; i < 10; i++ {
		if err := q.Submit(ctx, testSubmission(fmt.Sprintf("obs-%d", i))); err != nil {
			full = err
			break
		}
	}
	require.Error(t, full)
	assert.Equal(t, ferrors.KindQueueFull, ferrors.KindOf(full))
}

func TestQueue_SubmitWaitBlocksUntilSpace(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Capacity = 1
	cfg.SubmitWait = 2 * time.Second
	gate := make(chan struct{})

	proc := &fakeIngestor{gate: gate}
	q, _ := startQueue(t, cfg, proc)

	ctx := context.Background()
	// Both workers block on the gate and the buffer slot fills.
	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))
	require.NoError(t, q.Submit(ctx, testSubmission("obs-2")))
	require.NoError(t, q.Submit(ctx, testSubmission("obs-3")))

	// Space frees mid-wait; the submission is admitted instead of
	// rejected.
	time.AfterFunc(100*time.Millisecond, func() { close(gate) })
	require.NoError(t, q.Submit(ctx, testSubmission("obs-4")))

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Processed == 4
	}, 3*time.Second, 10*time.Millisecond)
}

func TestQueue_SubmitWaitTimesOut(t *testing.T) {
	cfg := testQueueConfig()
	cfg.Capacity = 1
	cfg.SubmitWait = 50 * time.Millisecond
	gate := make(chan struct{})
	defer close(gate)

	q, journal := startQueue(t, cfg, &fakeIngestor{gate: gate})

	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))
	require.NoError(t, q.Submit(ctx, testSubmission("obs-2")))
	require.NoError(t, q.Submit(ctx, testSubmission("obs-3")))

	start := time.Now()
	err := q.Submit(ctx, testSubmission("obs-4"))
	require.Error(t, err)
	assert.Equal(t, ferrors.KindQueueFull, ferrors.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// The rejected submission's journal row was rolled back.
	items, err := journal.Outstanding(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestQueue_RetryableFailureEventuallySucceeds(t *testing.T) {
	proc := &fakeIngestor{
		failures: 2,
		failWith: ferrors.Retryable("embed.ollama", fmt.Errorf("connection refused")),
	}
	q, _ := startQueue(t, testQueueConfig(), proc)

	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Processed == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, proc.callCount())
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.DeadLetters)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestQueue_ExhaustedRetriesDeadLetter(t *testing.T) {
	for _, budget := range []int{2, 5} {
		t.Run(fmt.Sprintf("budget_%d", budget), func(t *testing.T) {
			cfg := testQueueConfig()
			cfg.MaxRetries = budget
			proc := &fakeIngestor{
				failures: 100,
				failWith: ferrors.Retryable("embed.ollama", fmt.Errorf("connection refused")),
			}
			q, _ := startQueue(t, cfg, proc)

			ctx := context.Background()
			require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))

			require.Eventually(t, func() bool {
				stats, _ := q.Stats(ctx)
				return stats.DeadLetters == 1
			}, 3*time.Second, 10*time.Millisecond)

			// MaxRetries bounds the total attempts; no extra attempt runs
			// past the budget and the recorded count never exceeds it.
			assert.Equal(t, budget, proc.callCount())

			letters, err := q.DeadLetters(ctx, 10)
			require.NoError(t, err)
			require.Len(t, letters, 1)
			assert.Equal(t, string(ferrors.KindMaxRetries), letters[0].ErrorClass)
			assert.Equal(t, budget, letters[0].RetryCount)
		})
	}
}

func TestQueue_TerminalFailureDeadLettersImmediately(t *testing.T) {
	proc := &fakeIngestor{
		failures: 100,
		failWith: ferrors.Validation("ingest.parse", "resource JSON is not an object"),
	}
	q, _ := startQueue(t, testQueueConfig(), proc)

	ctx := context.Background()
	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.DeadLetters == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, proc.callCount())
	letters, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, string(ferrors.KindValidation), letters[0].ErrorClass)
}

func TestQueue_RecoversJournaledWorkOnStart(t *testing.T) {
	path := t.TempDir() + "/journal.db"
	ctx := context.Background()

	journal, err := NewJournal(path)
	require.NoError(t, err)
	_, err = journal.Append(ctx, testSubmission("obs-1"))
	require.NoError(t, err)
	seq2, err := journal.Append(ctx, testSubmission("obs-2"))
	require.NoError(t, err)
	// Simulate a crash mid-processing.
	require.NoError(t, journal.MarkInFlight(ctx, seq2))
	require.NoError(t, journal.Close())

	reopened, err := NewJournal(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	proc := &fakeIngestor{}
	q := New(testQueueConfig(), reopened, proc, nil)
	require.NoError(t, q.Start(ctx))
	defer func() { _ = q.Shutdown(ctx) }()

	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.Processed == 2
	}, 2*time.Second, 10*time.Millisecond)

	items, err := reopened.Outstanding(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestQueue_ShutdownDrainsBufferedWork(t *testing.T) {
	proc := &fakeIngestor{}
	journal, err := NewJournal("")
	require.NoError(t, err)
	defer func() { _ = journal.Close() }()

	q := New(testQueueConfig(), journal, proc, nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Submit(ctx, testSubmission(fmt.Sprintf("obs-%d", i))))
	}
	require.NoError(t, q.Shutdown(ctx))

	assert.Equal(t, 8, proc.callCount())

	// Submissions after shutdown are rejected.
	err = q.Submit(ctx, testSubmission("obs-late"))
	require.Error(t, err)
	assert.Equal(t, ferrors.KindQueueFull, ferrors.KindOf(err))
}

func TestQueue_ShutdownClearsScheduledRetries(t *testing.T) {
	cfg := testQueueConfig()
	cfg.RetryBaseDelay = 10 * time.Second
	cfg.RetryMaxDelay = 10 * time.Second
	proc := &fakeIngestor{
		failures: 100,
		failWith: ferrors.Retryable("embed.ollama", fmt.Errorf("connection refused")),
	}
	journal, err := NewJournal("")
	require.NoError(t, err)
	defer func() { _ = journal.Close() }()

	q := New(cfg, journal, proc, nil)
	ctx := context.Background()
	require.NoError(t, q.Start(ctx))

	require.NoError(t, q.Submit(ctx, testSubmission("obs-1")))
	require.Eventually(t, func() bool {
		stats, _ := q.Stats(ctx)
		return stats.RetryScheduled == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Shutdown(ctx))

	// The cancelled timer releases its gauge slot; the item itself stays
	// journaled for the next start.
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.RetryScheduled)

	items, err := journal.Outstanding(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
