package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/borgius/confluence-exporter-sub000/internal/governor"
	"github.com/borgius/confluence-exporter-sub000/internal/queue"
)

func newTestQueue(items ...queue.Item) *queue.State {
	q := queue.New(0, 0)
	for _, it := range items {
		q.Add(it)
	}
	return q
}

func TestRun_ProcessesAllPendingItems(t *testing.T) {
	q := newTestQueue(queue.Item{PageID: "A"}, queue.Item{PageID: "B"}, queue.Item{PageID: "C"})
	var processed int32

	proc := func(_ context.Context, item queue.Item) (ProcessResult, error) {
		atomic.AddInt32(&processed, 1)
		return ProcessResult{}, nil
	}

	s := New(q, nil, "SPACE", proc, nil, nil, nil, Options{Concurrency: 2})
	err := s.Run(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 3, processed)
	assert.True(t, q.IsDrained())
	assert.Equal(t, 3, q.Metrics().TotalProcessed)
}

func TestRun_DiscoveredItemsAreProcessedToo(t *testing.T) {
	q := newTestQueue(queue.Item{PageID: "ROOT"})

	proc := func(_ context.Context, item queue.Item) (ProcessResult, error) {
		if item.PageID == "ROOT" {
			return ProcessResult{Discovered: []queue.Item{{PageID: "CHILD"}}}, nil
		}
		return ProcessResult{}, nil
	}

	s := New(q, nil, "SPACE", proc, nil, nil, nil, Options{Concurrency: 2})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 2, q.Metrics().TotalProcessed)
	_, ok := q.Get("CHILD")
	assert.True(t, ok)
}

func TestRun_NonRetryableFailureMarksItemFailed(t *testing.T) {
	q := newTestQueue(queue.Item{PageID: "BAD"})
	proc := func(_ context.Context, item queue.Item) (ProcessResult, error) {
		return ProcessResult{}, errors.New("unauthorized: no token")
	}

	s := New(q, nil, "SPACE", proc, nil, nil, nil, Options{Concurrency: 1})
	require.NoError(t, s.Run(context.Background()))

	item, ok := q.Get("BAD")
	require.True(t, ok)
	assert.Equal(t, queue.StatusFailed, item.Status)
}

func TestRun_RetryableFailureEventuallySucceeds(t *testing.T) {
	q := newTestQueue(queue.Item{PageID: "FLAKY"})
	var attempts int32
	proc := func(_ context.Context, item queue.Item) (ProcessResult, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return ProcessResult{}, errors.New("connection refused")
		}
		return ProcessResult{}, nil
	}

	s := New(q, nil, "SPACE", proc, nil, nil, nil, Options{Concurrency: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	item, ok := q.Get("FLAKY")
	require.True(t, ok)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.GreaterOrEqual(t, attempts, int32(2))
}

// hintedError mimics confluenceapi.StatusError's retry.HTTPStatusProvider /
// retry.RetryAfterProvider implementation without importing that package,
// so Classify(err, HintsFromError(err)) sees the same hints a real
// transport error would carry.
type hintedError struct {
	msg        string
	statusCode int
	retryAfter string
}

func (e *hintedError) Error() string           { return e.msg }
func (e *hintedError) HTTPStatusCode() int      { return e.statusCode }
func (e *hintedError) RetryAfterHeader() string { return e.retryAfter }

func TestRun_RetryAfterHintDelaysRedispatch(t *testing.T) {
	q := newTestQueue(queue.Item{PageID: "A"})
	var attempts int32

	proc := func(_ context.Context, item queue.Item) (ProcessResult, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return ProcessResult{}, &hintedError{msg: "server error", statusCode: 500, retryAfter: "3"}
		}
		return ProcessResult{}, nil
	}

	s := New(q, nil, "SPACE", proc, nil, nil, nil, Options{Concurrency: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Run(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 3*time.Second, "a server Retry-After:3 hint must push the redispatch out at least 3s even though the network category's own base delay is shorter")

	item, ok := q.Get("A")
	require.True(t, ok)
	assert.Equal(t, queue.StatusCompleted, item.Status)
	assert.Equal(t, 1, item.RetryCount)
}

func TestRun_DiscoveryPhaseCapStopsAfterNPhaseDrains(t *testing.T) {
	// Each processed item discovers exactly one child, forming a chain:
	// ROOT (phase 1) -> CHILD-1 (phase 2) -> CHILD-2 (would be phase 3) -> ...
	// With a cap of 2 phases, phase 2 (CHILD-1) is the last phase allowed to
	// start; whatever it discovers belongs to phase 3 and must be dropped.
	q := newTestQueue(queue.Item{PageID: "ROOT"})
	var generation int32

	proc := func(_ context.Context, item queue.Item) (ProcessResult, error) {
		n := atomic.AddInt32(&generation, 1)
		next := queue.Item{PageID: "CHILD-" + strconv.Itoa(int(n))}
		return ProcessResult{Discovered: []queue.Item{next}}, nil
	}

	s := New(q, nil, "SPACE", proc, nil, nil, nil, Options{Concurrency: 1, DiscoveryPhaseCap: 2})
	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, 2, q.Metrics().TotalProcessed, "only the root's phase and the one phase it discovers should run")
	assert.Equal(t, 2, s.phase, "the scheduler must not have advanced past the configured phase cap")
}

func TestRun_GovernorAbortStopsDispatch(t *testing.T) {
	q := newTestQueue(queue.Item{PageID: "A"}, queue.Item{PageID: "B"})
	gov := governor.New(governor.Thresholds{})
	var calls int32

	proc := func(_ context.Context, item queue.Item) (ProcessResult, error) {
		atomic.AddInt32(&calls, 1)
		return ProcessResult{}, errors.New("unauthorized")
	}

	s := New(q, nil, "SPACE", proc, gov, nil, nil, Options{Concurrency: 1})
	require.NoError(t, s.Run(context.Background()))

	assert.True(t, gov.ShouldAbort())
}
