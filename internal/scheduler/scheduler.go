// Package scheduler implements the worker orchestrator: a bounded-concurrency
// dispatch loop that dequeues pending items, fans work out to a pool of
// goroutines, and is the single owner of every queue state transition
// (Next/MarkProcessing/MarkCompleted/MarkFailed/Retry/Add), applying every
// worker's outcome back on its own goroutine via a result channel.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/borgius/confluence-exporter-sub000/internal/async"
	"github.com/borgius/confluence-exporter-sub000/internal/governor"
	"github.com/borgius/confluence-exporter-sub000/internal/metrics"
	"github.com/borgius/confluence-exporter-sub000/internal/persistence"
	"github.com/borgius/confluence-exporter-sub000/internal/queue"
	"github.com/borgius/confluence-exporter-sub000/internal/retry"
	"github.com/borgius/confluence-exporter-sub000/internal/tracing"
)

// ProcessResult is what a single item's processing produces.
type ProcessResult struct {
	ContentHash string
	Discovered  []queue.Item
}

// Processor does the actual fetch/discover/transform/write work for one
// item. It is the exporter's page pipeline, injected so the scheduler stays
// agnostic of wiki, transform, and filesystem concerns.
type Processor func(ctx context.Context, item queue.Item) (ProcessResult, error)

// Options configures a Scheduler run.
type Options struct {
	Concurrency          int
	PersistenceThreshold int           // checkpoint after this many completions
	GracefulDrain        time.Duration // time allowed for in-flight work after cancellation
	DiscoveryPhaseCap    int           // max discovery phases (drain rounds) before new discoveries are rejected; 0 = unbounded
}

// Scheduler drives the download queue to completion.
type Scheduler struct {
	queue     *queue.State
	store     *persistence.Store
	spaceKey  string
	process   Processor
	governor  *governor.Governor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
	rng       *rand.Rand

	// phase tracking for the discovery-phase cap (§4.6): a phase is one drain
	// round, starting with the initially-seeded pending items as phase 1.
	// phaseRemaining counts how many of the current phase's items have not
	// yet terminally resolved (completed or permanently failed; a retryable
	// failure stays in its phase until it does). nextPhaseSize accumulates
	// items discovered during the current phase, which become phase+1's
	// membership once phaseRemaining reaches zero.
	phase         int
	phaseRemaining int
	nextPhaseSize  int

	awaitingRetry int64
	wakeCh        chan struct{}
}

// wake nudges a blocked dispatch loop to recheck the queue, used after a
// delayed retry re-enqueues its item.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// New creates a Scheduler.
func New(q *queue.State, store *persistence.Store, spaceKey string, process Processor, gov *governor.Governor, m *metrics.Metrics, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:    q,
		store:    store,
		spaceKey: spaceKey,
		process:  process,
		governor: gov,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		wakeCh:   make(chan struct{}, 1),
		phase:    1,
	}
}

type itemResult struct {
	item   queue.Item
	result ProcessResult
	err    error
}

// Run dispatches work until the queue drains, the governor aborts the run,
// or ctx is cancelled. On cancellation it stops dispatching new work and
// waits up to opts.GracefulDrain for in-flight items to finish before
// returning.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun() // ensures any retry timers still waiting are released when Run returns

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(s.opts.Concurrency)

	resultCh := make(chan itemResult, s.opts.Concurrency)
	pending := 0
	s.phaseRemaining = s.queue.Metrics().CurrentQueueSize

	dispatch := func() bool {
		item, ok := s.queue.Next()
		if !ok {
			return false
		}
		if err := s.queue.MarkProcessing(item.PageID); err != nil {
			s.logger.Warn("mark-processing failed", "pageId", item.PageID, "error", err)
			return true // try another item next loop
		}
		pending++
		g.Go(func() error {
			resultCh <- s.runOne(gctx, item)
			return nil
		})
		return true
	}

	for {
		if gctx.Err() != nil {
			break
		}
		if s.governor != nil && s.governor.ShouldAbort() {
			s.logger.Warn("run aborted by failure governor", "reason", s.governor.AbortReason())
			if s.metrics != nil {
				s.metrics.RunAborted.WithLabelValues(s.governor.AbortReason()).Inc()
			}
			break
		}

		dispatched := dispatch()
		if !dispatched {
			if pending == 0 && atomic.LoadInt64(&s.awaitingRetry) == 0 {
				break
			}
			select {
			case res := <-resultCh:
				s.applyResult(gctx, res)
				pending--
			case <-s.wakeCh:
			case <-gctx.Done():
			}
			continue
		}

		select {
		case res := <-resultCh:
			s.applyResult(gctx, res)
			pending--
		default:
		}
	}

	drainCtx := context.Background()
	if s.opts.GracefulDrain > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(context.Background(), s.opts.GracefulDrain)
		defer cancel()
	}
	for pending > 0 {
		select {
		case res := <-resultCh:
			s.applyResult(drainCtx, res)
			pending--
		case <-drainCtx.Done():
			pending = 0
		}
	}

	_ = g.Wait() // worker goroutines never return an error; this just joins them
	return s.checkpoint()
}

func (s *Scheduler) runOne(ctx context.Context, item queue.Item) itemResult {
	if s.metrics != nil {
		s.metrics.ActiveWorkers.Inc()
		defer s.metrics.ActiveWorkers.Dec()
	}

	start := time.Now()
	spanCtx, span := tracing.Start(ctx, tracing.SpanFetch, item.PageID)
	result, err := s.process(spanCtx, item)
	tracing.End(span, err)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if s.metrics != nil {
		s.metrics.ObserveProcessing(string(item.SourceType), outcome, time.Since(start))
	}
	return itemResult{item: item, result: result, err: err}
}

func (s *Scheduler) applyResult(ctx context.Context, r itemResult) {
	if r.err == nil {
		if err := s.queue.MarkCompleted(r.item.PageID); err != nil {
			s.logger.Warn("mark-completed failed", "pageId", r.item.PageID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.ItemsProcessed.WithLabelValues(string(r.item.SourceType)).Inc()
		}
		if s.governor != nil {
			s.governor.RecordSuccess()
		}
		s.acceptDiscoveries(r.result.Discovered)
		s.advancePhase()
		s.maybeCheckpoint()
		return
	}

	class := retry.Classify(r.err, retry.HintsFromError(r.err))

	retryable := class.Retryable && (class.RetryStrategy == nil || r.item.RetryCount < class.RetryStrategy.MaxRetries)
	if retryable {
		if err := s.queue.MarkFailed(r.item.PageID); err != nil {
			s.logger.Warn("pre-retry mark-failed failed", "pageId", r.item.PageID, "error", err)
		}
		if s.metrics != nil {
			s.metrics.ItemsRetried.WithLabelValues(string(class.Category)).Inc()
		}
		if s.governor != nil {
			s.governor.RecordFailure(string(class.Category), false)
		}
		s.scheduleRetry(ctx, r.item, class)
		return
	}

	if err := s.queue.MarkFailed(r.item.PageID); err != nil {
		s.logger.Warn("mark-failed failed", "pageId", r.item.PageID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.ItemsFailed.WithLabelValues(string(class.Category)).Inc()
	}
	s.logger.Error("item permanently failed", "pageId", r.item.PageID, "category", class.Category, "error", r.err)
	if s.governor != nil {
		s.governor.RecordFailure(string(class.Category), true)
		if class.IsFatal() {
			// severity=critical and unrecoverable: don't wait for the
			// threshold predicates to catch up, abort now.
			s.governor.ForceAbort("fatal error: " + string(class.Category))
		}
	}
	s.advancePhase()
}

// advancePhase accounts for one of the current phase's items terminally
// resolving (completed, or permanently failed — a retryable failure is not
// terminal and does not call this). Once every item seeded at the start of
// the phase has resolved, the phase advances to whatever was discovered
// during it, per spec.md §4.6's "one phase = drain of all currently-pending
// items at start of phase."
func (s *Scheduler) advancePhase() {
	s.phaseRemaining--
	if s.phaseRemaining > 0 {
		return
	}
	if s.nextPhaseSize > 0 {
		s.phase++
	}
	s.phaseRemaining = s.nextPhaseSize
	s.nextPhaseSize = 0
}

// scheduleRetry waits out this attempt's backoff on its own goroutine, then
// re-enqueues item. This is the one queue mutation not made by the dispatch
// loop itself; State's internal mutex makes that safe, and keeping retries
// off the dispatch loop avoids blocking it for up to MaxDelay per failure.
func (s *Scheduler) scheduleRetry(ctx context.Context, item queue.Item, class retry.Classification) {
	strategy := retry.Strategy{}
	if class.RetryStrategy != nil {
		strategy = *class.RetryStrategy
	} else if configured, ok := retry.StrategyFor(class.Category); ok {
		strategy = configured
	}
	retryAfter := time.Duration(class.RetryAfterSecs) * time.Second
	delay := retry.Backoff(item.RetryCount, strategy, retryAfter, retry.DefaultJitterWidth, s.rng)

	atomic.AddInt64(&s.awaitingRetry, 1)
	async.Go(s.logger, "retry:"+item.PageID, func() {
		defer func() {
			atomic.AddInt64(&s.awaitingRetry, -1)
			s.wake()
		}()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if err := s.queue.Retry(item.PageID); err != nil {
			s.logger.Warn("delayed retry transition failed", "pageId", item.PageID, "error", err)
		}
	})
}

// acceptDiscoveries adds newly discovered items to the phase after the one
// currently draining, honoring the run's discovery-phase cap (zero means
// unbounded): once s.phase has reached the cap, no further phase is allowed
// to start, so every new candidate is dropped rather than admitted.
func (s *Scheduler) acceptDiscoveries(items []queue.Item) {
	for _, item := range items {
		if s.opts.DiscoveryPhaseCap > 0 && s.phase >= s.opts.DiscoveryPhaseCap {
			s.logger.Warn("discovery phase cap reached, dropping candidate", "pageId", item.PageID, "phase", s.phase, "cap", s.opts.DiscoveryPhaseCap)
			continue
		}
		result := s.queue.Add(item)
		if result == queue.AddedNew {
			s.nextPhaseSize++
			if s.metrics != nil {
				s.metrics.ItemsDiscovered.WithLabelValues(string(item.SourceType)).Inc()
			}
		}
	}
	if s.metrics != nil {
		s.metrics.QueueSize.Set(float64(s.queue.Metrics().CurrentQueueSize))
	}
}

// maybeCheckpoint saves a snapshot every PersistenceThreshold completions. A
// failed checkpoint means a crash from here on loses this run's progress
// entirely, not just the in-flight item — that is exactly the
// severity=critical, unrecoverable condition the classifier's FatalError
// marker exists for, so it aborts the run immediately rather than
// continuing to process without a safety net.
func (s *Scheduler) maybeCheckpoint() {
	if s.opts.PersistenceThreshold <= 0 {
		return
	}
	if s.queue.Metrics().TotalProcessed%s.opts.PersistenceThreshold == 0 {
		if err := s.checkpoint(); err != nil {
			fatal := &retry.FatalError{Category: retry.CategoryFilesystem, Err: fmt.Errorf("periodic checkpoint: %w", err)}
			s.logger.Error("periodic checkpoint failed, aborting run", "error", fatal)
			if s.governor != nil {
				s.governor.ForceAbort(fatal.Error())
			}
		}
	}
}

func (s *Scheduler) checkpoint() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Save(s.queue, s.spaceKey); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.PersistenceOps.Inc()
	}
	return nil
}
