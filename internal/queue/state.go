package queue

import (
	"sort"
	"sync"
)

// State is the in-memory queue: items keyed by PageID, a FIFO processing
// order, the set of pages completed across runs, and running metrics.
//
// State is the single owner of queue mutations: it is mutated only by the
// scheduler goroutine, so the exported operations below assume callers
// serialize access to a single State (the mutex exists to make that safe
// under the scheduler's worker/result channel handoff, not to invite
// concurrent callers).
type State struct {
	mu sync.Mutex

	items           map[string]*Item
	processingOrder []string // FIFO among pending/processing items
	processedPages  map[string]struct{}
	metrics         Metrics

	maxQueueSize         int
	persistenceThreshold int

	insertionSeq map[string]int64
	nextSeq      int64
}

// New creates an empty State. maxQueueSize <= 0 means unbounded.
func New(maxQueueSize, persistenceThreshold int) *State {
	return &State{
		items:                make(map[string]*Item),
		processingOrder:      make([]string, 0, 64),
		processedPages:       make(map[string]struct{}),
		maxQueueSize:         maxQueueSize,
		persistenceThreshold: persistenceThreshold,
		insertionSeq:         make(map[string]int64),
	}
}

// Add inserts item if its PageID is not already known. Duplicates are
// ignored silently (AddedDuplicate); once |items| reaches maxQueueSize,
// new pages are AddedRejected.
func (s *State) Add(item Item) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.PageID]; exists {
		return AddedDuplicate
	}
	if s.maxQueueSize > 0 && len(s.items) >= s.maxQueueSize {
		return AddedRejected
	}

	if item.Status == "" {
		item.Status = StatusPending
	}
	stored := item
	s.items[item.PageID] = &stored
	s.insertionSeq[item.PageID] = s.nextSeq
	s.nextSeq++
	s.processingOrder = append(s.processingOrder, item.PageID)

	s.metrics.TotalQueued++
	s.recomputeQueueSizeLocked()
	return AddedNew
}

// Next peeks the head of processingOrder whose status is pending, skipping
// over entries that have already transitioned (e.g. to processing by a
// concurrent dequeue) without removing them from the slice. MarkProcessing
// leaves processingOrder as it is; an entry leaves it only through
// MarkCompleted or MarkFailed.
func (s *State) Next() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.processingOrder {
		item, ok := s.items[id]
		if !ok {
			continue
		}
		if item.Status == StatusPending {
			return *item, true
		}
	}
	return Item{}, false
}

// MarkProcessing transitions id from pending to processing.
func (s *State) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return &ErrNotFound{PageID: id}
	}
	if item.Status != StatusPending {
		return &ErrInvalidTransition{PageID: id, From: item.Status, To: StatusProcessing}
	}
	item.Status = StatusProcessing
	s.recomputeQueueSizeLocked()
	return nil
}

// MarkCompleted transitions id from processing to completed, records it in
// processedPages, and removes it from processingOrder.
func (s *State) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return &ErrNotFound{PageID: id}
	}
	if item.Status != StatusProcessing {
		return &ErrInvalidTransition{PageID: id, From: item.Status, To: StatusCompleted}
	}
	item.Status = StatusCompleted
	s.processedPages[id] = struct{}{}
	s.removeFromOrderLocked(id)

	s.metrics.TotalProcessed++
	s.recomputeQueueSizeLocked()
	return nil
}

// MarkFailed transitions id to failed from any non-terminal state.
func (s *State) MarkFailed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return &ErrNotFound{PageID: id}
	}
	if item.Status == StatusCompleted {
		return &ErrInvalidTransition{PageID: id, From: item.Status, To: StatusFailed}
	}
	item.Status = StatusFailed
	s.removeFromOrderLocked(id)

	s.metrics.TotalFailed++
	s.recomputeQueueSizeLocked()
	return nil
}

// Retry moves id from failed or pending back to pending, incrementing
// RetryCount and re-appending it at the tail of processingOrder.
func (s *State) Retry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return &ErrNotFound{PageID: id}
	}
	if item.Status != StatusFailed && item.Status != StatusPending {
		return &ErrInvalidTransition{PageID: id, From: item.Status, To: StatusPending}
	}

	wasFailed := item.Status == StatusFailed
	item.RetryCount++
	item.Status = StatusPending

	s.removeFromOrderLocked(id)
	s.processingOrder = append(s.processingOrder, id)
	if wasFailed {
		s.metrics.TotalFailed--
		if s.metrics.TotalFailed < 0 {
			s.metrics.TotalFailed = 0
		}
	}
	s.recomputeQueueSizeLocked()
	return nil
}

// Get returns a copy of the item for id, if present.
func (s *State) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Len returns the total number of tracked items (any status).
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Metrics returns a snapshot of the running counters.
func (s *State) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// IsDrained reports whether there are no pending or processing items left.
func (s *State) IsDrained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Status == StatusPending || item.Status == StatusProcessing {
			return false
		}
	}
	return true
}

// ProcessedPages returns a copy of the set of page ids completed, including
// those restored from a prior run's snapshot.
func (s *State) ProcessedPages() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.processedPages))
	for id := range s.processedPages {
		out[id] = struct{}{}
	}
	return out
}

// MarkProcessedPage adds id to processedPages without requiring a queue
// entry; used when restoring a snapshot's processedPageIds.
func (s *State) MarkProcessedPage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processedPages[id] = struct{}{}
}

// Snapshot returns copies of all items and the processed-page set, stable by
// DiscoveryTimestamp then insertion order, ready to hand to the persistence
// store.
func (s *State) Snapshot() ([]Item, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, *item)
	}
	sortItemsStable(items, s.insertionSeq)

	processed := make([]string, 0, len(s.processedPages))
	for id := range s.processedPages {
		processed = append(processed, id)
	}
	return items, processed
}

// Restore replaces the queue contents with items and processedIDs, used by
// startup recovery after loading a validated snapshot. ResetInFlight
// controls whether "processing" items are reset to "pending", the
// reconciliation step for an interrupted prior run.
func (s *State) Restore(items []Item, processedIDs []string, resetInFlight bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*Item, len(items))
	s.processingOrder = s.processingOrder[:0]
	s.insertionSeq = make(map[string]int64, len(items))
	s.nextSeq = 0
	s.metrics = Metrics{}

	sortItemsStable(items, nil)
	for _, item := range items {
		if resetInFlight && item.Status == StatusProcessing {
			item.Status = StatusPending
		}
		stored := item
		s.items[item.PageID] = &stored
		s.insertionSeq[item.PageID] = s.nextSeq
		s.nextSeq++
		switch item.Status {
		case StatusPending, StatusProcessing:
			s.processingOrder = append(s.processingOrder, item.PageID)
		case StatusCompleted:
			s.metrics.TotalProcessed++
		case StatusFailed:
			s.metrics.TotalFailed++
		}
		s.metrics.TotalQueued++
	}

	s.processedPages = make(map[string]struct{}, len(processedIDs))
	for _, id := range processedIDs {
		s.processedPages[id] = struct{}{}
	}
	s.recomputeQueueSizeLocked()
}

// IncrementPersistenceOperations bumps the persistence-operations counter,
// called by persistence.Store.Save after each successful save.
func (s *State) IncrementPersistenceOperations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.PersistenceOperations++
}

func (s *State) recomputeQueueSizeLocked() {
	pending := 0
	var retrySum int
	for _, item := range s.items {
		if item.Status == StatusPending {
			pending++
		}
		retrySum += item.RetryCount
	}
	s.metrics.CurrentQueueSize = pending
	if len(s.items) > 0 {
		s.metrics.AverageRetryCount = float64(retrySum) / float64(len(s.items))
	} else {
		s.metrics.AverageRetryCount = 0
	}
}

func (s *State) removeFromOrderLocked(id string) {
	for i, existing := range s.processingOrder {
		if existing == id {
			s.processingOrder = append(s.processingOrder[:i], s.processingOrder[i+1:]...)
			return
		}
	}
}

// sortItemsStable orders items by DiscoveryTimestamp then by insertion
// sequence (or input order, when seq is nil), giving processingOrder and
// canonical snapshot serialization a deterministic FIFO order.
func sortItemsStable(items []Item, seq map[string]int64) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].DiscoveryTimestamp != items[j].DiscoveryTimestamp {
			return items[i].DiscoveryTimestamp < items[j].DiscoveryTimestamp
		}
		if seq != nil {
			return seq[items[i].PageID] < seq[items[j].PageID]
		}
		return false
	})
}
