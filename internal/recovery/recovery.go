// Package recovery implements the exporter's startup recovery sequence:
// load a prior snapshot, fall back to a corruption backup when needed, and
// reconcile interrupted in-flight items before a new run dispatches work.
package recovery

import (
	"fmt"
	"log/slog"

	"github.com/borgius/confluence-exporter-sub000/internal/config"
	"github.com/borgius/confluence-exporter-sub000/internal/persistence"
	"github.com/borgius/confluence-exporter-sub000/internal/queue"
)

// Result reports what startup recovery found and did.
type Result struct {
	Restored   bool // false means a fresh, empty queue was used
	FromBackup bool
	ItemsLost  int // |original| - |restored|, only meaningful when FromBackup
	SpaceKey   string
}

// UnrecoverableError signals that no snapshot or backup could be loaded
// under the given resume policy; the caller should abort with exit code 3.
type UnrecoverableError struct {
	Path   string
	Reason string
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("recovery: %q unrecoverable: %s", e.Path, e.Reason)
}

// Restore runs the startup sequence against store, populating q in place.
// With no snapshot present, q is left as a fresh empty queue and Result
// reports Restored=false. On a validated snapshot (or validated backup),
// it restores q and resets any "processing" items to "pending" so the
// dispatch loop re-attempts them.
func Restore(store *persistence.Store, q *queue.State, opts config.ResumeOptions, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !opts.UseBackup {
		loaded, err := store.Load()
		if err != nil {
			var corrupt *persistence.CorruptionError
			if isCorruption(err, &corrupt) {
				return recoverFromBackup(store, q, opts, logger, corrupt)
			}
			return Result{}, err
		}
		if loaded == nil {
			logger.Info("no snapshot found, starting fresh")
			return Result{Restored: false}, nil
		}
		restoreInto(q, loaded, true)
		return Result{Restored: true, SpaceKey: loaded.SpaceKey}, nil
	}

	return recoverFromBackup(store, q, opts, logger, nil)
}

func isCorruption(err error, target **persistence.CorruptionError) bool {
	c, ok := err.(*persistence.CorruptionError)
	if ok {
		*target = c
	}
	return ok
}

// recoverFromBackup tries the newest-first backup list, used either because
// the primary snapshot failed validation or because UseBackup was
// requested explicitly. originalErr carries the reason the primary load
// failed, if any, for the UnrecoverableError message when every backup
// also fails.
func recoverFromBackup(store *persistence.Store, q *queue.State, opts config.ResumeOptions, logger *slog.Logger, originalErr *persistence.CorruptionError) (Result, error) {
	backups, err := store.ListBackups()
	if err != nil {
		return Result{}, fmt.Errorf("recovery: list backups: %w", err)
	}
	if len(backups) == 0 {
		if originalErr != nil && opts.AllowCorrupted {
			logger.Warn("snapshot corrupted and no backups available, starting fresh under allowCorrupted", "path", originalErr.Path)
			return Result{Restored: false}, nil
		}
		reason := "no backups available"
		if originalErr != nil {
			reason = originalErr.Reason
		}
		return Result{}, &UnrecoverableError{Path: store.Path(), Reason: reason}
	}

	originalSize := -1
	if originalErr == nil {
		if loaded, loadErr := store.Load(); loadErr == nil && loaded != nil {
			originalSize = len(loaded.Items)
		}
	}

	for _, backupPath := range backups {
		loaded, restoredSize, ok := tryLoadBackup(store, backupPath)
		if !ok {
			continue
		}
		restoreInto(q, loaded, true)
		lost := 0
		if originalSize >= 0 && originalSize > restoredSize {
			lost = originalSize - restoredSize
		}
		logger.Warn("restored from backup", "path", backupPath, "itemsLost", lost)
		return Result{Restored: true, FromBackup: true, ItemsLost: lost, SpaceKey: loaded.SpaceKey}, nil
	}

	if opts.AllowCorrupted {
		logger.Warn("all backups failed validation, starting fresh under allowCorrupted")
		return Result{Restored: false}, nil
	}
	return Result{}, &UnrecoverableError{Path: store.Path(), Reason: "no valid backup found"}
}

// tryLoadBackup probes a single backup file by pointing a scratch Store at
// it and delegating to the normal Load/validate path.
func tryLoadBackup(store *persistence.Store, backupPath string) (*persistence.Loaded, int, bool) {
	probe := persistence.NewStore(backupPath, persistence.WithBackupOnCorruption(false))
	loaded, err := probe.Load()
	if err != nil || loaded == nil {
		return nil, 0, false
	}
	return loaded, len(loaded.Items), true
}

// restoreInto applies a Loaded snapshot to q, resetting in-flight
// "processing" items to "pending" per the interrupted-run reconciliation
// rule, and replays the processed-page set.
func restoreInto(q *queue.State, loaded *persistence.Loaded, resetInFlight bool) {
	q.Restore(loaded.Items, loaded.ProcessedPageIDs, resetInFlight)
}

// Validate runs the structural consistency check: metrics non-negative, and
// the pending+processing item count within tolerance of the pending-only
// CurrentQueueSize metric. A mismatch of 2 or more is treated as
// corruption, matching decodeAndValidate's schema-level checks in spirit.
// The length of processingOrder itself is not inspected.
func Validate(q *queue.State) error {
	metrics := q.Metrics()
	if metrics.CurrentQueueSize < 0 || metrics.TotalProcessed < 0 || metrics.TotalFailed < 0 || metrics.TotalQueued < 0 {
		return fmt.Errorf("recovery: negative metric in restored queue: %+v", metrics)
	}

	items, _ := q.Snapshot()
	var inFlight int
	for _, item := range items {
		if item.Status == queue.StatusPending || item.Status == queue.StatusProcessing {
			inFlight++
		}
	}
	if diff := abs(inFlight - metrics.CurrentQueueSize); diff >= 2 {
		return fmt.Errorf("recovery: in-flight/queue-size mismatch: in-flight=%d queueSize=%d", inFlight, metrics.CurrentQueueSize)
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// canResume is the structural consistency check of step 4: a restored queue
// whose pending+processing item count has drifted too far from its
// CurrentQueueSize metric is treated as corrupt, and resuming from it is
// refused unless the caller explicitly overrides that refusal.
func canResume(q *queue.State) error {
	return Validate(q)
}

// Run is the full startup sequence the exporter calls: restore (honoring
// UseBackup/AllowCorrupted), then, if ValidateIntegrity is set, run the
// canResume structural consistency check. A failed check normally aborts
// with an UnrecoverableError; RepairCorruption makes it non-fatal instead by
// recomputing the queue's derived fields from the restored items.
// ForceResume bypasses the canResume check entirely: the operator is telling
// the exporter to resume from whatever state was restored, cardinality
// mismatch and all, rather than refuse or repair it.
func Run(store *persistence.Store, q *queue.State, opts config.ResumeOptions, logger *slog.Logger) (Result, error) {
	result, err := Restore(store, q, opts, logger)
	if err != nil {
		return result, err
	}
	if !result.Restored || !opts.ValidateIntegrity {
		return result, nil
	}

	if verr := canResume(q); verr != nil {
		switch {
		case opts.ForceResume:
			logger.Warn("forceResume set, resuming despite failed consistency check", "error", verr)
		case opts.RepairCorruption:
			logger.Warn("repairing restored queue after failed consistency check", "error", verr)
			items, processed := q.Snapshot()
			q.Restore(items, processed, true)
		default:
			return result, &UnrecoverableError{Path: store.Path(), Reason: verr.Error()}
		}
	}
	return result, nil
}

// ListBackups is a small convenience wrapper over Store.ListBackups for
// callers (e.g. the CLI) that want to display candidates, newest first,
// without driving a full Restore.
func ListBackups(store *persistence.Store) ([]string, error) {
	return store.ListBackups()
}
