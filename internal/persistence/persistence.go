// Package persistence implements atomic, checksum-validated snapshots of the
// download queue, with corruption-backup rotation so a crashed run can be
// resumed without losing more than the last in-flight batch.
package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/borgius/confluence-exporter-sub000/internal/queue"
)

const (
	snapshotVersion = 1

	// DefaultMaxBackups bounds how many corrupted-file copies are retained.
	DefaultMaxBackups = 3
)

// QueueItemRecord is the on-disk form of a queue.Item.
type QueueItemRecord struct {
	PageID             string `json:"pageId"`
	SourceType         string `json:"sourceType"`
	DiscoveryTimestamp int64  `json:"discoveryTimestamp"`
	RetryCount         int    `json:"retryCount"`
	ParentPageID       string `json:"parentPageId,omitempty"`
	Status             string `json:"status"`
}

// MetricsRecord mirrors queue.Metrics for serialization.
type MetricsRecord struct {
	TotalQueued           int     `json:"totalQueued"`
	TotalProcessed        int     `json:"totalProcessed"`
	TotalFailed           int     `json:"totalFailed"`
	CurrentQueueSize      int     `json:"currentQueueSize"`
	DiscoveryRate         float64 `json:"discoveryRate"`
	ProcessingRate        float64 `json:"processingRate"`
	AverageRetryCount     float64 `json:"averageRetryCount"`
	PersistenceOperations int     `json:"persistenceOperations"`
}

// Snapshot is the full on-disk document written atomically for one space.
type Snapshot struct {
	Version          int               `json:"version"`
	Timestamp        string            `json:"timestamp"`
	SpaceKey         string            `json:"spaceKey"`
	QueueItems       []QueueItemRecord `json:"queueItems"`
	ProcessedPageIDs []string          `json:"processedPageIds"`
	Metrics          MetricsRecord     `json:"metrics"`
	Checksum         string            `json:"checksum"`
}

// PersistenceError wraps a failure while writing a snapshot. Always
// retryable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// CorruptionError signals that a loaded snapshot failed schema or checksum
// validation. Not retryable from Store itself; the caller decides the
// fallback (an older backup, or aborting resume entirely).
type CorruptionError struct {
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("persistence: snapshot %q is corrupted: %s", e.Path, e.Reason)
}

// Store persists and loads queue snapshots for a single space.
type Store struct {
	path              string
	backupOnCorruption bool
	maxBackups        int
	now               func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBackupOnCorruption enables copying a corrupted file aside before
// signaling CorruptionError.
func WithBackupOnCorruption(enabled bool) Option {
	return func(s *Store) { s.backupOnCorruption = enabled }
}

// WithMaxBackups overrides DefaultMaxBackups.
func WithMaxBackups(n int) Option {
	return func(s *Store) { s.maxBackups = n }
}

// NewStore creates a Store writing to path, conventionally
// "<workspace>/.queue-<spaceKey>.json".
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:               path,
		backupOnCorruption: true,
		maxBackups:         DefaultMaxBackups,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether a snapshot file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear removes the snapshot file, if present.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return &PersistenceError{Op: "clear", Err: err}
	}
	return nil
}

// Save serializes state's current contents, computes a checksum, and writes
// the result atomically: temp file, fsync, rename.
func (s *Store) Save(state *queue.State, spaceKey string) error {
	items, processed := state.Snapshot()
	metrics := state.Metrics()

	snap := Snapshot{
		Version:          snapshotVersion,
		Timestamp:        s.now().UTC().Format(time.RFC3339Nano),
		SpaceKey:         spaceKey,
		QueueItems:       toRecords(items),
		ProcessedPageIDs: sortedCopy(processed),
		Metrics:          toMetricsRecord(metrics),
	}

	body, err := canonicalBody(snap)
	if err != nil {
		return &PersistenceError{Op: "marshal", Err: err}
	}
	snap.Checksum = Checksum(body)

	final, err := json.Marshal(snap)
	if err != nil {
		return &PersistenceError{Op: "marshal", Err: err}
	}

	if err := s.writeAtomic(final); err != nil {
		return err
	}
	state.IncrementPersistenceOperations()
	return nil
}

func (s *Store) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Op: "mkdir", Err: err}
	}

	tmp := fmt.Sprintf("%s.tmp.%d", s.path, s.now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &PersistenceError{Op: "create-temp", Err: err}
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &PersistenceError{Op: "write-temp", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &PersistenceError{Op: "fsync", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &PersistenceError{Op: "close-temp", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return &PersistenceError{Op: "rename", Err: err}
	}
	return nil
}

// Loaded is the decoded form of a valid snapshot, ready for queue.Restore.
type Loaded struct {
	SpaceKey         string
	Timestamp        string
	Items            []queue.Item
	ProcessedPageIDs []string
	Metrics          queue.Metrics
}

// Load reads and validates the snapshot file. It returns (nil, nil) if no
// file exists. On validation failure it optionally rotates a corruption
// backup and always returns *CorruptionError.
func (s *Store) Load() (*Loaded, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "read", Err: err}
	}

	snap, reason := s.decodeAndValidate(data)
	if reason != "" {
		if s.backupOnCorruption {
			if backupErr := s.rotateBackup(data); backupErr != nil {
				reason = reason + fmt.Sprintf(" (backup rotation also failed: %v)", backupErr)
			}
		}
		return nil, &CorruptionError{Path: s.path, Reason: reason}
	}

	return &Loaded{
		SpaceKey:         snap.SpaceKey,
		Timestamp:        snap.Timestamp,
		Items:            fromRecords(snap.QueueItems),
		ProcessedPageIDs: snap.ProcessedPageIDs,
		Metrics:          fromMetricsRecord(snap.Metrics),
	}, nil
}

// Validate reports whether data parses as a well-formed, checksum-valid
// snapshot, without surfacing the reason. Exposed for recovery's backup
// probing.
func (s *Store) Validate(data []byte) bool {
	_, reason := s.decodeAndValidate(data)
	return reason == ""
}

func (s *Store) decodeAndValidate(data []byte) (Snapshot, string) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Sprintf("schema violation: %v", err)
	}
	if snap.Version != snapshotVersion {
		return Snapshot{}, fmt.Sprintf("unsupported version %d", snap.Version)
	}
	if snap.SpaceKey == "" {
		return Snapshot{}, "missing spaceKey"
	}
	for _, item := range snap.QueueItems {
		if item.PageID == "" {
			return Snapshot{}, "queue item missing pageId"
		}
		if !validStatus(item.Status) {
			return Snapshot{}, fmt.Sprintf("queue item %q has invalid status %q", item.PageID, item.Status)
		}
	}

	expected := snap.Checksum
	snap.Checksum = ""
	body, err := canonicalBody(snap)
	if err != nil {
		return Snapshot{}, fmt.Sprintf("re-serialization failed: %v", err)
	}
	if Checksum(body) != expected {
		return Snapshot{}, "checksum mismatch"
	}
	snap.Checksum = expected
	return snap, ""
}

func validStatus(s string) bool {
	switch s {
	case "pending", "processing", "completed", "failed":
		return true
	default:
		return false
	}
}

// rotateBackup copies the corrupted file aside with a timestamped suffix and
// deletes the oldest backups beyond maxBackups.
func (s *Store) rotateBackup(data []byte) error {
	suffix := s.now().UTC().Format("2006-01-02T15:04:05.000Z")
	backupPath := fmt.Sprintf("%s.corrupted.%s", s.path, suffix)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return err
	}
	return s.pruneBackups()
}

func (s *Store) pruneBackups() error {
	paths, err := s.ListBackups()
	if err != nil {
		return err
	}
	if len(paths) <= s.maxBackups {
		return nil
	}
	// ListBackups returns newest first; drop the oldest overflow.
	for _, stale := range paths[s.maxBackups:] {
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// ListBackups returns corrupted-file backups for this snapshot's path,
// newest first.
func (s *Store) ListBackups() ([]string, error) {
	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := base + ".corrupted."
	var matches []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if len(entry.Name()) > len(prefix) && entry.Name()[:len(prefix)] == prefix {
			matches = append(matches, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

func canonicalBody(snap Snapshot) ([]byte, error) {
	// Keys within each struct are already stable (Go's encoding/json emits
	// struct fields in declaration order); arrays are pre-sorted by the
	// caller so the only remaining source of nondeterminism is map
	// iteration, which this type never uses.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toRecords(items []queue.Item) []QueueItemRecord {
	out := make([]QueueItemRecord, 0, len(items))
	for _, item := range items {
		out = append(out, QueueItemRecord{
			PageID:             item.PageID,
			SourceType:         string(item.SourceType),
			DiscoveryTimestamp: item.DiscoveryTimestamp,
			RetryCount:         item.RetryCount,
			ParentPageID:       item.ParentPageID,
			Status:             string(item.Status),
		})
	}
	return out
}

func fromRecords(records []QueueItemRecord) []queue.Item {
	out := make([]queue.Item, 0, len(records))
	for _, r := range records {
		out = append(out, queue.Item{
			PageID:             r.PageID,
			SourceType:         queue.SourceType(r.SourceType),
			DiscoveryTimestamp: r.DiscoveryTimestamp,
			RetryCount:         r.RetryCount,
			ParentPageID:       r.ParentPageID,
			Status:             queue.Status(r.Status),
		})
	}
	return out
}

func toMetricsRecord(m queue.Metrics) MetricsRecord {
	return MetricsRecord{
		TotalQueued:           m.TotalQueued,
		TotalProcessed:        m.TotalProcessed,
		TotalFailed:           m.TotalFailed,
		CurrentQueueSize:      m.CurrentQueueSize,
		DiscoveryRate:         m.DiscoveryRate,
		ProcessingRate:        m.ProcessingRate,
		AverageRetryCount:     m.AverageRetryCount,
		PersistenceOperations: m.PersistenceOperations,
	}
}

func fromMetricsRecord(m MetricsRecord) queue.Metrics {
	return queue.Metrics{
		TotalQueued:           m.TotalQueued,
		TotalProcessed:        m.TotalProcessed,
		TotalFailed:           m.TotalFailed,
		CurrentQueueSize:      m.CurrentQueueSize,
		DiscoveryRate:         m.DiscoveryRate,
		ProcessingRate:        m.ProcessingRate,
		AverageRetryCount:     m.AverageRetryCount,
		PersistenceOperations: m.PersistenceOperations,
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
