// Package manifest implements the durable record of what a prior exporter
// run produced, diffed against fresh discovery to support incremental
// re-exports.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EntryStatus is the outcome recorded for a manifest entry.
type EntryStatus string

const (
	StatusExported EntryStatus = "exported"
	StatusSkipped  EntryStatus = "skipped"
	StatusFailed   EntryStatus = "failed"
)

// Entry is one exported artifact, a page or an attachment.
type Entry struct {
	ID       string      `yaml:"id"`
	Title    string      `yaml:"title"`
	Path     string      `yaml:"path"`
	Hash     string      `yaml:"hash"`
	Version  int         `yaml:"version"`
	Status   EntryStatus `yaml:"status"`
	ParentID string      `yaml:"parentId,omitempty"`
}

// Manifest is the durable per-run record written to disk alongside a run's
// exported output.
type Manifest struct {
	Version   int     `yaml:"version"`
	Timestamp string  `yaml:"timestamp"`
	SpaceKey  string  `yaml:"spaceKey"`
	Entries   []Entry `yaml:"entries"`
}

const manifestVersion = 1

// New creates an empty Manifest for spaceKey, stamped with the current
// time.
func New(spaceKey string, now time.Time) *Manifest {
	return &Manifest{
		Version:   manifestVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		SpaceKey:  spaceKey,
	}
}

// ByID indexes a manifest's entries for lookup.
func (m *Manifest) ByID() map[string]Entry {
	out := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		out[e.ID] = e
	}
	return out
}

// Load reads a manifest from path (YAML). Returns (nil, nil) if the file
// does not exist.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}

// Save atomically writes m to path via temp-file + rename.
func Save(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("manifest: mkdir %s: %w", dir, err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("manifest: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("manifest: rename: %w", err)
	}
	return nil
}

// DiffResult groups entries by how they compare across two manifests:
// added, modified, deleted, or unchanged.
type DiffResult struct {
	Added     []Entry
	Modified  []Entry
	Deleted   []Entry
	Unchanged []Entry
}

// Diff compares prev and curr by entry ID. An entry present only in curr is
// Added; present only in prev is Deleted; present in both with a differing
// Hash or Version is Modified; otherwise Unchanged.
func Diff(prev, curr *Manifest) DiffResult {
	var result DiffResult
	prevByID := map[string]Entry{}
	if prev != nil {
		prevByID = prev.ByID()
	}
	seen := make(map[string]struct{})

	if curr != nil {
		for _, entry := range curr.Entries {
			seen[entry.ID] = struct{}{}
			old, existed := prevByID[entry.ID]
			switch {
			case !existed:
				result.Added = append(result.Added, entry)
			case old.Hash != entry.Hash || old.Version != entry.Version:
				result.Modified = append(result.Modified, entry)
			default:
				result.Unchanged = append(result.Unchanged, entry)
			}
		}
	}

	for id, entry := range prevByID {
		if _, stillPresent := seen[id]; !stillPresent {
			result.Deleted = append(result.Deleted, entry)
		}
	}
	return result
}
