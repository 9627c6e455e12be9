// Package diffing implements the incremental diff that decides which
// remote pages/attachments are new, changed, or unchanged relative to a
// prior run's manifest, so unchanged content can be skipped.
package diffing

import (
	"github.com/borgius/confluence-exporter-sub000/internal/manifest"
)

// RemoteEntry is a lightweight description of a page or attachment as it
// currently exists in the wiki, obtained without fetching full content
// (e.g. from GetChildren/ListAttachments).
type RemoteEntry struct {
	ID           string
	Title        string
	Version      int
	IsAttachment bool
}

// Options controls how aggressively Plan treats entries as changed.
type Options struct {
	ForceFull        bool
	ContentHashCheck bool
}

// HashLookup resolves the current content hash for an entry, used only when
// Options.ContentHashCheck is set and the version number alone does not
// settle the decision. Returns ok=false when a hash could not be computed
// (e.g. content not yet fetched), in which case the version-only decision
// stands.
type HashLookup func(entry RemoteEntry) (hash string, ok bool)

// Result groups the decisions Plan made: the ids to re-fetch, the ids
// skipped, and the raw manifest diff behind those decisions.
type Result struct {
	PagesToProcess       []string
	AttachmentsToProcess []string
	Skipped              []string
	ManifestDiff         manifest.DiffResult
}

// Plan decides, for each entry in remote, whether it is added/modified
// (process) or unchanged (skip), by this precedence:
//  1. ForceFull forces "modified".
//  2. Absent from previous -> "added".
//  3. Present with a differing version (or, optionally, content hash) ->
//     "modified".
//  4. Otherwise -> "unchanged".
//
// Entries present in previous but absent from remote are reported as
// Deleted in ManifestDiff but never enqueued; purging local files for
// deleted remote content is left to the caller.
func Plan(remote []RemoteEntry, previous *manifest.Manifest, opts Options, hashOf HashLookup) Result {
	prevByID := map[string]manifest.Entry{}
	if previous != nil {
		prevByID = previous.ByID()
	}

	var result Result
	var diff manifest.DiffResult
	seen := make(map[string]struct{}, len(remote))

	for _, entry := range remote {
		seen[entry.ID] = struct{}{}
		decision, manifestEntry := decide(entry, prevByID, opts, hashOf)

		switch decision {
		case decisionAdded:
			diff.Added = append(diff.Added, manifestEntry)
			appendProcess(&result, entry)
		case decisionModified:
			diff.Modified = append(diff.Modified, manifestEntry)
			appendProcess(&result, entry)
		case decisionUnchanged:
			diff.Unchanged = append(diff.Unchanged, manifestEntry)
			result.Skipped = append(result.Skipped, entry.ID)
		}
	}

	for id, old := range prevByID {
		if _, stillPresent := seen[id]; !stillPresent {
			diff.Deleted = append(diff.Deleted, old)
		}
	}

	result.ManifestDiff = diff
	return result
}

type decision int

const (
	decisionAdded decision = iota
	decisionModified
	decisionUnchanged
)

func decide(entry RemoteEntry, prevByID map[string]manifest.Entry, opts Options, hashOf HashLookup) (decision, manifest.Entry) {
	old, existed := prevByID[entry.ID]

	build := func(status manifest.EntryStatus, hash string) manifest.Entry {
		h := hash
		if h == "" {
			h = old.Hash
		}
		return manifest.Entry{
			ID:      entry.ID,
			Title:   entry.Title,
			Path:    old.Path,
			Hash:    h,
			Version: entry.Version,
			Status:  status,
		}
	}

	if opts.ForceFull {
		return decisionModified, build(manifest.StatusExported, "")
	}
	if !existed {
		return decisionAdded, build(manifest.StatusExported, "")
	}
	if old.Version != entry.Version {
		return decisionModified, build(manifest.StatusExported, "")
	}
	if opts.ContentHashCheck && hashOf != nil {
		if hash, ok := hashOf(entry); ok && hash != old.Hash {
			return decisionModified, build(manifest.StatusExported, hash)
		}
	}
	return decisionUnchanged, build(manifest.StatusSkipped, "")
}

func appendProcess(result *Result, entry RemoteEntry) {
	if entry.IsAttachment {
		result.AttachmentsToProcess = append(result.AttachmentsToProcess, entry.ID)
	} else {
		result.PagesToProcess = append(result.PagesToProcess, entry.ID)
	}
}
