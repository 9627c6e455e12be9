// Package exporter wires the download queue, discovery extractor,
// transformer, manifest, and failure governor into the page pipeline the
// scheduler drives, and exposes the run's startup/resume/execute lifecycle.
package exporter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/borgius/confluence-exporter-sub000/internal/diffing"
	"github.com/borgius/confluence-exporter-sub000/internal/discovery"
	"github.com/borgius/confluence-exporter-sub000/internal/governor"
	"github.com/borgius/confluence-exporter-sub000/internal/manifest"
	"github.com/borgius/confluence-exporter-sub000/internal/queue"
	"github.com/borgius/confluence-exporter-sub000/internal/retry"
	"github.com/borgius/confluence-exporter-sub000/internal/scheduler"
	"github.com/borgius/confluence-exporter-sub000/internal/transform"
	"github.com/borgius/confluence-exporter-sub000/internal/usercache"
	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

const (
	titlePrefix = "title:"
	userPrefix  = "user:"
)

// Pipeline is the per-item page pipeline: fetch, transform, write, extract
// discoveries, resolve mentioned users. Process is safe for concurrent use
// by multiple scheduler worker goroutines; it owns its own locking for the
// manifest entries it accumulates.
type Pipeline struct {
	client      wikiclient.Client
	transformer transform.Transformer
	extractor   *discovery.Extractor
	users       *usercache.Cache
	writer      *Writer
	governor    *governor.Governor
	logger      *slog.Logger
	spaceKey    string
	baseURL     string
	now         func() int64 // ms since epoch, for discovery.Context.Now

	mu      sync.Mutex
	entries map[string]manifest.Entry

	previous *manifest.Manifest
	diffOpts diffing.Options
}

// SetPrevious gives the pipeline the prior run's manifest and the diff
// options to decide, per page, whether it can skip re-transforming and
// re-writing content that has not changed since then. Called once before a
// run starts; a nil previous (first run against a space) makes every page
// decide Added.
func (p *Pipeline) SetPrevious(previous *manifest.Manifest, opts diffing.Options) {
	p.previous = previous
	p.diffOpts = opts
}

// NewPipeline creates a Pipeline. now is injected so discovery timestamps
// stay deterministic in tests.
func NewPipeline(client wikiclient.Client, transformer transform.Transformer, extractor *discovery.Extractor, users *usercache.Cache, writer *Writer, gov *governor.Governor, logger *slog.Logger, spaceKey, baseURL string, now func() int64) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		client:      client,
		transformer: transformer,
		extractor:   extractor,
		users:       users,
		writer:      writer,
		governor:    gov,
		logger:      logger,
		spaceKey:    spaceKey,
		baseURL:     baseURL,
		now:         now,
		entries:     make(map[string]manifest.Entry),
	}
}

// Process implements scheduler.Processor.
func (p *Pipeline) Process(ctx context.Context, item queue.Item) (scheduler.ProcessResult, error) {
	switch {
	case strings.HasPrefix(item.PageID, userPrefix):
		return p.processUser(ctx, item)
	case strings.HasPrefix(item.PageID, titlePrefix):
		return p.processTitleReference(ctx, item)
	default:
		return p.processPage(ctx, item)
	}
}

func (p *Pipeline) processPage(ctx context.Context, item queue.Item) (scheduler.ProcessResult, error) {
	page, err := p.client.GetPage(ctx, item.PageID)
	if err != nil {
		return scheduler.ProcessResult{}, fmt.Errorf("fetch page %s: %w", item.PageID, err)
	}

	if entry, skip := p.decideSkip(page); skip {
		p.recordEntry(entry)

		discovered, err := p.runDiscovery(ctx, page, item)
		if err != nil {
			return scheduler.ProcessResult{}, err
		}
		p.processAttachments(ctx, page.ID, nil)
		return scheduler.ProcessResult{ContentHash: entry.Hash, Discovered: discovered}, nil
	}

	tctx := transform.Context{SpaceKey: p.spaceKey, BaseURL: p.baseURL}
	result, err := p.transformer.Transform(page, tctx)
	if err != nil {
		return scheduler.ProcessResult{}, fmt.Errorf("transform page %s: %w", item.PageID, err)
	}

	p.logContentSummary(page, result)

	path, err := p.writer.WritePage(page.ID, page.Title, result)
	if err != nil {
		return scheduler.ProcessResult{}, err
	}
	hash := contentHash(page.Body)
	p.recordEntry(manifest.Entry{
		ID: page.ID, Title: page.Title, Path: path, Hash: hash,
		Version: page.Version, Status: manifest.StatusExported, ParentID: page.ParentID,
	})

	discovered, err := p.runDiscovery(ctx, page, item)
	if err != nil {
		return scheduler.ProcessResult{}, err
	}
	discovered = append(discovered, p.discoveredFromTransform(result)...)

	p.processAttachments(ctx, page.ID, result.Attachments)

	return scheduler.ProcessResult{ContentHash: hash, Discovered: discovered}, nil
}

// decideSkip runs the incremental diff plan for a single fetched page
// against the prior manifest. A page is skippable only when a previous run
// recorded it, its version number (and, with ContentHashCheck, its raw body
// hash) hasn't moved, and ForceFull wasn't requested. The returned entry
// carries forward the prior path and hash so the manifest still lists it
// after a skip.
func (p *Pipeline) decideSkip(page wikiclient.Page) (manifest.Entry, bool) {
	if p.previous == nil {
		return manifest.Entry{}, false
	}
	remote := diffing.RemoteEntry{ID: page.ID, Title: page.Title, Version: page.Version}
	plan := diffing.Plan([]diffing.RemoteEntry{remote}, p.previous, p.diffOpts, func(diffing.RemoteEntry) (string, bool) {
		if !p.diffOpts.ContentHashCheck {
			return "", false
		}
		return contentHash(page.Body), true
	})
	if len(plan.Skipped) != 1 || len(plan.ManifestDiff.Unchanged) != 1 {
		return manifest.Entry{}, false
	}
	return plan.ManifestDiff.Unchanged[0], true
}

// logContentSummary logs the added and deleted line counts of a line diff
// of a re-exported page against what's already on disk, when there is a prior manifest
// entry for it and that file is still readable. Purely a reporting aid for
// operators watching "what changed this run"; the modified/unchanged
// decision itself runs on decideSkip's version (and optional hash) check.
func (p *Pipeline) logContentSummary(page wikiclient.Page, result transform.Result) {
	if p.previous == nil {
		return
	}
	prior, ok := p.previous.ByID()[page.ID]
	if !ok {
		return
	}
	oldContent, ok := p.writer.ReadPage(prior.Path)
	if !ok {
		return
	}
	summary := diffing.Summarize(page.ID, oldContent, result.Content, false)
	if summary.Unified == "" {
		return
	}
	p.logger.Info("page content changed", "pageId", page.ID, "addedLines", summary.AddedLines, "deletedLines", summary.DeletedLines)
}

// processTitleReference resolves a "title:<space>/<title>" placeholder
// candidate (emitted by the discovery extractor for display-route links
// that carry no page id) into a real page id, then re-enqueues it as a
// normal reference so the scheduler processes it like any other page.
func (p *Pipeline) processTitleReference(ctx context.Context, item queue.Item) (scheduler.ProcessResult, error) {
	rest := strings.TrimPrefix(item.PageID, titlePrefix)
	space, title, ok := strings.Cut(rest, "/")
	if !ok {
		return scheduler.ProcessResult{}, fmt.Errorf("malformed title reference %q", item.PageID)
	}

	page, err := p.client.GetPageByTitle(ctx, space, title)
	if err != nil {
		return scheduler.ProcessResult{}, fmt.Errorf("resolve title reference %q: %w", item.PageID, err)
	}
	if page == nil {
		p.logger.Warn("title reference did not resolve to a page", "spaceKey", space, "title", title)
		return scheduler.ProcessResult{}, nil
	}

	return scheduler.ProcessResult{
		Discovered: []queue.Item{{PageID: page.ID, SourceType: queue.SourceReference, ParentPageID: item.ParentPageID}},
	}, nil
}

// processUser resolves a "user:<username>" candidate through the user
// cache and records it in the manifest as a lightweight profile entry; it
// enqueues no further discoveries.
func (p *Pipeline) processUser(ctx context.Context, item queue.Item) (scheduler.ProcessResult, error) {
	username := strings.TrimPrefix(item.PageID, userPrefix)
	user, err := p.users.Resolve(ctx, username)
	if err != nil {
		return scheduler.ProcessResult{}, fmt.Errorf("resolve user %s: %w", username, err)
	}
	hash := contentHash(user.DisplayName)
	p.recordEntry(manifest.Entry{
		ID: item.PageID, Title: user.DisplayName, Hash: hash,
		Status: manifest.StatusExported, ParentID: item.ParentPageID,
	})
	return scheduler.ProcessResult{ContentHash: hash}, nil
}

func (p *Pipeline) runDiscovery(ctx context.Context, page wikiclient.Page, item queue.Item) ([]queue.Item, error) {
	if p.extractor == nil {
		return nil, nil
	}
	now := int64(0)
	if p.now != nil {
		now = p.now()
	}
	discovered, err := p.extractor.Extract(ctx, page, discovery.Context{
		CurrentPageID: page.ID,
		SpaceKey:      p.spaceKey,
		BaseURL:       p.baseURL,
		Now:           func() int64 { return now },
	})
	if err != nil {
		class := retry.Classify(err, retry.HintsFromError(err))
		if class.IsFatal() {
			return nil, err
		}
		p.logger.Warn("discovery failed for page, continuing without its candidates", "pageId", page.ID, "error", err)
		return nil, nil
	}
	return discovered, nil
}

// discoveredFromTransform folds the transformer's own link/attachment/user
// findings in alongside the discovery extractor's HTML-level walk, so a
// transformer that already parsed the body doesn't leave its candidates on
// the floor.
func (p *Pipeline) discoveredFromTransform(result transform.Result) []queue.Item {
	var items []queue.Item
	for _, link := range result.Links {
		if id, ok := strings.CutPrefix(link.Href, "page:"); ok {
			items = append(items, queue.Item{PageID: id, SourceType: queue.SourceReference})
		}
	}
	for _, user := range result.Users {
		if user.Username == "" {
			continue
		}
		items = append(items, queue.Item{PageID: userPrefix + user.Username, SourceType: queue.SourceUser})
	}
	return items
}

// processAttachments downloads every attachment the wiki client lists for
// pageID, then cross-checks referenced against the transformer's own
// attachment findings (e.g. "ac:image" placeholders in the body) so a
// reference the listing never surfaced — a broken or stale attachment link
// — is reported rather than silently rendered as a dead image.
func (p *Pipeline) processAttachments(ctx context.Context, pageID string, referenced []transform.AttachmentRef) {
	attachments, err := p.client.ListAttachments(ctx, pageID)
	if err != nil {
		p.logger.Warn("list attachments failed", "pageId", pageID, "error", err)
		return
	}

	listed := make(map[string]struct{}, len(attachments))
	for _, att := range attachments {
		listed[att.FileName] = struct{}{}
	}
	for _, ref := range referenced {
		if _, ok := listed[ref.FileName]; !ok {
			p.logger.Warn("attachment referenced in content but not found in listing", "pageId", pageID, "fileName", ref.FileName)
		}
	}

	for _, att := range attachments {
		data, err := p.client.DownloadAttachment(ctx, att)
		if err != nil {
			class := retry.Classify(err, retry.HintsFromError(err))
			if p.governor != nil {
				p.governor.RecordAttachmentOutcome(string(class.Category), true)
			}
			p.logger.Warn("attachment download failed", "pageId", pageID, "fileName", att.FileName, "error", err)
			continue
		}
		if _, err := p.writer.WriteAttachment(pageID, att.FileName, data); err != nil {
			if p.governor != nil {
				p.governor.RecordAttachmentOutcome("filesystem", true)
			}
			p.logger.Warn("attachment write failed", "pageId", pageID, "fileName", att.FileName, "error", err)
			continue
		}
		if p.governor != nil {
			p.governor.RecordAttachmentOutcome("", false)
		}
	}
}

func (p *Pipeline) recordEntry(e manifest.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[e.ID] = e
}

// Entries returns a snapshot of every manifest entry recorded so far.
func (p *Pipeline) Entries() []manifest.Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]manifest.Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:32]
}
