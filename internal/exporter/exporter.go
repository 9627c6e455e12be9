package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/borgius/confluence-exporter-sub000/internal/config"
	"github.com/borgius/confluence-exporter-sub000/internal/diffing"
	"github.com/borgius/confluence-exporter-sub000/internal/discovery"
	"github.com/borgius/confluence-exporter-sub000/internal/governor"
	"github.com/borgius/confluence-exporter-sub000/internal/manifest"
	"github.com/borgius/confluence-exporter-sub000/internal/metrics"
	"github.com/borgius/confluence-exporter-sub000/internal/persistence"
	"github.com/borgius/confluence-exporter-sub000/internal/queue"
	"github.com/borgius/confluence-exporter-sub000/internal/recovery"
	"github.com/borgius/confluence-exporter-sub000/internal/scheduler"
	"github.com/borgius/confluence-exporter-sub000/internal/transform"
	"github.com/borgius/confluence-exporter-sub000/internal/usercache"
	"github.com/borgius/confluence-exporter-sub000/internal/wikiclient"
)

// Report summarizes one export run for the CLI to print and use as its
// exit-code decision input.
type Report struct {
	Aborted       bool
	AbortReason   string
	ItemsLost     int
	RestoredFrom  string // "" | "snapshot" | "backup"
	PagesExported int
	Metrics       queue.Metrics
	ManifestDiff  manifest.DiffResult
}

// Run executes one full export: resolve the snapshot/manifest paths,
// recover prior state if present, build the worker pool, and drive it to
// completion. client and transformer are the exporter's external
// collaborators; registry may be nil, in which case a private registry is
// used so metrics never collide with a caller's default registry.
func Run(ctx context.Context, cfg config.ExportConfig, client wikiclient.Client, transformer transform.Transformer, registry prometheus.Registerer, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	snapshotPath := filepath.Join(cfg.OutputDir, fmt.Sprintf(".queue-%s.json", cfg.SpaceKey))
	manifestPath := filepath.Join(cfg.OutputDir, fmt.Sprintf(".manifest-%s.yaml", cfg.SpaceKey))

	store := persistence.NewStore(snapshotPath)
	q := queue.New(cfg.MaxQueueSize, cfg.PersistenceThreshold)

	recResult, err := recovery.Run(store, q, cfg.Resume, logger)
	if err != nil {
		return Report{}, err
	}

	if !recResult.Restored {
		q.Add(queue.Item{PageID: cfg.RootPageID, SourceType: queue.SourceInitial})
	}

	prevManifest, err := manifest.Load(manifestPath)
	if err != nil {
		return Report{}, fmt.Errorf("exporter: load manifest: %w", err)
	}

	m := metrics.New(registry, "")
	thresholds := cfg.GovernorThresholds()
	gov := governor.New(governor.Thresholds{
		AllowFailures:              thresholds.AllowFailures,
		PageThreshold:              thresholds.PageThreshold,
		AttachmentThreshold:        thresholds.AttachmentThreshold,
		AttachmentPercentThreshold: thresholds.AttachmentPercentThreshold,
		RestrictedPagesAllowed:     thresholds.RestrictedPagesAllowed,
	})

	extractor := discovery.New(client, discovery.DefaultConfig())
	users := usercache.New(client)
	writer := NewWriter(cfg.OutputDir)
	pipeline := NewPipeline(client, transformer, extractor, users, writer, gov, logger, cfg.SpaceKey, cfg.BaseURL, func() int64 { return time.Now().UnixMilli() })
	pipeline.SetPrevious(prevManifest, diffing.Options{ForceFull: cfg.ForceFull, ContentHashCheck: cfg.ContentHashCheck})

	sched := scheduler.New(q, store, cfg.SpaceKey, pipeline.Process, gov, m, logger, scheduler.Options{
		Concurrency:          cfg.Concurrency,
		PersistenceThreshold: cfg.PersistenceThreshold,
		GracefulDrain:        cfg.GracefulDrain,
		DiscoveryPhaseCap:    cfg.DiscoveryPhaseCap,
	})

	runErr := sched.Run(ctx)

	// A fully drained, non-aborted run has nothing left to resume: clear its
	// snapshot so the next invocation re-seeds the root and treats the
	// manifest, not the queue, as the source of truth for what changed.
	if runErr == nil && !gov.ShouldAbort() && q.IsDrained() {
		if clearErr := store.Clear(); clearErr != nil {
			logger.Warn("snapshot clear failed", "error", clearErr)
		}
	}

	newManifest := manifest.New(cfg.SpaceKey, time.Now())
	newManifest.Entries = pipeline.Entries()
	if saveErr := manifest.Save(manifestPath, newManifest); saveErr != nil {
		logger.Error("manifest save failed", "error", saveErr)
	}
	diffResult := manifest.Diff(prevManifest, newManifest)

	report := Report{
		Aborted:       gov.ShouldAbort(),
		AbortReason:   gov.AbortReason(),
		ItemsLost:     recResult.ItemsLost,
		PagesExported: len(newManifest.Entries),
		Metrics:       q.Metrics(),
		ManifestDiff:  diffResult,
	}
	logger.Info("manifest diff", "added", len(diffResult.Added), "modified", len(diffResult.Modified), "deleted", len(diffResult.Deleted), "unchanged", len(diffResult.Unchanged))
	if recResult.Restored {
		report.RestoredFrom = "snapshot"
		if recResult.FromBackup {
			report.RestoredFrom = "backup"
		}
	}

	if runErr != nil {
		return report, runErr
	}
	return report, nil
}
