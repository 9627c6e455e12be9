// Command confluence-export crawls a Confluence space starting from a root
// page and writes it to disk as Markdown, discovering linked pages,
// attachments, and mentioned users as it goes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/borgius/confluence-exporter-sub000/internal/config"
	"github.com/borgius/confluence-exporter-sub000/internal/exporter"
	"github.com/borgius/confluence-exporter-sub000/internal/recovery"
)

// Exit codes the shell/CI sees: 0 success, 1 run aborted or failed, 2
// invalid configuration, 3 unrecoverable prior-run corruption.
const (
	exitOK            = 0
	exitAborted       = 1
	exitInvalidConfig = 2
	exitUnrecoverable = 3
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

type exportFlags struct {
	configPath        string
	spaceKey          string
	rootPageID        string
	outputDir         string
	concurrency       int
	discoveryPhaseCap int
	forceFull         bool
	contentHashCheck  bool
	noColor           bool

	forceResume       bool
	allowCorrupted    bool
	useBackup         bool
	validateIntegrity bool
	repairCorruption  bool

	exitCode int
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := &exportFlags{exitCode: exitOK}
	root := newRootCommand(flags)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		if flags.exitCode == exitOK {
			flags.exitCode = exitInvalidConfig
		}
	}
	return flags.exitCode
}

func newRootCommand(flags *exportFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "confluence-export",
		Short: "Export a Confluence space to Markdown",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Crawl a space starting at a root page and write it to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), flags)
		},
	}

	exportCmd.Flags().StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	exportCmd.Flags().StringVar(&flags.spaceKey, "space", "", "Confluence space key (required)")
	exportCmd.Flags().StringVar(&flags.rootPageID, "root-id", "", "root page id to start the crawl from (required)")
	exportCmd.Flags().StringVar(&flags.outputDir, "output", "", "directory to write exported Markdown into")
	exportCmd.Flags().IntVar(&flags.concurrency, "concurrency", 0, "number of concurrent page workers")
	exportCmd.Flags().IntVar(&flags.discoveryPhaseCap, "discovery-phase-cap", 0, "max discovery phases (drain rounds) before new discoveries are rejected (0 = keep the configured value)")
	exportCmd.Flags().BoolVar(&flags.forceFull, "fresh", false, "ignore the prior manifest and re-export every page")
	exportCmd.Flags().BoolVar(&flags.contentHashCheck, "verify-content", false, "hash page bodies to catch stale version numbers")
	exportCmd.Flags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")

	exportCmd.Flags().BoolVar(&flags.forceResume, "force-resume", false, "resume even if the prior run's queue looks unusual")
	exportCmd.Flags().BoolVar(&flags.allowCorrupted, "allow-corrupted", false, "start fresh if the snapshot and all backups are corrupt")
	exportCmd.Flags().BoolVar(&flags.useBackup, "use-backup", false, "restore from the newest backup instead of the primary snapshot")
	exportCmd.Flags().BoolVar(&flags.validateIntegrity, "validate", true, "run a structural consistency check after restoring")
	exportCmd.Flags().BoolVar(&flags.repairCorruption, "repair", false, "reset the queue to a known-good state if validation fails")

	root.AddCommand(exportCmd)
	return root
}

func runExport(ctx context.Context, flags *exportFlags) error {
	if flags.noColor {
		color.NoColor = true
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		flags.exitCode = exitInvalidConfig
		return err
	}
	applyFlags(&cfg, flags)

	if cfg.SpaceKey == "" || cfg.RootPageID == "" {
		flags.exitCode = exitInvalidConfig
		return errors.New("--space and --root-id are required")
	}

	client, transformer, err := buildCollaborators(cfg)
	if err != nil {
		flags.exitCode = exitInvalidConfig
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := exporter.Run(ctx, cfg, client, transformer, nil, logger)
	if err != nil {
		var unrecoverable *recovery.UnrecoverableError
		if errors.As(err, &unrecoverable) {
			flags.exitCode = exitUnrecoverable
			fmt.Fprintf(os.Stderr, "%s %v\n", red("unrecoverable:"), err)
			return nil
		}
		flags.exitCode = exitAborted
		fmt.Fprintf(os.Stderr, "%s %v\n", red("run failed:"), err)
		return nil
	}

	printReport(report)
	if report.Aborted {
		flags.exitCode = exitAborted
		return nil
	}
	flags.exitCode = exitOK
	return nil
}

func applyFlags(cfg *config.ExportConfig, flags *exportFlags) {
	if flags.spaceKey != "" {
		cfg.SpaceKey = flags.spaceKey
	}
	if flags.rootPageID != "" {
		cfg.RootPageID = flags.rootPageID
	}
	if flags.outputDir != "" {
		cfg.OutputDir = flags.outputDir
	}
	if flags.concurrency > 0 {
		cfg.Concurrency = flags.concurrency
	}
	if flags.discoveryPhaseCap > 0 {
		cfg.DiscoveryPhaseCap = flags.discoveryPhaseCap
	}
	cfg.ForceFull = cfg.ForceFull || flags.forceFull
	cfg.ContentHashCheck = cfg.ContentHashCheck || flags.contentHashCheck

	cfg.Resume.ForceResume = cfg.Resume.ForceResume || flags.forceResume
	cfg.Resume.AllowCorrupted = cfg.Resume.AllowCorrupted || flags.allowCorrupted
	cfg.Resume.UseBackup = cfg.Resume.UseBackup || flags.useBackup
	cfg.Resume.ValidateIntegrity = flags.validateIntegrity
	cfg.Resume.RepairCorruption = cfg.Resume.RepairCorruption || flags.repairCorruption
}

func printReport(report exporter.Report) {
	if report.Aborted {
		fmt.Printf("%s run aborted: %s\n", red("x"), report.AbortReason)
	} else {
		fmt.Printf("%s exported %d page(s)\n", green("done"), report.PagesExported)
	}
	if report.RestoredFrom != "" {
		fmt.Printf("  %s resumed from %s", yellow("resume"), report.RestoredFrom)
		if report.ItemsLost > 0 {
			fmt.Printf(" (%d item(s) lost)", report.ItemsLost)
		}
		fmt.Println()
	}
	diff := report.ManifestDiff
	fmt.Printf("  %s added=%d modified=%d deleted=%d unchanged=%d\n",
		bold("manifest diff:"), len(diff.Added), len(diff.Modified), len(diff.Deleted), len(diff.Unchanged))
}
