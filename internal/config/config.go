// Package config defines the exporter's typed runtime configuration and the
// viper-backed loader that fills it from environment variables and an
// optional config file over built-in defaults. Command-line flags are
// applied on top by the CLI, not by this package.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/borgius/confluence-exporter-sub000/internal/retry"
)

// ResumeOptions governs how a prior run's snapshot is treated at startup.
type ResumeOptions struct {
	ForceResume      bool `mapstructure:"force_resume" yaml:"force_resume"`
	AllowCorrupted   bool `mapstructure:"allow_corrupted" yaml:"allow_corrupted"`
	UseBackup        bool `mapstructure:"use_backup" yaml:"use_backup"`
	ValidateIntegrity bool `mapstructure:"validate_integrity" yaml:"validate_integrity"`
	RepairCorruption bool `mapstructure:"repair_corruption" yaml:"repair_corruption"`
}

// FailureThresholds bounds how much failure a run will tolerate before the
// governor aborts it.
type FailureThresholds struct {
	MaxConsecutiveFailures int     `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	MaxFailureRate         float64 `mapstructure:"max_failure_rate" yaml:"max_failure_rate"`
	MinSampleSize          int     `mapstructure:"min_sample_size" yaml:"min_sample_size"`
	MaxRestrictedPages     int     `mapstructure:"max_restricted_pages" yaml:"max_restricted_pages"`
}

// ExportConfig is the fully resolved configuration for one export run.
type ExportConfig struct {
	SpaceKey             string            `mapstructure:"space_key" yaml:"space_key"`
	RootPageID           string            `mapstructure:"root_page_id" yaml:"root_page_id"`
	OutputDir            string            `mapstructure:"output_dir" yaml:"output_dir"`
	Concurrency          int               `mapstructure:"concurrency" yaml:"concurrency"`
	MaxQueueSize         int               `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	PersistenceThreshold int               `mapstructure:"persistence_threshold" yaml:"persistence_threshold"`
	GracefulDrain        time.Duration     `mapstructure:"graceful_drain" yaml:"graceful_drain"`
	DiscoveryPhaseCap    int               `mapstructure:"discovery_phase_cap" yaml:"discovery_phase_cap"`
	ForceFull            bool              `mapstructure:"force_full" yaml:"force_full"`
	ContentHashCheck     bool              `mapstructure:"content_hash_check" yaml:"content_hash_check"`
	ColorOutput          bool              `mapstructure:"color_output" yaml:"color_output"`
	Resume               ResumeOptions     `mapstructure:"resume" yaml:"resume"`
	Thresholds           FailureThresholds `mapstructure:"thresholds" yaml:"thresholds"`

	// Wiki connection settings. The wiki client's implementation is outside
	// this module's specified scope; these three fields are only what the
	// CLI needs to construct one.
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	Username string `mapstructure:"username" yaml:"username"`
	APIToken string `mapstructure:"api_token" yaml:"api_token"`
}

// Default returns the exporter's built-in defaults, applied before flags,
// environment, and config file values are layered on top.
func Default() ExportConfig {
	return ExportConfig{
		OutputDir:            "./export",
		Concurrency:          8,
		MaxQueueSize:         100000,
		PersistenceThreshold: 50,
		GracefulDrain:        30 * time.Second,
		DiscoveryPhaseCap:    10,
		ColorOutput:          true,
		Resume: ResumeOptions{
			ValidateIntegrity: true,
		},
		Thresholds: FailureThresholds{
			MaxConsecutiveFailures: 20,
			MaxFailureRate:         0.5,
			MinSampleSize:          10,
			MaxRestrictedPages:     50,
		},
	}
}

// Load resolves an ExportConfig from defaults, an optional YAML file at
// configPath (skipped if empty or missing), and environment variables
// prefixed CONFLUENCE_EXPORT_ (e.g. CONFLUENCE_EXPORT_CONCURRENCY).
func Load(configPath string) (ExportConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("confluence_export")
	v.AutomaticEnv()

	def := Default()
	setDefaults(v, def)
	// Keys without a default are unknown to AutomaticEnv during Unmarshal,
	// so bind them explicitly to their CONFLUENCE_EXPORT_* variables.
	for _, key := range []string{"space_key", "root_page_id", "base_url", "username", "api_token"} {
		if err := v.BindEnv(key); err != nil {
			return ExportConfig{}, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return ExportConfig{}, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg ExportConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ExportConfig{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

func setDefaults(v *viper.Viper, def ExportConfig) {
	v.SetDefault("output_dir", def.OutputDir)
	v.SetDefault("concurrency", def.Concurrency)
	v.SetDefault("max_queue_size", def.MaxQueueSize)
	v.SetDefault("persistence_threshold", def.PersistenceThreshold)
	v.SetDefault("graceful_drain", def.GracefulDrain)
	v.SetDefault("discovery_phase_cap", def.DiscoveryPhaseCap)
	v.SetDefault("color_output", def.ColorOutput)
	v.SetDefault("resume.validate_integrity", def.Resume.ValidateIntegrity)
	v.SetDefault("thresholds.max_consecutive_failures", def.Thresholds.MaxConsecutiveFailures)
	v.SetDefault("thresholds.max_failure_rate", def.Thresholds.MaxFailureRate)
	v.SetDefault("thresholds.min_sample_size", def.Thresholds.MinSampleSize)
	v.SetDefault("thresholds.max_restricted_pages", def.Thresholds.MaxRestrictedPages)
}

// RetryTable builds the category->strategy table the retry package uses,
// currently a fixed table independent of ExportConfig; surfaced here as the
// seam where a future config file could override individual strategies.
func RetryTable() map[retry.Category]retry.Strategy {
	return retry.Table()
}

// GovernorThresholds translates the export config's failure thresholds into
// the governor's predicate inputs. MaxConsecutiveFailures maps to the page
// threshold: the governor counts terminal page failures, not a consecutive
// streak, which is the more conservative of the two readings.
func (c ExportConfig) GovernorThresholds() GovernorThresholds {
	return GovernorThresholds{
		AllowFailures:              c.Thresholds.MaxConsecutiveFailures > 0,
		PageThreshold:              c.Thresholds.MaxConsecutiveFailures,
		AttachmentThreshold:        c.Thresholds.MaxConsecutiveFailures,
		AttachmentPercentThreshold: c.Thresholds.MaxFailureRate * 100,
		RestrictedPagesAllowed:     c.Thresholds.MaxRestrictedPages > 0,
	}
}

// GovernorThresholds mirrors governor.Thresholds so this package does not
// need to import internal/governor just to expose the conversion above;
// callers convert field-by-field at the wiring site in internal/exporter.
type GovernorThresholds struct {
	AllowFailures              bool
	PageThreshold              int
	AttachmentThreshold        int
	AttachmentPercentThreshold float64
	RestrictedPagesAllowed     bool
}
