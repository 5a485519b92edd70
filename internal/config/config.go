// Package config loads the YAML-backed configuration shared by the
// download and climatology runners.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the archive, download pipeline, and
// climatology pipeline read at startup.
type Config struct {
	// ArchiveRoot is the directory housing index.db, data/, the
	// auxiliary catalogues, and climo/.
	ArchiveRoot string `yaml:"archive_root"`

	// HTTP configures the download pipeline's fetcher.
	HTTP HTTPConfig `yaml:"http"`

	// Pipeline holds the download pipeline's outstanding-request cap
	// and a channel_capacity value (see PipelineConfig).
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Logging toggles verbose (debug-level) logging.
	Logging LoggingConfig `yaml:"logging"`

	// SourceAdapter lists the configurable invalid-combination and
	// rewrite rules (spec §9 Open Questions: this table must be
	// configurable, not compiled in).
	SourceAdapter SourceAdapterConfig `yaml:"source_adapter"`
}

// HTTPConfig configures the fetcher's HTTP client.
type HTTPConfig struct {
	Host        string        `yaml:"host"`
	Timeout     time.Duration `yaml:"timeout"`
	FetchWorkers int          `yaml:"fetch_workers"`
}

// PipelineConfig configures the download pipeline's outstanding-request
// cap. ChannelCapacity is loaded but not read by either pipeline: their
// stage channels use the fixed ChannelCapacity constant (16) of
// internal/download and internal/climopipeline.
type PipelineConfig struct {
	ChannelCapacity int `yaml:"channel_capacity"`
	MaxOutstanding  int `yaml:"max_outstanding"`
}

// LoggingConfig controls the process-wide logger.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// InvalidComboConfig names a (site, model) pair invalid within [from, to).
type InvalidComboConfig struct {
	SiteId string     `yaml:"site_id"`
	Model  string     `yaml:"model"`
	From   *time.Time `yaml:"from"`
	To     *time.Time `yaml:"to"`
}

// RewriteConfig renames a site_id to a different upstream id for a
// given model within [from, to).
type RewriteConfig struct {
	FromSiteId string     `yaml:"from_site_id"`
	ToSiteId   string     `yaml:"to_site_id"`
	Model      string     `yaml:"model"`
	From       *time.Time `yaml:"from"`
	To         *time.Time `yaml:"to"`
}

// URLTemplateConfig names the text/template URL pattern used for a
// given model (fields SiteId and Init are available to the template).
type URLTemplateConfig struct {
	Model    string `yaml:"model"`
	Template string `yaml:"template"`
}

// SourceAdapterConfig is the operator-editable override for the source
// adapter's static predicate tables.
type SourceAdapterConfig struct {
	InvalidCombos []InvalidComboConfig `yaml:"invalid_combos"`
	Rewrites      []RewriteConfig      `yaml:"rewrites"`
	URLTemplates  []URLTemplateConfig  `yaml:"url_templates"`
}

// DefaultConfig returns sensible defaults for a fresh archive.
func DefaultConfig() *Config {
	return &Config{
		ArchiveRoot: "./archive",
		HTTP: HTTPConfig{
			Host:         "forecast.example.org",
			Timeout:      30 * time.Second,
			FetchWorkers: 3,
		},
		Pipeline: PipelineConfig{
			ChannelCapacity: 16,
			MaxOutstanding:  2000,
		},
		Logging: LoggingConfig{Debug: false},
	}
}

// Load reads and parses a YAML config file, filling any field absent
// from the file with DefaultConfig's value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
