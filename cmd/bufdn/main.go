// Command bufdn runs the download pipeline: it enumerates candidate
// forecast cycles, fetches them from the configured upstream source,
// persists accepted payloads into the archive, and reports a summary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"bufarch/internal/archive"
	"bufarch/internal/auxcatalog"
	"bufarch/internal/config"
	"bufarch/internal/download"
	"bufarch/internal/logging"
	"bufarch/internal/model"
	"bufarch/internal/sourceadapter"
	"bufarch/internal/sounding"
)

var (
	configPath string
	sitesFlag  []string
	modelsFlag []string
	startFlag  string
	endFlag    string
)

var rootCmd = &cobra.Command{
	Use:   "bufdn",
	Short: "Bufkit download pipeline runner",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(false)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: runDownload,
}

func runDownload(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := logging.Init(cfg.Logging.Debug); err != nil {
		return err
	}

	as, err := archive.Connect(cfg.ArchiveRoot, sounding.StubParser{})
	if err != nil {
		return err
	}
	defer as.Close()

	adapter, err := sourceadapter.FromConfig(cfg.SourceAdapter)
	if err != nil {
		return err
	}
	adapters := []sourceadapter.Adapter{adapter}

	missingDB, err := auxcatalog.OpenMissingURLs(filepath.Join(cfg.ArchiveRoot, archive.MissingURLDBName))
	if err != nil {
		return err
	}
	defer missingDB.Close()

	autoDownloadDB, err := auxcatalog.OpenAutoDownloadList(filepath.Join(cfg.ArchiveRoot, archive.AutoDownloadDBName))
	if err != nil {
		return err
	}
	defer autoDownloadDB.Close()

	sites := make([]model.SiteId, 0, len(sitesFlag))
	for _, s := range sitesFlag {
		sites = append(sites, model.NewSiteId(s))
	}
	models := make([]model.Model, 0, len(modelsFlag))
	for _, m := range modelsFlag {
		parsed, err := model.ParseModel(m)
		if err != nil {
			return err
		}
		models = append(models, parsed)
	}

	start, err := time.Parse(time.RFC3339, startFlag)
	if err != nil {
		return fmt.Errorf("parse --start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, endFlag)
	if err != nil {
		return fmt.Errorf("parse --end: %w", err)
	}

	genCfg := download.GenConfig{
		Sites:          sites,
		Models:         models,
		Start:          start,
		End:            end,
		MaxOutstanding: cfg.Pipeline.MaxOutstanding,
	}

	ctx := context.Background()
	client := &http.Client{Timeout: cfg.HTTP.Timeout}

	requests := download.Generate(ctx, genCfg, adapters, as, missingDB, autoDownloadDB)
	fetched := download.Fetch(ctx, requests, client, cfg.HTTP.FetchWorkers)
	persisted := download.Persist(ctx, fetched, as)
	summary := download.Report(ctx, persisted, missingDB)

	fmt.Printf("success=%d parse_error=%d archive_error=%d id_moved=%d not_found=%d other_error=%d\n",
		summary.Success, summary.ParseError, summary.Archive, summary.IdMoved, summary.NotFound, summary.OtherError)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.Flags().StringSliceVar(&sitesFlag, "sites", nil, "Upstream site ids to poll")
	rootCmd.Flags().StringSliceVar(&modelsFlag, "models", nil, "Models to poll (gfs|nam|nam4km)")
	rootCmd.Flags().StringVar(&startFlag, "start", "", "Earliest init_time to enumerate (RFC3339)")
	rootCmd.Flags().StringVar(&endFlag, "end", "", "Latest init_time to enumerate (RFC3339)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
