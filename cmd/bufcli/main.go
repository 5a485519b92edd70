// Command bufcli drives the climatology pipeline against an existing
// archive: build (full, force-rebuild), update (incremental, skipping
// already-processed cycles), and reset (prune a station's climatology
// rows so the next build starts clean).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"bufarch/internal/archive"
	"bufarch/internal/climopipeline"
	"bufarch/internal/climostore"
	"bufarch/internal/config"
	"bufarch/internal/logging"
	"bufarch/internal/model"
	"bufarch/internal/sounding"
)

var (
	configPath  string
	stationFlag uint32
	modelFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "bufcli",
	Short: "Bufkit climatology runner",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(false)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Force-rebuild climatology for a station/model from scratch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(true)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Incrementally process cycles not yet in the climatology store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(false)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Prune a station's climatology rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cs, err := climostore.Open(filepath.Join(cfg.ArchiveRoot, archive.ClimoDirName, archive.ClimoDBName))
		if err != nil {
			return err
		}
		defer cs.Close()
		m, err := model.ParseModel(modelFlag)
		if err != nil {
			return err
		}
		return cs.PruneStale(model.StationNumber(stationFlag), m)
	},
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(configPath)
}

func runPipeline(forceRebuild bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	as, err := archive.Connect(cfg.ArchiveRoot, sounding.StubParser{})
	if err != nil {
		return err
	}
	defer as.Close()

	cs, err := climostore.Open(filepath.Join(cfg.ArchiveRoot, archive.ClimoDirName, archive.ClimoDBName))
	if err != nil {
		return err
	}
	defer cs.Close()

	m, err := model.ParseModel(modelFlag)
	if err != nil {
		return err
	}
	station := model.StationNumber(stationFlag)

	site, err := as.Site(station)
	if err != nil {
		return err
	}
	var offset time.Duration
	if site != nil {
		offset = site.Offset()
	}

	enumCfg := climopipeline.EnumConfig{
		Stations:     []model.StationNumber{station},
		Models:       []model.Model{m},
		ForceRebuild: forceRebuild,
	}

	ctx := context.Background()
	loads := climopipeline.Enumerate(ctx, enumCfg, as, cs)
	parsed := climopipeline.Load(ctx, loads, as)
	parseOut := climopipeline.Parse(ctx, parsed, sounding.StubParser{})
	written := climopipeline.FireStats(ctx, parseOut, sounding.StubFireCalculator{}, func(model.StationNumber) time.Duration { return offset })
	results := climopipeline.Write(ctx, written, cs)
	summary := climopipeline.Report(ctx, results, as)

	fmt.Printf("completed=%d data_errors=%d\n", summary.Completed, summary.DataErrors)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().Uint32Var(&stationFlag, "station", 0, "Station number")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model (gfs|nam|nam4km)")
	rootCmd.AddCommand(buildCmd, updateCmd, resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
