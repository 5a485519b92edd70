// Command firebuf prints a station/model's derived fire-weather
// climatology: per-day-of-year HDW deciles and evening Haines relative
// frequencies. Output is a plain tab-separated table; richer
// chart/table rendering is out of scope (spec.md §1).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"bufarch/internal/archive"
	"bufarch/internal/climostore"
	"bufarch/internal/config"
	"bufarch/internal/logging"
	"bufarch/internal/model"
)

var (
	configPath  string
	stationFlag uint32
	modelFlag   string
	dayOfYear   int
)

var rootCmd = &cobra.Command{
	Use:   "firebuf",
	Short: "Print a station/model's fire-weather climatology summary",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(false)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
	RunE: printSummary,
}

func printSummary(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
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
	station := model.StationNumber(stationFlag)

	summary, total, err := cs.FireSummary(station, m)
	if err != nil {
		return err
	}
	fmt.Printf("station=%d model=%s samples=%d\n", station, m, total)
	fmt.Println("doy\thdw_min\thdw_p50\thdw_max\thaines_freq")

	print := func(row climostore.FireSummaryRow) {
		cats := make([]int, 0, len(row.HainesFreq))
		for c := range row.HainesFreq {
			cats = append(cats, c)
		}
		sort.Ints(cats)
		freqs := ""
		for _, c := range cats {
			freqs += fmt.Sprintf("%d:%.2f ", c, row.HainesFreq[c])
		}
		fmt.Printf("%d\t%.1f\t%.1f\t%.1f\t%s\n", row.DayOfYear, row.HDWMin, row.HDWDeciles[4], row.HDWMax, freqs)
	}

	if dayOfYear > 0 {
		print(summary[dayOfYear-1])
		return nil
	}
	for _, row := range summary {
		print(row)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.Flags().Uint32Var(&stationFlag, "station", 0, "Station number")
	rootCmd.Flags().StringVar(&modelFlag, "model", "", "Model (gfs|nam|nam4km)")
	rootCmd.Flags().IntVar(&dayOfYear, "day-of-year", 0, "Print only this day of year (1-366); default prints all")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
