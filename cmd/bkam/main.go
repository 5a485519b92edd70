// Command bkam manages a Bufkit archive directly: creating one,
// inspecting its sites and inventory, importing raw files, repairing a
// drifted id binding, and bulk copy/export/purge. Argument parsing
// stays deliberately thin, mirroring only the teacher's cmd/nerd/main.go
// registration shape, not its business logic.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"bufarch/internal/archive"
	"bufarch/internal/auxcatalog"
	"bufarch/internal/bferrors"
	"bufarch/internal/logging"
	"bufarch/internal/model"
	"bufarch/internal/sounding"
)

var (
	archiveRoot string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "bkam",
	Short: "Bufkit archive manager",
	Long:  "bkam creates and maintains a content-addressed archive of Bufkit soundings.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Init(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Initialize a new archive at --archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := archive.Create(archiveRoot, sounding.StubParser{})
		if err != nil {
			return err
		}
		defer as.Close()
		fmt.Println("created archive at", as.Root())
		return nil
	},
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "List every known site",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		sites, err := as.Sites()
		if err != nil {
			return err
		}
		for _, s := range sites {
			fmt.Printf("%d\tauto_download=%v\n", s.StationNumber, s.AutoDownload)
		}
		return nil
	},
}

var (
	invStation uint32
	invModel   string
)

var invCmd = &cobra.Command{
	Use:   "inv",
	Short: "Print the recorded inventory for a station/model",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		m, err := model.ParseModel(invModel)
		if err != nil {
			return err
		}
		times, err := as.Inventory(model.StationNumber(invStation), m)
		if err != nil {
			return err
		}
		for _, t := range times {
			fmt.Println(t.Format(time.RFC3339))
		}
		return nil
	},
}

var (
	modifyStation      uint32
	modifyName         string
	modifyState        string
	modifyNotes        string
	modifyUTCOffsetHrs float64
	modifyAutoDownload bool
)

var modifyCmd = &cobra.Command{
	Use:   "modify",
	Short: "Update a site's mutable metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		offset := time.Duration(modifyUTCOffsetHrs * float64(time.Hour))
		info := model.SiteInfo{
			StationNumber: model.StationNumber(modifyStation),
			Name:          strPtrOrNil(modifyName),
			State:         strPtrOrNil(modifyState),
			Notes:         strPtrOrNil(modifyNotes),
			UTCOffset:     &offset,
			AutoDownload:  modifyAutoDownload,
		}
		return as.UpdateSite(info)
	},
}

var importFile string
var importSiteID string
var importModel string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Add a single local Bufkit file to the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		raw, err := os.ReadFile(importFile)
		if err != nil {
			return err
		}
		m, err := model.ParseModel(importModel)
		if err != nil {
			return err
		}
		outcome, err := as.Add(model.NewSiteId(importSiteID), m, raw)
		if err != nil {
			return err
		}
		fmt.Printf("added station=%d init_time=%s\n", outcome.StationNumber, outcome.InitTime.Format(time.RFC3339))
		if outcome.Rebind != nil {
			fmt.Printf("rebound site_id from station %d to %d\n", outcome.Rebind.Old, outcome.Rebind.New)
		}
		return nil
	},
}

var purgeStation uint32

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every entry for a decommissioned station",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		return as.PurgeStation(model.StationNumber(purgeStation))
	},
}

var (
	fixSiteID  string
	fixModel   string
	fixStation uint32
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Re-derive an id binding from the most recent file on record",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		m, err := model.ParseModel(fixModel)
		if err != nil {
			return err
		}
		return as.Reconcile(model.NewSiteId(fixSiteID), m, model.StationNumber(fixStation))
	},
}

var copyDest string

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Bulk-copy the whole archive to a new root",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		return as.Copy(copyDest)
	},
}

var (
	exportDest    string
	exportStart   string
	exportEnd     string
	exportModel   string
	exportStation uint32
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Filtered bulk copy of one station/model within a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		m, err := model.ParseModel(exportModel)
		if err != nil {
			return err
		}
		start, err := time.Parse(time.RFC3339, exportStart)
		if err != nil {
			return fmt.Errorf("parse --start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, exportEnd)
		if err != nil {
			return fmt.Errorf("parse --end: %w", err)
		}
		return as.Export([]model.StationNumber{model.StationNumber(exportStation)}, []model.Model{m}, start, end, exportDest)
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Two-pass scrub of orphaned index rows and blobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		as, err := connect()
		if err != nil {
			return err
		}
		defer as.Close()
		events, err := as.Clean(context.Background())
		if err != nil {
			return err
		}
		for ev := range events {
			fmt.Println(ev.Message)
		}
		return nil
	},
}

var autoDownloadStation uint32

// autoDownloadListCmd prints the stations enrolled in the dedicated
// auto_download.db table, distinct from the per-site sites.auto_download
// column modify toggles (spec §4.4's AutoDownloadListDb).
var autoDownloadListCmd = &cobra.Command{
	Use:   "auto-download-list",
	Short: "List stations enrolled for auto-download",
	RunE: func(cmd *cobra.Command, args []string) error {
		dl, err := openAutoDownloadList()
		if err != nil {
			return err
		}
		defer dl.Close()
		stations, err := dl.List()
		if err != nil {
			return err
		}
		for _, s := range stations {
			fmt.Println(s)
		}
		return nil
	},
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Add a station to the auto-download list",
	RunE: func(cmd *cobra.Command, args []string) error {
		dl, err := openAutoDownloadList()
		if err != nil {
			return err
		}
		defer dl.Close()
		return dl.Add(model.StationNumber(autoDownloadStation))
	},
}

var unenrollCmd = &cobra.Command{
	Use:   "unenroll",
	Short: "Remove a station from the auto-download list",
	RunE: func(cmd *cobra.Command, args []string) error {
		dl, err := openAutoDownloadList()
		if err != nil {
			return err
		}
		defer dl.Close()
		return dl.Remove(model.StationNumber(autoDownloadStation))
	},
}

func openAutoDownloadList() (*auxcatalog.AutoDownloadList, error) {
	return auxcatalog.OpenAutoDownloadList(filepath.Join(archiveRoot, archive.AutoDownloadDBName))
}

func connect() (*archive.Service, error) {
	return archive.Connect(archiveRoot, sounding.StubParser{})
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func init() {
	rootCmd.PersistentFlags().StringVar(&archiveRoot, "archive", "./archive", "Archive root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	invCmd.Flags().Uint32Var(&invStation, "station", 0, "Station number")
	invCmd.Flags().StringVar(&invModel, "model", "", "Model (gfs|nam|nam4km)")

	modifyCmd.Flags().Uint32Var(&modifyStation, "station", 0, "Station number")
	modifyCmd.Flags().StringVar(&modifyName, "name", "", "Site name")
	modifyCmd.Flags().StringVar(&modifyState, "state", "", "Site state/province")
	modifyCmd.Flags().StringVar(&modifyNotes, "notes", "", "Freeform notes")
	modifyCmd.Flags().Float64Var(&modifyUTCOffsetHrs, "utc-offset-hours", 0, "UTC offset in hours")
	modifyCmd.Flags().BoolVar(&modifyAutoDownload, "auto-download", false, "Enable automatic downloads")

	importCmd.Flags().StringVar(&importFile, "file", "", "Path to a raw Bufkit file")
	importCmd.Flags().StringVar(&importSiteID, "site-id", "", "Upstream site id")
	importCmd.Flags().StringVar(&importModel, "model", "", "Model (gfs|nam|nam4km)")
	importCmd.MarkFlagRequired("file")
	importCmd.MarkFlagRequired("site-id")
	importCmd.MarkFlagRequired("model")

	purgeCmd.Flags().Uint32Var(&purgeStation, "station", 0, "Station number")
	purgeCmd.MarkFlagRequired("station")

	fixCmd.Flags().StringVar(&fixSiteID, "site-id", "", "Upstream site id")
	fixCmd.Flags().StringVar(&fixModel, "model", "", "Model (gfs|nam|nam4km)")
	fixCmd.Flags().Uint32Var(&fixStation, "station", 0, "Correct station number")

	copyCmd.Flags().StringVar(&copyDest, "dest", "", "Destination archive root")
	copyCmd.MarkFlagRequired("dest")

	exportCmd.Flags().StringVar(&exportDest, "dest", "", "Destination archive root")
	exportCmd.Flags().Uint32Var(&exportStation, "station", 0, "Station number")
	exportCmd.Flags().StringVar(&exportModel, "model", "", "Model (gfs|nam|nam4km)")
	exportCmd.Flags().StringVar(&exportStart, "start", "", "Start (RFC3339)")
	exportCmd.Flags().StringVar(&exportEnd, "end", "", "End (RFC3339)")
	exportCmd.MarkFlagRequired("dest")

	enrollCmd.Flags().Uint32Var(&autoDownloadStation, "station", 0, "Station number")
	enrollCmd.MarkFlagRequired("station")
	unenrollCmd.Flags().Uint32Var(&autoDownloadStation, "station", 0, "Station number")
	unenrollCmd.MarkFlagRequired("station")

	rootCmd.AddCommand(createCmd, sitesCmd, invCmd, modifyCmd, importCmd, purgeCmd, fixCmd, copyCmd, exportCmd, cleanCmd,
		autoDownloadListCmd, enrollCmd, unenrollCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if k, ok := bferrors.KindOf(err); ok {
			fmt.Fprintln(os.Stderr, "kind:", k)
		}
		os.Exit(1)
	}
}
