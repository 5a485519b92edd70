package archive

import (
	"context"
	"fmt"
	"time"

	"bufarch/internal/archiveindex"
	"bufarch/internal/bferrors"
	"bufarch/internal/logging"
	"bufarch/internal/model"
)

// CleanEventLevel classifies a progress message emitted by Clean.
type CleanEventLevel int

const (
	CleanInfo CleanEventLevel = iota
	CleanWarning
)

// CleanEvent is one progress message from a Clean run.
type CleanEvent struct {
	Level   CleanEventLevel
	Message string
}

// Clean runs the two-pass scrub described in spec §4.3: pass A removes
// index rows whose blob is missing from the blob store; pass B removes
// blobs no row references. Pass B always observes pass A's effects
// because it only starts after pass A's loop returns. Progress is
// reported on the returned channel, which is closed when Clean
// finishes.
func (s *Service) Clean(ctx context.Context) (<-chan CleanEvent, error) {
	events := make(chan CleanEvent, 16)
	go func() {
		defer close(events)
		timer := logging.StartTimer(logging.CategoryArchive, "Clean")
		defer timer.Stop()

		// Pass A.
		all, err := s.ai.AllFiles()
		if err != nil {
			events <- CleanEvent{Level: CleanWarning, Message: fmt.Sprintf("pass A: list files: %v", err)}
			return
		}
		for _, f := range all {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.bs.Exists(f.FileHash) {
				continue
			}
			if err := s.ai.DeleteFile(f.StationNumber, f.Model, f.InitTime); err != nil {
				events <- CleanEvent{Level: CleanWarning, Message: fmt.Sprintf("pass A: delete orphaned row: %v", err)}
				continue
			}
			events <- CleanEvent{Level: CleanWarning, Message: fmt.Sprintf(
				"removed index row for station %d model %s init %s: blob %s missing",
				f.StationNumber, f.Model, f.InitTime.Format(time.RFC3339), f.FileHash)}
		}

		// Pass B: runs strictly after pass A completes, since pass A
		// may itself have just orphaned blobs pass B needs to see.
		referenced := make(map[string]struct{})
		remaining, err := s.ai.AllFiles()
		if err != nil {
			events <- CleanEvent{Level: CleanWarning, Message: fmt.Sprintf("pass B: list files: %v", err)}
			return
		}
		for _, f := range remaining {
			referenced[f.FileHash] = struct{}{}
		}
		blobs, err := s.bs.List()
		if err != nil {
			events <- CleanEvent{Level: CleanWarning, Message: fmt.Sprintf("pass B: list blobs: %v", err)}
			return
		}
		for hash := range blobs {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, ok := referenced[hash]; ok {
				continue
			}
			if err := s.bs.Delete(hash); err != nil {
				events <- CleanEvent{Level: CleanWarning, Message: fmt.Sprintf("pass B: delete orphaned blob %s: %v", hash, err)}
				continue
			}
			events <- CleanEvent{Level: CleanInfo, Message: fmt.Sprintf("removed orphaned blob %s", hash)}
		}

		if err := s.ai.Compact(); err != nil {
			events <- CleanEvent{Level: CleanWarning, Message: fmt.Sprintf("compact: %v", err)}
			return
		}
		events <- CleanEvent{Level: CleanInfo, Message: "clean complete"}
	}()
	return events, nil
}

// Export copies every blob and index row matching the given stations,
// models, and [start, end] window into a fresh archive rooted at dest.
// An empty stations or models slice matches every station or model,
// respectively.
func (s *Service) Export(stations []model.StationNumber, models []model.Model, start, end time.Time, dest string) error {
	rows, err := s.ai.FilesInRange(stations, models, start, end)
	if err != nil {
		return err
	}
	out, err := Create(dest, s.parser)
	if err != nil {
		return err
	}
	defer out.Close()

	siteCache := make(map[model.StationNumber]struct{})
	for _, row := range rows {
		raw, err := s.bs.Get(row.FileHash)
		if err != nil {
			return err
		}
		hash, err := out.bs.Put(raw)
		if err != nil {
			return err
		}
		tx, err := out.ai.Begin()
		if err != nil {
			return err
		}
		if _, ok := siteCache[row.StationNumber]; !ok {
			info, err := s.ai.GetSite(row.StationNumber)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			if info == nil {
				info = &model.SiteInfo{StationNumber: row.StationNumber}
			}
			if err := archiveindex.UpsertSiteInfoTx(tx, *info); err != nil {
				_ = tx.Rollback()
				return err
			}
			bindings, err := s.ai.BindingsForStation(row.StationNumber)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			for _, b := range bindings {
				if err := archiveindex.UpsertBindingTx(tx, b.SiteId, b.Model, b.StationNumber, b.MostRecentInitTime); err != nil {
					_ = tx.Rollback()
					return err
				}
			}
			siteCache[row.StationNumber] = struct{}{}
		}
		if err := archiveindex.InsertFileTx(tx, row.StationNumber, row.Model, row.InitTime, hash); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return bferrors.New(bferrors.IO, fmt.Errorf("commit export row: %w", err))
		}
	}
	return nil
}

// Copy duplicates the entire archive, unfiltered, into a fresh archive
// rooted at dest. A supplemented operation grounded on bkam copy
// (SPEC_FULL §9.1).
func (s *Service) Copy(dest string) error {
	return s.Export(nil, nil, time.Unix(0, 0).UTC(), time.Now().UTC().Add(100*365*24*time.Hour), dest)
}
