// Package archive implements the Archive Service (AS): the component
// that orchestrates the Blob Store and Archive Index behind a single
// cross-store-consistent API (spec §4.3). It is modeled on the
// teacher's internal/store/local.go, which composes several SQLite-
// backed sub-stores (vector, graph, cold) behind one top-level type;
// here the composition is a content-addressed blob store plus a
// relational index instead.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"bufarch/internal/archiveindex"
	"bufarch/internal/bferrors"
	"bufarch/internal/blobstore"
	"bufarch/internal/logging"
	"bufarch/internal/model"
	"bufarch/internal/sounding"

	"go.uber.org/zap"
)

// Service is the archive's public API: add/retrieve/remove/list/clean/
// export, each atomic from the caller's point of view.
type Service struct {
	root   string
	bs     *blobstore.Store
	ai     *archiveindex.Index
	parser sounding.Parser
}

// AddOutcome describes the result of a successful Add.
type AddOutcome struct {
	StationNumber model.StationNumber
	InitTime      time.Time
	// Rebind is non-nil when this add legitimately moved a site_id's
	// binding to a new station (spec §4.3 step 4).
	Rebind *Rebind
}

// Rebind records an accepted site_id rebinding.
type Rebind struct {
	Old, New model.StationNumber
}

// Create initializes a brand-new archive rooted at root: the root and
// data directories and an empty index. It is an error to Create over
// an already-initialized archive.
func Create(root string, parser sounding.Parser) (*Service, error) {
	indexPath := filepath.Join(root, IndexDBName)
	if _, err := os.Stat(indexPath); err == nil {
		return nil, bferrors.Newf(bferrors.IO, "archive already initialized at %s", root)
	}
	if err := os.MkdirAll(filepath.Join(root, DataDirName), 0o755); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("create archive root: %w", err))
	}
	ai, err := archiveindex.Create(indexPath)
	if err != nil {
		return nil, err
	}
	bs, err := blobstore.Open(filepath.Join(root, DataDirName))
	if err != nil {
		ai.Close()
		return nil, err
	}
	return &Service{root: root, bs: bs, ai: ai, parser: parser}, nil
}

// Connect opens an existing archive, failing if its index is missing.
func Connect(root string, parser sounding.Parser) (*Service, error) {
	indexPath := filepath.Join(root, IndexDBName)
	if _, err := os.Stat(indexPath); err != nil {
		return nil, bferrors.New(bferrors.NotFound, fmt.Errorf("no archive at %s: %w", root, err))
	}
	ai, err := archiveindex.Connect(indexPath)
	if err != nil {
		return nil, err
	}
	bs, err := blobstore.Open(filepath.Join(root, DataDirName))
	if err != nil {
		ai.Close()
		return nil, err
	}
	return &Service{root: root, bs: bs, ai: ai, parser: parser}, nil
}

// Close releases the underlying index handle.
func (s *Service) Close() error { return s.ai.Close() }

// Root returns the archive's root directory.
func (s *Service) Root() string { return s.root }

// Add parses raw, stores its payload content-addressed in the blob
// store, and commits a consistent Archive Index row, implementing the
// seven-step algorithm of spec §4.3.
func (s *Service) Add(siteID model.SiteId, m model.Model, raw []byte) (AddOutcome, error) {
	timer := logging.StartTimer(logging.CategoryArchive, "Add")
	defer timer.Stop()
	log := logging.Get(logging.CategoryArchive)

	// Step 1: parse.
	parsed, err := s.parser.Parse(raw)
	if err != nil {
		return AddOutcome{}, err
	}
	if len(parsed.Analyses) == 0 {
		return AddOutcome{}, bferrors.Newf(bferrors.InvalidData, "parsed file has no analyses")
	}

	// Step 2: persist the blob before the index commit; if everything
	// past this point fails, the blob becomes unreferenced and Clean
	// reclaims it later.
	hash, err := s.bs.Put(raw)
	if err != nil {
		return AddOutcome{}, err
	}

	// Step 4's binding lookup runs just before the transaction opens:
	// the index has a single connection, which an open transaction holds.
	existing, err := s.ai.GetBinding(siteID, m)
	if err != nil {
		return AddOutcome{}, err
	}

	// Steps 3-7: the index mutation, as one transaction.
	tx, err := s.ai.Begin()
	if err != nil {
		return AddOutcome{}, err
	}
	rollback := func(err error) (AddOutcome, error) {
		_ = tx.Rollback()
		return AddOutcome{}, err
	}

	outcome := AddOutcome{StationNumber: parsed.StationNumber, InitTime: parsed.InitTime}

	switch {
	case existing == nil:
		if err := archiveindex.UpsertBindingTx(tx, siteID, m, parsed.StationNumber, parsed.InitTime); err != nil {
			return rollback(err)
		}
	case existing.StationNumber == parsed.StationNumber:
		mostRecent := existing.MostRecentInitTime
		if parsed.InitTime.After(mostRecent) {
			mostRecent = parsed.InitTime
		}
		if err := archiveindex.UpsertBindingTx(tx, siteID, m, parsed.StationNumber, mostRecent); err != nil {
			return rollback(err)
		}
	default:
		if parsed.InitTime.After(existing.MostRecentInitTime) {
			log.Warn("rebinding site id to new station",
				zap.String("site_id", string(siteID)),
				zap.Uint32("old_station", uint32(existing.StationNumber)),
				zap.Uint32("new_station", uint32(parsed.StationNumber)))
			if err := archiveindex.UpsertBindingTx(tx, siteID, m, parsed.StationNumber, parsed.InitTime); err != nil {
				return rollback(err)
			}
			outcome.Rebind = &Rebind{Old: existing.StationNumber, New: parsed.StationNumber}
		} else {
			_ = tx.Rollback()
			return AddOutcome{}, bferrors.IdMoved(existing.StationNumber, parsed.StationNumber)
		}
	}

	if err := archiveindex.UpsertSiteTx(tx, parsed.StationNumber); err != nil {
		return rollback(err)
	}
	if err := archiveindex.InsertFileTx(tx, parsed.StationNumber, m, parsed.InitTime, hash); err != nil {
		return rollback(err)
	}
	if err := tx.Commit(); err != nil {
		return AddOutcome{}, bferrors.New(bferrors.IO, fmt.Errorf("commit add: %w", err))
	}
	return outcome, nil
}

// Retrieve returns the payload stored for (station, model, init_time).
func (s *Service) Retrieve(station model.StationNumber, m model.Model, initTime time.Time) ([]byte, error) {
	hash, err := s.ai.FileHash(station, m, initTime)
	if err != nil {
		return nil, err
	}
	return s.bs.Get(hash)
}

// RetrieveMostRecent returns the payload for the latest init_time on
// record for (station, model).
func (s *Service) RetrieveMostRecent(station model.StationNumber, m model.Model) ([]byte, time.Time, error) {
	t, err := s.ai.MostRecentInitTime(station, m)
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := s.Retrieve(station, m, t)
	return raw, t, err
}

// FileExists reports whether (station, model, init_time) is on record.
func (s *Service) FileExists(station model.StationNumber, m model.Model, initTime time.Time) (bool, error) {
	_, err := s.ai.FileHash(station, m, initTime)
	if err == nil {
		return true, nil
	}
	if bferrors.Is(err, bferrors.NotFound) {
		return false, nil
	}
	return false, err
}

// FileExistsForID is the site_id-keyed convenience form of FileExists.
func (s *Service) FileExistsForID(siteID model.SiteId, m model.Model, initTime time.Time) (bool, error) {
	station, err := s.ai.StationForID(siteID, m)
	if err != nil {
		if bferrors.Is(err, bferrors.NotInIndex) {
			return false, nil
		}
		return false, err
	}
	return s.FileExists(station, m, initTime)
}

// Inventory returns the ordered sequence of init_times present for
// (station, model).
func (s *Service) Inventory(station model.StationNumber, m model.Model) ([]time.Time, error) {
	return s.ai.Inventory(station, m)
}

// MissingInventory enumerates the arithmetic-progression gaps between
// the earliest present init_time and upperBound (or the latest present
// init_time, if upperBound is nil), stepping by the model's cadence
// (spec §4.3, property P5).
func (s *Service) MissingInventory(station model.StationNumber, m model.Model, upperBound *time.Time) ([]time.Time, error) {
	present, err := s.ai.Inventory(station, m)
	if err != nil {
		return nil, err
	}
	if len(present) == 0 {
		return nil, nil
	}
	presentSet := make(map[time.Time]struct{}, len(present))
	for _, t := range present {
		presentSet[t] = struct{}{}
	}
	lowest := present[0]
	upper := present[len(present)-1]
	if upperBound != nil {
		upper = upperBound.UTC()
	}
	step := time.Duration(m.HoursBetweenRuns()) * time.Hour
	if step <= 0 {
		return nil, bferrors.Newf(bferrors.InvalidData, "model %s has no defined cadence", m)
	}

	var missing []time.Time
	for t := lowest; !t.After(upper); t = t.Add(step) {
		if _, ok := presentSet[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// Remove deletes a single (station, model, init_time) entry, reclaiming
// its blob if no other entry references it.
func (s *Service) Remove(station model.StationNumber, m model.Model, initTime time.Time) error {
	hash, err := s.ai.FileHash(station, m, initTime)
	if err != nil {
		return err
	}
	if err := s.ai.DeleteFile(station, m, initTime); err != nil {
		return err
	}
	n, err := s.ai.ReferenceCount(hash)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.bs.Delete(hash)
	}
	return nil
}

// Sites returns every known site.
func (s *Service) Sites() ([]model.SiteInfo, error) { return s.ai.Sites() }

// Site returns the site record for station, or nil if unknown.
func (s *Service) Site(station model.StationNumber) (*model.SiteInfo, error) {
	return s.ai.GetSite(station)
}

// UpdateSite replaces station's mutable metadata.
func (s *Service) UpdateSite(info model.SiteInfo) error { return s.ai.UpdateSite(info) }

// StationForID resolves a site_id/model pair to its bound station.
func (s *Service) StationForID(siteID model.SiteId, m model.Model) (model.StationNumber, error) {
	return s.ai.StationForID(siteID, m)
}

// Models returns the set of models with at least one file on record
// for station.
func (s *Service) Models(station model.StationNumber) (map[model.Model]struct{}, error) {
	return s.ai.ModelsForStation(station)
}

// BindingsForModel returns every site_id->station binding recorded for
// m, used by the Download Pipeline's Generator to resolve an
// auto-download station list back to fetchable site_ids (spec §4.5
// step 1's "explicit list or auto-download list").
func (s *Service) BindingsForModel(m model.Model) ([]model.IdBinding, error) {
	return s.ai.BindingsForModel(m)
}

// Reconcile force-binds (siteID, model) to station using the most
// recent init_time already on record for that station, bypassing the
// monotonic-rename check in Add. A supplemented operation grounded on
// bkam fix (SPEC_FULL §9.1); operators use it only when they are
// certain the automatic binding has drifted.
func (s *Service) Reconcile(siteID model.SiteId, m model.Model, station model.StationNumber) error {
	mostRecent, err := s.ai.MostRecentInitTime(station, m)
	if err != nil {
		return err
	}
	tx, err := s.ai.Begin()
	if err != nil {
		return err
	}
	if err := archiveindex.UpsertBindingTx(tx, siteID, m, station, mostRecent); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("commit reconcile: %w", err))
	}
	return nil
}

// PurgeStation removes every entry for station across all models,
// reclaiming blobs left unreferenced. A supplemented operation
// grounded on bkam purge (SPEC_FULL §9.1).
func (s *Service) PurgeStation(station model.StationNumber) error {
	all, err := s.ai.AllFiles()
	if err != nil {
		return err
	}
	var hashes []string
	for _, f := range all {
		if f.StationNumber == station {
			hashes = append(hashes, f.FileHash)
		}
	}
	if err := s.ai.DeleteFilesForStation(station); err != nil {
		return err
	}
	for _, h := range hashes {
		n, err := s.ai.ReferenceCount(h)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := s.bs.Delete(h); err != nil {
				return err
			}
		}
	}
	return nil
}
