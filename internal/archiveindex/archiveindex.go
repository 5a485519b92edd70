// Package archiveindex implements the Archive Index (AI): the
// relational record of every (station, model, init_time) -> file_hash
// tuple, station metadata, and site_id<->station_number bindings
// (spec §4.2). It is a thin, transaction-disciplined wrapper around a
// single SQLite connection, modeled on the teacher's
// internal/store/local_core.go conventions (WAL, a single writer
// connection, CREATE TABLE IF NOT EXISTS schema bootstrap).
package archiveindex

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"bufarch/internal/bferrors"
	"bufarch/internal/logging"
	"bufarch/internal/model"
)

// CurrentSchemaVersion is recorded via PRAGMA user_version so Connect
// can refuse to open an index built by an incompatible version.
const CurrentSchemaVersion = 1

// Index is a single-writer handle onto the archive's SQLite index.
type Index struct {
	db *sql.DB
}

// FileRow is one row of the files table.
type FileRow struct {
	StationNumber model.StationNumber
	Model         model.Model
	InitTime      time.Time
	FileHash      string
}

// Create opens (creating if necessary) an index at path and bootstraps
// its schema. It refuses only a schema version mismatch; it does not
// check whether the index already has rows. Refusing to create over an
// existing archive is archive.Create's job, which rejects a root that
// already has an index file.
func Create(path string) (*Index, error) {
	return open(path, true)
}

// Connect opens an existing index and validates its schema version.
func Connect(path string) (*Index, error) {
	return open(path, false)
}

func open(path string, creating bool) (*Index, error) {
	timer := logging.StartTimer(logging.CategoryArchive, "archiveindex.open")
	defer timer.Stop()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("open archive index %s: %w", path, err))
	}
	// Single-writer discipline: one connection, serialized access, WAL
	// for concurrent readers while a writer holds the file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set busy_timeout: %w", err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set journal_mode: %w", err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set synchronous: %w", err))
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set foreign_keys: %w", err))
	}

	idx := &Index{db: db}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := idx.checkVersion(creating); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS files (
			station_number INTEGER NOT NULL,
			model          INTEGER NOT NULL,
			init_time      TEXT    NOT NULL,
			file_hash      TEXT    NOT NULL,
			PRIMARY KEY (station_number, model, init_time)
		)`,
		`CREATE TABLE IF NOT EXISTS sites (
			station_number      INTEGER PRIMARY KEY,
			name                TEXT,
			state               TEXT,
			notes               TEXT,
			utc_offset_seconds  INTEGER,
			auto_download       INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ids (
			site_id               TEXT    NOT NULL,
			model                 INTEGER NOT NULL,
			station_number        INTEGER NOT NULL,
			most_recent_init_time TEXT    NOT NULL,
			PRIMARY KEY (site_id, model)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_hash ON files(file_hash)`,
	}
	for _, s := range stmts {
		if _, err := idx.db.Exec(s); err != nil {
			return bferrors.New(bferrors.IO, fmt.Errorf("create schema: %w", err))
		}
	}
	return nil
}

func (idx *Index) checkVersion(creating bool) error {
	row := idx.db.QueryRow("PRAGMA user_version")
	var v int
	if err := row.Scan(&v); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("read schema version: %w", err))
	}
	if v == 0 {
		if _, err := idx.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", CurrentSchemaVersion)); err != nil {
			return bferrors.New(bferrors.IO, fmt.Errorf("set schema version: %w", err))
		}
		return nil
	}
	if v != CurrentSchemaVersion {
		return bferrors.Newf(bferrors.IO, "archive index schema version %d is incompatible with %d", v, CurrentSchemaVersion)
	}
	_ = creating
	return nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Begin starts a transaction for an Add-style multi-step mutation.
func (idx *Index) Begin() (*sql.Tx, error) {
	tx, err := idx.db.Begin()
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("begin transaction: %w", err))
	}
	return tx, nil
}

// GetBinding returns the current (site_id, model) binding, or nil if
// none exists.
func (idx *Index) GetBinding(siteID model.SiteId, m model.Model) (*model.IdBinding, error) {
	row := idx.db.QueryRow(
		`SELECT station_number, most_recent_init_time FROM ids WHERE site_id = ? AND model = ?`,
		string(siteID), int(m))
	var station int64
	var initStr string
	if err := row.Scan(&station, &initStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("get binding: %w", err))
	}
	t, err := time.Parse(time.RFC3339, initStr)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("parse stored init_time: %w", err))
	}
	return &model.IdBinding{
		SiteId:             siteID,
		Model:              m,
		StationNumber:      model.StationNumber(station),
		MostRecentInitTime: t.UTC(),
	}, nil
}

// BindingsForModel returns every (site_id, model) -> station binding
// recorded for m, used to resolve an auto-download station list (which
// only knows station numbers) back to the site_ids the Generator needs
// to build fetch URLs.
func (idx *Index) BindingsForModel(m model.Model) ([]model.IdBinding, error) {
	rows, err := idx.db.Query(
		`SELECT site_id, station_number, most_recent_init_time FROM ids WHERE model = ?`, int(m))
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("bindings for model: %w", err))
	}
	defer rows.Close()

	var out []model.IdBinding
	for rows.Next() {
		var siteID string
		var station int64
		var initStr string
		if err := rows.Scan(&siteID, &station, &initStr); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan binding: %w", err))
		}
		t, err := time.Parse(time.RFC3339, initStr)
		if err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("parse stored init_time: %w", err))
		}
		out = append(out, model.IdBinding{
			SiteId:             model.SiteId(siteID),
			Model:              m,
			StationNumber:      model.StationNumber(station),
			MostRecentInitTime: t.UTC(),
		})
	}
	return out, rows.Err()
}

// BindingsForStation returns every (site_id, model) binding pointing at
// station, across every model, used by Export to carry id bindings into
// a destination archive alongside the station's files.
func (idx *Index) BindingsForStation(station model.StationNumber) ([]model.IdBinding, error) {
	rows, err := idx.db.Query(
		`SELECT site_id, model, most_recent_init_time FROM ids WHERE station_number = ?`, int64(station))
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("bindings for station: %w", err))
	}
	defer rows.Close()

	var out []model.IdBinding
	for rows.Next() {
		var siteID string
		var m int
		var initStr string
		if err := rows.Scan(&siteID, &m, &initStr); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan binding: %w", err))
		}
		t, err := time.Parse(time.RFC3339, initStr)
		if err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("parse stored init_time: %w", err))
		}
		out = append(out, model.IdBinding{
			SiteId:             model.SiteId(siteID),
			Model:              model.Model(m),
			StationNumber:      station,
			MostRecentInitTime: t.UTC(),
		})
	}
	return out, rows.Err()
}

// UpsertBindingTx sets (site_id, model) -> station at initTime,
// assuming the caller has already decided initTime should win (i.e.
// it's later than any existing binding, or there is no existing
// binding).
func UpsertBindingTx(tx *sql.Tx, siteID model.SiteId, m model.Model, station model.StationNumber, initTime time.Time) error {
	_, err := tx.Exec(
		`INSERT INTO ids (site_id, model, station_number, most_recent_init_time)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(site_id, model) DO UPDATE SET
		   station_number = excluded.station_number,
		   most_recent_init_time = excluded.most_recent_init_time`,
		string(siteID), int(m), int64(station), initTime.UTC().Format(time.RFC3339))
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("upsert binding: %w", err))
	}
	return nil
}

// GetSite returns station's metadata, or nil if no row exists yet.
func (idx *Index) GetSite(station model.StationNumber) (*model.SiteInfo, error) {
	row := idx.db.QueryRow(
		`SELECT name, state, notes, utc_offset_seconds, auto_download FROM sites WHERE station_number = ?`,
		int64(station))
	var name, state, notes sql.NullString
	var offset sql.NullInt64
	var autoDownload int
	if err := row.Scan(&name, &state, &notes, &offset, &autoDownload); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("get site: %w", err))
	}
	info := model.SiteInfo{StationNumber: station, AutoDownload: autoDownload != 0}
	if name.Valid {
		info.Name = &name.String
	}
	if state.Valid {
		info.State = &state.String
	}
	if notes.Valid {
		info.Notes = &notes.String
	}
	if offset.Valid {
		d := time.Duration(offset.Int64) * time.Second
		info.UTCOffset = &d
	}
	return &info, nil
}

// UpsertSiteTx inserts a bare row for station if absent, preserving any
// existing optional fields (spec §4.3 step 5: "preserving existing
// optional fields").
func UpsertSiteTx(tx *sql.Tx, station model.StationNumber) error {
	_, err := tx.Exec(
		`INSERT INTO sites (station_number, auto_download) VALUES (?, 0)
		 ON CONFLICT(station_number) DO NOTHING`,
		int64(station))
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("upsert site: %w", err))
	}
	return nil
}

// UpsertSiteInfoTx inserts or replaces the full metadata row for a site,
// used by Export to carry name/state/notes/utc_offset/auto_download into
// a destination archive instead of a bare station_number (spec §9.1's
// export operation must round-trip a site's local-time fields).
func UpsertSiteInfoTx(tx *sql.Tx, info model.SiteInfo) error {
	var offsetSeconds any
	if info.UTCOffset != nil {
		offsetSeconds = int64(info.UTCOffset.Seconds())
	}
	_, err := tx.Exec(
		`INSERT INTO sites (station_number, name, state, notes, utc_offset_seconds, auto_download)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(station_number) DO UPDATE SET
		   name = excluded.name,
		   state = excluded.state,
		   notes = excluded.notes,
		   utc_offset_seconds = excluded.utc_offset_seconds,
		   auto_download = excluded.auto_download`,
		int64(info.StationNumber), nullableString(info.Name), nullableString(info.State),
		nullableString(info.Notes), offsetSeconds, boolToInt(info.AutoDownload))
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("upsert site info: %w", err))
	}
	return nil
}

// UpdateSite fully replaces the mutable fields of an existing site row.
func (idx *Index) UpdateSite(info model.SiteInfo) error {
	var offsetSeconds any
	if info.UTCOffset != nil {
		offsetSeconds = int64(info.UTCOffset.Seconds())
	}
	res, err := idx.db.Exec(
		`UPDATE sites SET name = ?, state = ?, notes = ?, utc_offset_seconds = ?, auto_download = ?
		 WHERE station_number = ?`,
		nullableString(info.Name), nullableString(info.State), nullableString(info.Notes),
		offsetSeconds, boolToInt(info.AutoDownload), int64(info.StationNumber))
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("update site: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("update site rows affected: %w", err))
	}
	if n == 0 {
		return bferrors.New(bferrors.NotFound, fmt.Errorf("site %d not found", info.StationNumber))
	}
	return nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Sites returns every site row.
func (idx *Index) Sites() ([]model.SiteInfo, error) {
	rows, err := idx.db.Query(`SELECT station_number, name, state, notes, utc_offset_seconds, auto_download FROM sites ORDER BY station_number`)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("list sites: %w", err))
	}
	defer rows.Close()

	var out []model.SiteInfo
	for rows.Next() {
		var station int64
		var name, state, notes sql.NullString
		var offset sql.NullInt64
		var autoDownload int
		if err := rows.Scan(&station, &name, &state, &notes, &offset, &autoDownload); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan site: %w", err))
		}
		info := model.SiteInfo{StationNumber: model.StationNumber(station), AutoDownload: autoDownload != 0}
		if name.Valid {
			info.Name = &name.String
		}
		if state.Valid {
			info.State = &state.String
		}
		if notes.Valid {
			info.Notes = &notes.String
		}
		if offset.Valid {
			d := time.Duration(offset.Int64) * time.Second
			info.UTCOffset = &d
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// InsertFileTx inserts-or-replaces a files row.
func InsertFileTx(tx *sql.Tx, station model.StationNumber, m model.Model, initTime time.Time, hash string) error {
	_, err := tx.Exec(
		`INSERT INTO files (station_number, model, init_time, file_hash) VALUES (?, ?, ?, ?)
		 ON CONFLICT(station_number, model, init_time) DO UPDATE SET file_hash = excluded.file_hash`,
		int64(station), int(m), initTime.UTC().Format(time.RFC3339), hash)
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("insert file: %w", err))
	}
	return nil
}

// FileHash returns the blob hash for (station, model, init_time).
func (idx *Index) FileHash(station model.StationNumber, m model.Model, initTime time.Time) (string, error) {
	row := idx.db.QueryRow(
		`SELECT file_hash FROM files WHERE station_number = ? AND model = ? AND init_time = ?`,
		int64(station), int(m), initTime.UTC().Format(time.RFC3339))
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", bferrors.New(bferrors.NotFound, fmt.Errorf("no file for station %d model %s init %s", station, m, initTime))
		}
		return "", bferrors.New(bferrors.IO, fmt.Errorf("get file hash: %w", err))
	}
	return hash, nil
}

// MostRecentInitTime returns the largest init_time on record for
// (station, model).
func (idx *Index) MostRecentInitTime(station model.StationNumber, m model.Model) (time.Time, error) {
	row := idx.db.QueryRow(
		`SELECT MAX(init_time) FROM files WHERE station_number = ? AND model = ?`,
		int64(station), int(m))
	var s sql.NullString
	if err := row.Scan(&s); err != nil {
		return time.Time{}, bferrors.New(bferrors.IO, fmt.Errorf("get most recent init_time: %w", err))
	}
	if !s.Valid {
		return time.Time{}, bferrors.New(bferrors.NotFound, fmt.Errorf("no files for station %d model %s", station, m))
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}, bferrors.New(bferrors.IO, fmt.Errorf("parse init_time: %w", err))
	}
	return t.UTC(), nil
}

// Inventory returns the ordered sequence of init_times present for
// (station, model).
func (idx *Index) Inventory(station model.StationNumber, m model.Model) ([]time.Time, error) {
	rows, err := idx.db.Query(
		`SELECT init_time FROM files WHERE station_number = ? AND model = ? ORDER BY init_time ASC`,
		int64(station), int(m))
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("inventory: %w", err))
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan inventory row: %w", err))
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("parse inventory time: %w", err))
		}
		out = append(out, t.UTC())
	}
	return out, rows.Err()
}

// DeleteFile removes a single files row.
func (idx *Index) DeleteFile(station model.StationNumber, m model.Model, initTime time.Time) error {
	_, err := idx.db.Exec(
		`DELETE FROM files WHERE station_number = ? AND model = ? AND init_time = ?`,
		int64(station), int(m), initTime.UTC().Format(time.RFC3339))
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("delete file: %w", err))
	}
	return nil
}

// ReferenceCount returns how many files rows point at hash.
func (idx *Index) ReferenceCount(hash string) (int, error) {
	row := idx.db.QueryRow(`SELECT COUNT(*) FROM files WHERE file_hash = ?`, hash)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, bferrors.New(bferrors.IO, fmt.Errorf("reference count: %w", err))
	}
	return n, nil
}

// AllFiles returns every row in files, used by Clean's pass A.
func (idx *Index) AllFiles() ([]FileRow, error) {
	rows, err := idx.db.Query(`SELECT station_number, model, init_time, file_hash FROM files`)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("all files: %w", err))
	}
	defer rows.Close()

	var out []FileRow
	for rows.Next() {
		var station int64
		var m int
		var initStr, hash string
		if err := rows.Scan(&station, &m, &initStr, &hash); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan file row: %w", err))
		}
		t, err := time.Parse(time.RFC3339, initStr)
		if err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("parse file row time: %w", err))
		}
		out = append(out, FileRow{StationNumber: model.StationNumber(station), Model: model.Model(m), InitTime: t.UTC(), FileHash: hash})
	}
	return out, rows.Err()
}

// FilesInRange returns files matching any of stations x models with
// init_time in [start, end], used by Export.
func (idx *Index) FilesInRange(stations []model.StationNumber, models []model.Model, start, end time.Time) ([]FileRow, error) {
	all, err := idx.AllFiles()
	if err != nil {
		return nil, err
	}
	stationSet := make(map[model.StationNumber]struct{}, len(stations))
	for _, s := range stations {
		stationSet[s] = struct{}{}
	}
	modelSet := make(map[model.Model]struct{}, len(models))
	for _, m := range models {
		modelSet[m] = struct{}{}
	}
	var out []FileRow
	for _, f := range all {
		if len(stationSet) > 0 {
			if _, ok := stationSet[f.StationNumber]; !ok {
				continue
			}
		}
		if len(modelSet) > 0 {
			if _, ok := modelSet[f.Model]; !ok {
				continue
			}
		}
		if f.InitTime.Before(start) || f.InitTime.After(end) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// ModelsForStation returns the set of models with at least one file on
// record for station.
func (idx *Index) ModelsForStation(station model.StationNumber) (map[model.Model]struct{}, error) {
	rows, err := idx.db.Query(`SELECT DISTINCT model FROM files WHERE station_number = ?`, int64(station))
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("models for station: %w", err))
	}
	defer rows.Close()

	out := make(map[model.Model]struct{})
	for rows.Next() {
		var m int
		if err := rows.Scan(&m); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan model: %w", err))
		}
		out[model.Model(m)] = struct{}{}
	}
	return out, rows.Err()
}

// StationForID returns the station bound to (site_id, model).
func (idx *Index) StationForID(siteID model.SiteId, m model.Model) (model.StationNumber, error) {
	b, err := idx.GetBinding(siteID, m)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, bferrors.New(bferrors.NotInIndex, fmt.Errorf("no binding for %s/%s", siteID, m))
	}
	return b.StationNumber, nil
}

// DeleteFilesForStation removes every files row for station across all
// models, used by the supplemented PurgeStation operation (SPEC_FULL
// §9.1).
func (idx *Index) DeleteFilesForStation(station model.StationNumber) error {
	_, err := idx.db.Exec(`DELETE FROM files WHERE station_number = ?`, int64(station))
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("purge station files: %w", err))
	}
	return nil
}

// Compact reclaims space after Clean's two passes.
func (idx *Index) Compact() error {
	if _, err := idx.db.Exec(`VACUUM`); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("vacuum: %w", err))
	}
	return nil
}
