// Package auxcatalog implements the archive's small single-table
// bookkeeping stores: the auto-download station list and the
// known-missing-URL catalogue (spec §4.4). Each mirrors the teacher's
// ToolStore pattern: one *sql.DB, one table, INSERT OR IGNORE for
// idempotent adds.
package auxcatalog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"bufarch/internal/bferrors"
	"bufarch/internal/model"
)

func openSingleWriter(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("open %s: %w", path, err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set busy_timeout: %w", err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set journal_mode: %w", err))
	}
	return db, nil
}

// AutoDownloadList is the set of stations the download pipeline's
// Generate stage should poll without an operator re-requesting them
// each run.
type AutoDownloadList struct{ db *sql.DB }

// OpenAutoDownloadList opens (creating if necessary) the auto-download
// catalogue at path.
func OpenAutoDownloadList(path string) (*AutoDownloadList, error) {
	db, err := openSingleWriter(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS auto_download (station_number INTEGER PRIMARY KEY)`); err != nil {
		db.Close()
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("create auto_download table: %w", err))
	}
	return &AutoDownloadList{db: db}, nil
}

// Close releases the underlying database handle.
func (l *AutoDownloadList) Close() error { return l.db.Close() }

// Add enrolls station, idempotently.
func (l *AutoDownloadList) Add(station model.StationNumber) error {
	if _, err := l.db.Exec(`INSERT OR IGNORE INTO auto_download (station_number) VALUES (?)`, int64(station)); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("add auto-download station %d: %w", station, err))
	}
	return nil
}

// Remove un-enrolls station; it is not an error if station was never
// enrolled.
func (l *AutoDownloadList) Remove(station model.StationNumber) error {
	if _, err := l.db.Exec(`DELETE FROM auto_download WHERE station_number = ?`, int64(station)); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("remove auto-download station %d: %w", station, err))
	}
	return nil
}

// Contains reports whether station is currently enrolled.
func (l *AutoDownloadList) Contains(station model.StationNumber) (bool, error) {
	row := l.db.QueryRow(`SELECT 1 FROM auto_download WHERE station_number = ?`, int64(station))
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, bferrors.New(bferrors.IO, fmt.Errorf("check auto-download station %d: %w", station, err))
	}
	return true, nil
}

// List returns every enrolled station, in ascending order.
func (l *AutoDownloadList) List() ([]model.StationNumber, error) {
	rows, err := l.db.Query(`SELECT station_number FROM auto_download ORDER BY station_number`)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("list auto-download stations: %w", err))
	}
	defer rows.Close()

	var out []model.StationNumber
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan auto-download station: %w", err))
		}
		out = append(out, model.StationNumber(n))
	}
	return out, rows.Err()
}

// MissingURLs records URLs the download pipeline's Fetch stage has
// already seen return 404, so Generate can skip re-requesting them
// until the operator clears an entry (spec §4.4, §5.1's Reporter
// negative-cache).
type MissingURLs struct{ db *sql.DB }

// OpenMissingURLs opens (creating if necessary) the 404 catalogue at
// path.
func OpenMissingURLs(path string) (*MissingURLs, error) {
	db, err := openSingleWriter(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS missing_urls (url TEXT PRIMARY KEY)`); err != nil {
		db.Close()
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("create missing_urls table: %w", err))
	}
	return &MissingURLs{db: db}, nil
}

// Close releases the underlying database handle.
func (m *MissingURLs) Close() error { return m.db.Close() }

// Add records url as known-missing, idempotently.
func (m *MissingURLs) Add(url string) error {
	if _, err := m.db.Exec(`INSERT OR IGNORE INTO missing_urls (url) VALUES (?)`, url); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("add missing url %s: %w", url, err))
	}
	return nil
}

// Remove clears url from the negative cache, letting Generate retry it.
func (m *MissingURLs) Remove(url string) error {
	if _, err := m.db.Exec(`DELETE FROM missing_urls WHERE url = ?`, url); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("remove missing url %s: %w", url, err))
	}
	return nil
}

// Contains reports whether url is already known-missing.
func (m *MissingURLs) Contains(url string) (bool, error) {
	row := m.db.QueryRow(`SELECT 1 FROM missing_urls WHERE url = ?`, url)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, bferrors.New(bferrors.IO, fmt.Errorf("check missing url %s: %w", url, err))
	}
	return true, nil
}

// List returns every known-missing URL.
func (m *MissingURLs) List() ([]string, error) {
	rows, err := m.db.Query(`SELECT url FROM missing_urls ORDER BY url`)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("list missing urls: %w", err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan missing url: %w", err))
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
