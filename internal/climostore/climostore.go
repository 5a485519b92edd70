// Package climostore implements the Climatology Store (CS): the fire-
// weather and location statistics accumulated by the Climatology
// Pipeline, persisted separately from the Archive (spec §4.6). Like
// archiveindex, it is a single-writer SQLite store modeled on the
// teacher's internal/store/local_core.go conventions.
package climostore

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"bufarch/internal/bferrors"
	"bufarch/internal/logging"
	"bufarch/internal/model"
)

// LocationRow is one row of the locations table: a unique (station,
// model, lat, lon, elev) combination with the valid_time it was first
// observed at.
type LocationRow struct {
	StationNumber   model.StationNumber
	Model           model.Model
	FirstSeenValid  time.Time
	Lat, Lon, ElevM float64
}

// FireRow is one row of the fire table: the fire-weather indices
// computed for a single (station, model, valid_time).
type FireRow struct {
	StationNumber                     model.StationNumber
	Model                             model.Model
	ValidTime                         time.Time
	YearLocal, MonthLocal, DayLocal   int
	HourLocal                         int
	HainesHigh, HainesMid, HainesLow  float64
	HDW                               float64
	ConvTDeficitC                     *float64
	CAPERatio                         *float64
}

// LocalTimeFromUTC derives the local-calendar fields of a FireRow from
// a UTC valid_time and a site's UTC offset (spec §4.6, I5: "local-time
// fields in CS are derived from site.utc_offset").
func LocalTimeFromUTC(validTime time.Time, offset time.Duration) (year, month, day, hour int) {
	local := validTime.UTC().Add(offset)
	return local.Year(), int(local.Month()), local.Day(), local.Hour()
}

// Store is a single-writer handle onto the climatology SQLite store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a climatology store at path and
// bootstraps its schema.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryClimo, "climostore.Open")
	defer timer.Stop()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("open climo store %s: %w", path, err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set busy_timeout: %w", err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("set journal_mode: %w", err))
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS locations (
			station_number        INTEGER NOT NULL,
			model                 INTEGER NOT NULL,
			first_seen_valid_time TEXT    NOT NULL,
			lat                   REAL    NOT NULL,
			lon                   REAL    NOT NULL,
			elev                  REAL    NOT NULL,
			UNIQUE (station_number, model, lat, lon, elev)
		)`,
		`CREATE TABLE IF NOT EXISTS fire (
			station_number INTEGER NOT NULL,
			model          INTEGER NOT NULL,
			valid_time     TEXT    NOT NULL,
			year_lcl       INTEGER NOT NULL,
			month_lcl      INTEGER NOT NULL,
			day_lcl        INTEGER NOT NULL,
			hour_lcl       INTEGER NOT NULL,
			haines_high    REAL    NOT NULL,
			haines_mid     REAL    NOT NULL,
			haines_low     REAL    NOT NULL,
			hdw            REAL    NOT NULL,
			conv_t_def_c   REAL,
			cape_ratio     REAL,
			PRIMARY KEY (station_number, model, valid_time)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return bferrors.New(bferrors.IO, fmt.Errorf("create climo schema: %w", err))
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// UpsertLocation inserts row, ignoring duplicates of the unique
// (station, model, lat, lon, elev) key (spec §4.6: "INSERT OR IGNORE").
func (s *Store) UpsertLocation(row LocationRow) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO locations (station_number, model, first_seen_valid_time, lat, lon, elev)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		int64(row.StationNumber), int(row.Model), row.FirstSeenValid.UTC().Format(time.RFC3339),
		row.Lat, row.Lon, row.ElevM)
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("upsert location: %w", err))
	}
	return nil
}

// UpsertFire inserts-or-replaces row (spec §4.6: "INSERT OR REPLACE").
func (s *Store) UpsertFire(row FireRow) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO fire
		 (station_number, model, valid_time, year_lcl, month_lcl, day_lcl, hour_lcl,
		  haines_high, haines_mid, haines_low, hdw, conv_t_def_c, cape_ratio)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(row.StationNumber), int(row.Model), row.ValidTime.UTC().Format(time.RFC3339),
		row.YearLocal, row.MonthLocal, row.DayLocal, row.HourLocal,
		row.HainesHigh, row.HainesMid, row.HainesLow, row.HDW,
		nullableFloat(row.ConvTDeficitC), nullableFloat(row.CAPERatio))
	if err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("upsert fire row: %w", err))
	}
	return nil
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// ValidTimesFor returns the set of valid_times already recorded for
// (station, model), used by the Enumerator to skip already-processed
// analyses unless force_rebuild is set (spec §4.7 step 1).
func (s *Store) ValidTimesFor(station model.StationNumber, m model.Model) (map[time.Time]struct{}, error) {
	rows, err := s.db.Query(`SELECT valid_time FROM fire WHERE station_number = ? AND model = ?`, int64(station), int(m))
	if err != nil {
		return nil, bferrors.New(bferrors.IO, fmt.Errorf("valid times for: %w", err))
	}
	defer rows.Close()

	out := make(map[time.Time]struct{})
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("scan valid time: %w", err))
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, bferrors.New(bferrors.IO, fmt.Errorf("parse valid time: %w", err))
		}
		out[t.UTC()] = struct{}{}
	}
	return out, rows.Err()
}

// FireSummaryRow is one day-of-year's worth of derived climatology
// (spec §4.6): HDW quantiles over a centred window of days across all
// years, and evening Haines-category relative frequencies.
type FireSummaryRow struct {
	DayOfYear      int
	HDWMin         float64
	HDWDeciles     [9]float64
	HDWMax         float64
	HainesFreq     map[int]float64 // category -> relative frequency, keys {0,2,3,4,5,6}
}

const (
	summaryWindowHalfWidth = 7 // 15-day centred window
	eveningLocalHour       = 16
)

// windowHaineCategories is the closed set of Haines categories counted
// (spec §4.6: "{0,2,3,4,5,6}").
var windowHaineCategories = []int{0, 2, 3, 4, 5, 6}

// FireSummary derives the 366-row climatology summary for (station,
// model): for each calendar day-of-year, a 15-day centred window
// spanning all years contributes its daily-maximum HDW (for the
// min/decile/max spread) and its evening (local hour 16) Haines
// category counts (for relative frequency). Returns the summary rows
// and the total sample count used across all days.
func (s *Store) FireSummary(station model.StationNumber, m model.Model) ([366]FireSummaryRow, int, error) {
	rows, err := s.db.Query(
		`SELECT valid_time, month_lcl, day_lcl, hour_lcl, haines_high, hdw
		 FROM fire WHERE station_number = ? AND model = ?`,
		int64(station), int(m))
	if err != nil {
		return [366]FireSummaryRow{}, 0, bferrors.New(bferrors.IO, fmt.Errorf("fire summary query: %w", err))
	}
	defer rows.Close()

	type dayMax struct {
		dayOfYear int
		hdw       float64
	}
	type evening struct {
		dayOfYear  int
		hainesHigh int
	}
	dailyMaxByDate := make(map[string]*dayMax) // "year|month|day" -> running max HDW for that calendar day
	var evenings []evening

	for rows.Next() {
		var validStr string
		var month, day, hourLocal, haines int
		var hdw float64
		if err := rows.Scan(&validStr, &month, &day, &hourLocal, &haines, &hdw); err != nil {
			return [366]FireSummaryRow{}, 0, bferrors.New(bferrors.IO, fmt.Errorf("scan fire row: %w", err))
		}
		t, err := time.Parse(time.RFC3339, validStr)
		if err != nil {
			return [366]FireSummaryRow{}, 0, bferrors.New(bferrors.IO, fmt.Errorf("parse fire valid_time: %w", err))
		}
		doy := t.UTC().YearDay()

		key := fmt.Sprintf("%d|%d|%d", t.UTC().Year(), month, day)
		if cur, ok := dailyMaxByDate[key]; !ok {
			dailyMaxByDate[key] = &dayMax{dayOfYear: doy, hdw: hdw}
		} else if hdw > cur.hdw {
			cur.hdw = hdw
		}

		if hourLocal == eveningLocalHour {
			evenings = append(evenings, evening{dayOfYear: doy, hainesHigh: int(math.Round(float64(haines)))})
		}
	}
	if err := rows.Err(); err != nil {
		return [366]FireSummaryRow{}, 0, bferrors.New(bferrors.IO, fmt.Errorf("iterate fire rows: %w", err))
	}

	dailyMaxes := make([]dayMax, 0, len(dailyMaxByDate))
	for _, dm := range dailyMaxByDate {
		dailyMaxes = append(dailyMaxes, *dm)
	}

	var out [366]FireSummaryRow
	totalSamples := 0

	for doy := 1; doy <= 366; doy++ {
		var hdwWindow []float64
		hainesCounts := make(map[int]int)
		hainesTotal := 0

		for _, dm := range dailyMaxes {
			if withinCenteredWindow(dm.dayOfYear, doy, summaryWindowHalfWidth) {
				hdwWindow = append(hdwWindow, dm.hdw)
			}
		}
		for _, ev := range evenings {
			if withinCenteredWindow(ev.dayOfYear, doy, summaryWindowHalfWidth) {
				hainesCounts[ev.hainesHigh]++
				hainesTotal++
			}
		}

		row := FireSummaryRow{DayOfYear: doy, HainesFreq: make(map[int]float64, len(windowHaineCategories))}
		if len(hdwWindow) > 0 {
			sort.Float64s(hdwWindow)
			row.HDWMin = hdwWindow[0]
			row.HDWMax = hdwWindow[len(hdwWindow)-1]
			for i := 1; i <= 9; i++ {
				row.HDWDeciles[i-1] = decile(hdwWindow, i)
			}
		}
		for _, cat := range windowHaineCategories {
			if hainesTotal > 0 {
				row.HainesFreq[cat] = float64(hainesCounts[cat]) / float64(hainesTotal)
			} else {
				row.HainesFreq[cat] = 0
			}
		}
		out[doy-1] = row
		totalSamples += len(hdwWindow)
	}

	return out, totalSamples, nil
}

// withinCenteredWindow reports whether sampleDOY falls within
// [targetDOY-half, targetDOY+half], wrapping across the year boundary.
func withinCenteredWindow(sampleDOY, targetDOY, half int) bool {
	const daysInYear = 366
	diff := sampleDOY - targetDOY
	if diff > daysInYear/2 {
		diff -= daysInYear
	} else if diff < -daysInYear/2 {
		diff += daysInYear
	}
	return diff >= -half && diff <= half
}

// decile returns the value at the k/10 quantile (k in 1..9) of a
// pre-sorted slice, using linear interpolation between ranks.
func decile(sorted []float64, k int) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := float64(k) / 10 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// PruneStale removes fire and location rows for a (station, model) pair
// entirely, letting an operator force a clean rebuild. A supplemented
// operation grounded on bufcli's climo_db reset command
// (SPEC_FULL §9.1).
func (s *Store) PruneStale(station model.StationNumber, m model.Model) error {
	if _, err := s.db.Exec(`DELETE FROM fire WHERE station_number = ? AND model = ?`, int64(station), int(m)); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("prune fire rows: %w", err))
	}
	if _, err := s.db.Exec(`DELETE FROM locations WHERE station_number = ? AND model = ?`, int64(station), int(m)); err != nil {
		return bferrors.New(bferrors.IO, fmt.Errorf("prune location rows: %w", err))
	}
	return nil
}
