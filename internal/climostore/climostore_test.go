package climostore

import (
	"path/filepath"
	"testing"
	"time"

	"bufarch/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "climo.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// P9: a site with UTC offset -7h observing a valid_time of
// 2024-07-01T23:00Z produces (year_lcl=2024, month_lcl=7, day_lcl=1,
// hour_lcl=16).
func TestLocalTimeFromUTC(t *testing.T) {
	validTime := time.Date(2024, 7, 1, 23, 0, 0, 0, time.UTC)
	year, month, day, hour := LocalTimeFromUTC(validTime, -7*time.Hour)
	if year != 2024 || month != 7 || day != 1 || hour != 16 {
		t.Fatalf("got (%d, %d, %d, %d), want (2024, 7, 1, 16)", year, month, day, hour)
	}
}

func TestUpsertLocationIsIgnoreOnDuplicate(t *testing.T) {
	s := newTestStore(t)
	row := LocationRow{StationNumber: 727730, Model: model.GFS, FirstSeenValid: time.Now().UTC(), Lat: 46.9, Lon: -114.1, ElevM: 972}
	if err := s.UpsertLocation(row); err != nil {
		t.Fatalf("UpsertLocation: %v", err)
	}
	if err := s.UpsertLocation(row); err != nil {
		t.Fatalf("repeat UpsertLocation: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM locations`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("locations count = %d, want 1", count)
	}
}

func TestUpsertFireIsReplace(t *testing.T) {
	s := newTestStore(t)
	validTime := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	row := FireRow{StationNumber: 727730, Model: model.GFS, ValidTime: validTime, YearLocal: 2024, MonthLocal: 7, DayLocal: 1, HourLocal: 17, HainesHigh: 5, HainesMid: 4, HainesLow: 3, HDW: 20.5}
	if err := s.UpsertFire(row); err != nil {
		t.Fatalf("UpsertFire: %v", err)
	}
	row.HDW = 30.0
	if err := s.UpsertFire(row); err != nil {
		t.Fatalf("replace UpsertFire: %v", err)
	}

	var count int
	var hdw float64
	if err := s.db.QueryRow(`SELECT COUNT(*), MAX(hdw) FROM fire`).Scan(&count, &hdw); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Fatalf("fire row count = %d, want 1", count)
	}
	if hdw != 30.0 {
		t.Fatalf("hdw = %v, want 30.0 (replaced)", hdw)
	}
}

func TestValidTimesFor(t *testing.T) {
	s := newTestStore(t)
	t1 := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 7, 1, 1, 0, 0, 0, time.UTC)
	for _, tm := range []time.Time{t1, t2} {
		row := FireRow{StationNumber: 1, Model: model.GFS, ValidTime: tm, HourLocal: 16}
		if err := s.UpsertFire(row); err != nil {
			t.Fatalf("UpsertFire: %v", err)
		}
	}

	present, err := s.ValidTimesFor(1, model.GFS)
	if err != nil {
		t.Fatalf("ValidTimesFor: %v", err)
	}
	if len(present) != 2 {
		t.Fatalf("present = %v, want 2 entries", present)
	}
	if _, ok := present[t1]; !ok {
		t.Fatalf("expected t1 present")
	}
}

func TestFireSummaryEveningFrequencies(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		vt := base.AddDate(0, 0, i)
		row := FireRow{
			StationNumber: 1, Model: model.GFS, ValidTime: vt,
			YearLocal: vt.Year(), MonthLocal: int(vt.Month()), DayLocal: vt.Day(), HourLocal: 16,
			HainesHigh: 5, HDW: 10 + float64(i),
		}
		if err := s.UpsertFire(row); err != nil {
			t.Fatalf("UpsertFire day %d: %v", i, err)
		}
	}

	summary, total, err := s.FireSummary(1, model.GFS)
	if err != nil {
		t.Fatalf("FireSummary: %v", err)
	}
	if total == 0 {
		t.Fatalf("expected nonzero sample count")
	}
	doy := base.YearDay()
	row := summary[doy-1]
	if row.HainesFreq[5] != 1.0 {
		t.Fatalf("HainesFreq[5] = %v, want 1.0 (all samples category 5)", row.HainesFreq[5])
	}
	if row.HDWMax < row.HDWMin {
		t.Fatalf("HDWMax %v < HDWMin %v", row.HDWMax, row.HDWMin)
	}
}

func TestPruneStaleRemovesBothTables(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertLocation(LocationRow{StationNumber: 1, Model: model.GFS, FirstSeenValid: time.Now().UTC()}); err != nil {
		t.Fatalf("UpsertLocation: %v", err)
	}
	if err := s.UpsertFire(FireRow{StationNumber: 1, Model: model.GFS, ValidTime: time.Now().UTC()}); err != nil {
		t.Fatalf("UpsertFire: %v", err)
	}
	if err := s.PruneStale(1, model.GFS); err != nil {
		t.Fatalf("PruneStale: %v", err)
	}

	present, err := s.ValidTimesFor(1, model.GFS)
	if err != nil || len(present) != 0 {
		t.Fatalf("expected no valid times after prune, got %v, %v", present, err)
	}
}
