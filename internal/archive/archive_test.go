package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"bufarch/internal/bferrors"
	"bufarch/internal/model"
	"bufarch/internal/sounding"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := Create(t.TempDir(), sounding.StubParser{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func fixture(station model.StationNumber, initTime time.Time) []byte {
	return sounding.EncodeStub(station, initTime, []sounding.Analysis{
		{LeadTime: 0, ValidTime: initTime, Sounding: sounding.Sounding{Lat: 46.9, Lon: -114.1, ElevationM: 972}},
	})
}

// S1: adding a brand-new site_id/model for the first time creates the
// site row and the file row and binds the id with no rebind.
func TestAddCreatesSiteAndFile(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kmso")
	initTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	outcome, err := svc.Add(siteID, model.GFS, fixture(727730, initTime))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if outcome.Rebind != nil {
		t.Fatalf("unexpected rebind on first add: %+v", outcome.Rebind)
	}
	if outcome.StationNumber != 727730 {
		t.Fatalf("station = %d, want 727730", outcome.StationNumber)
	}

	got, err := svc.Retrieve(727730, model.GFS, initTime)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != string(fixture(727730, initTime)) {
		t.Fatalf("retrieved payload mismatch")
	}

	site, err := svc.Site(727730)
	if err != nil || site == nil {
		t.Fatalf("Site: %+v, %v", site, err)
	}
}

// P1: adding the same payload twice is idempotent -- no duplicate blob,
// same retrievable content, and the binding is unchanged.
func TestAddIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kmso")
	initTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := fixture(727730, initTime)

	if _, err := svc.Add(siteID, model.GFS, raw); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	outcome, err := svc.Add(siteID, model.GFS, raw)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if outcome.Rebind != nil {
		t.Fatalf("unexpected rebind on repeat add of identical payload")
	}

	inv, err := svc.Inventory(727730, model.GFS)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if len(inv) != 1 {
		t.Fatalf("inventory = %v, want exactly one entry", inv)
	}

	hashes, err := svc.bs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(hashes) != 1 {
		t.Fatalf("blob store has %d blobs, want 1", len(hashes))
	}
}

// P2: every successfully added file round-trips byte-for-byte.
func TestRetrieveRoundTrip(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kgpi")
	times := []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, tm := range times {
		if _, err := svc.Add(siteID, model.GFS, fixture(12345, tm)); err != nil {
			t.Fatalf("Add(%s): %v", tm, err)
		}
	}
	for _, tm := range times {
		got, err := svc.Retrieve(12345, model.GFS, tm)
		if err != nil {
			t.Fatalf("Retrieve(%s): %v", tm, err)
		}
		if string(got) != string(fixture(12345, tm)) {
			t.Fatalf("round trip mismatch at %s", tm)
		}
	}
}

// S2/P6: a later init_time for a site_id already bound to a different
// station is accepted as a legitimate rebind; an equal-or-earlier one
// is rejected with IdMovedStation.
func TestRebindMonotonicity(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kmso")
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	if _, err := svc.Add(siteID, model.GFS, fixture(111, early)); err != nil {
		t.Fatalf("seed Add: %v", err)
	}

	// Rebind forward in time: accepted.
	outcome, err := svc.Add(siteID, model.GFS, fixture(222, later))
	if err != nil {
		t.Fatalf("forward rebind Add: %v", err)
	}
	if outcome.Rebind == nil || outcome.Rebind.Old != 111 || outcome.Rebind.New != 222 {
		t.Fatalf("expected rebind 111->222, got %+v", outcome.Rebind)
	}

	// Attempting to move back to the old station at an earlier time:
	// rejected.
	_, err = svc.Add(siteID, model.GFS, fixture(111, early))
	if !bferrors.Is(err, bferrors.IdMovedStation) {
		t.Fatalf("expected IdMovedStation, got %v", err)
	}
}

// P3/P4 + S3: Clean leaves referenced blobs untouched, removes index
// rows whose blob is missing (pass A), and removes blobs no row
// references (pass B), in that order.
func TestCleanTwoPass(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kmso")
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)

	if _, err := svc.Add(siteID, model.GFS, fixture(111, t1)); err != nil {
		t.Fatalf("Add t1: %v", err)
	}
	if _, err := svc.Add(siteID, model.GFS, fixture(111, t2)); err != nil {
		t.Fatalf("Add t2: %v", err)
	}

	// Simulate an orphaned blob: write one directly, bypassing the index.
	if _, err := svc.bs.Put([]byte("unreferenced payload")); err != nil {
		t.Fatalf("Put orphan blob: %v", err)
	}

	// Simulate a missing blob for an existing index row.
	hash, err := svc.ai.FileHash(111, model.GFS, t2)
	if err != nil {
		t.Fatalf("FileHash: %v", err)
	}
	if err := svc.bs.Delete(hash); err != nil {
		t.Fatalf("Delete blob: %v", err)
	}

	events, err := svc.Clean(context.Background())
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	for range events {
		// drain until the goroutine closes the channel
	}

	// t1 survives (blob present); t2's row is gone (blob was missing).
	if _, err := svc.Retrieve(111, model.GFS, t1); err != nil {
		t.Fatalf("Retrieve t1 after clean: %v", err)
	}
	if _, err := svc.ai.FileHash(111, model.GFS, t2); !bferrors.Is(err, bferrors.NotFound) {
		t.Fatalf("expected t2 row removed, got err=%v", err)
	}

	blobs, err := svc.bs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for h := range blobs {
		n, err := svc.ai.ReferenceCount(h)
		if err != nil {
			t.Fatalf("ReferenceCount: %v", err)
		}
		if n == 0 {
			t.Fatalf("orphaned blob %s survived clean", h)
		}
	}
}

// S4: MissingInventory enumerates the gaps between the earliest and
// latest present init_times at the model's cadence.
func TestMissingInventory(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kmso")
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.Add(siteID, model.GFS, fixture(111, base)); err != nil {
		t.Fatalf("Add base: %v", err)
	}
	// Skip the 6h run, have 12h and 18h.
	if _, err := svc.Add(siteID, model.GFS, fixture(111, base.Add(12*time.Hour))); err != nil {
		t.Fatalf("Add +12h: %v", err)
	}
	if _, err := svc.Add(siteID, model.GFS, fixture(111, base.Add(18*time.Hour))); err != nil {
		t.Fatalf("Add +18h: %v", err)
	}

	missing, err := svc.MissingInventory(111, model.GFS, nil)
	if err != nil {
		t.Fatalf("MissingInventory: %v", err)
	}
	if len(missing) != 1 || !missing[0].Equal(base.Add(6*time.Hour)) {
		t.Fatalf("missing = %v, want [%s]", missing, base.Add(6*time.Hour))
	}
}

// S5: Export copies only the rows matching the requested filter into a
// fresh archive, leaving the source untouched.
func TestExportFiltersAndPreservesSource(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kmso")
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.Add(siteID, model.GFS, fixture(111, t1)); err != nil {
		t.Fatalf("Add t1: %v", err)
	}
	if _, err := svc.Add(siteID, model.GFS, fixture(111, t2)); err != nil {
		t.Fatalf("Add t2: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "export")
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	offset := 2 * time.Hour
	if err := svc.UpdateSite(model.SiteInfo{StationNumber: 111, Name: strPtr("Missoula"), UTCOffset: &offset}); err != nil {
		t.Fatalf("UpdateSite: %v", err)
	}

	if err := svc.Export([]model.StationNumber{111}, []model.Model{model.GFS}, start, end, dest); err != nil {
		t.Fatalf("Export: %v", err)
	}

	out, err := Connect(dest, sounding.StubParser{})
	if err != nil {
		t.Fatalf("Connect exported archive: %v", err)
	}
	defer out.Close()

	if _, err := out.Retrieve(111, model.GFS, t2); err != nil {
		t.Fatalf("exported archive missing in-range file: %v", err)
	}
	if _, err := out.Retrieve(111, model.GFS, t1); !bferrors.Is(err, bferrors.NotFound) {
		t.Fatalf("exported archive should not contain out-of-range file, err=%v", err)
	}

	// Source archive is untouched.
	if _, err := svc.Retrieve(111, model.GFS, t1); err != nil {
		t.Fatalf("source Retrieve t1 after export: %v", err)
	}

	// Site metadata and the id binding round-trip into the export, so
	// the exported archive can resolve site_id -> station on its own.
	exportedInfo, err := out.Site(111)
	if err != nil {
		t.Fatalf("exported Site: %v", err)
	}
	if exportedInfo == nil || exportedInfo.Name == nil || *exportedInfo.Name != "Missoula" {
		t.Fatalf("exported site metadata missing or wrong: %+v", exportedInfo)
	}
	if exportedInfo.UTCOffset == nil || *exportedInfo.UTCOffset != offset {
		t.Fatalf("exported site utc_offset missing or wrong: %+v", exportedInfo)
	}
	if station, err := out.StationForID(siteID, model.GFS); err != nil || station != 111 {
		t.Fatalf("exported id binding missing: station=%d err=%v", station, err)
	}
}

func strPtr(s string) *string { return &s }

func TestPurgeStationRemovesAllModels(t *testing.T) {
	svc := newTestService(t)
	siteID := model.NewSiteId("kmso")
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if _, err := svc.Add(siteID, model.GFS, fixture(111, t1)); err != nil {
		t.Fatalf("Add GFS: %v", err)
	}
	if _, err := svc.Add(model.NewSiteId("kmso-nam"), model.NAM, fixture(111, t1)); err != nil {
		t.Fatalf("Add NAM: %v", err)
	}

	if err := svc.PurgeStation(111); err != nil {
		t.Fatalf("PurgeStation: %v", err)
	}

	if _, err := svc.ai.FileHash(111, model.GFS, t1); !bferrors.Is(err, bferrors.NotFound) {
		t.Fatalf("expected GFS row purged, got %v", err)
	}
	if _, err := svc.ai.FileHash(111, model.NAM, t1); !bferrors.Is(err, bferrors.NotFound) {
		t.Fatalf("expected NAM row purged, got %v", err)
	}
}
