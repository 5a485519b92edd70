package archiveindex

import (
	"path/filepath"
	"testing"
	"time"

	"bufarch/internal/model"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Create(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestInsertAndInventory(t *testing.T) {
	idx := newTestIndex(t)
	tx, err := idx.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	station := model.StationNumber(727730)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := UpsertSiteTx(tx, station); err != nil {
		t.Fatalf("UpsertSiteTx: %v", err)
	}
	if err := InsertFileTx(tx, station, model.GFS, base, "hash1"); err != nil {
		t.Fatalf("InsertFileTx: %v", err)
	}
	if err := InsertFileTx(tx, station, model.GFS, base.Add(6*time.Hour), "hash2"); err != nil {
		t.Fatalf("InsertFileTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	inv, err := idx.Inventory(station, model.GFS)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if len(inv) != 2 || !inv[0].Equal(base) || !inv[1].Equal(base.Add(6*time.Hour)) {
		t.Fatalf("unexpected inventory: %v", inv)
	}
}

func TestBindingUpsertAndGet(t *testing.T) {
	idx := newTestIndex(t)
	siteID := model.NewSiteId("kmso")
	t1 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tx, _ := idx.Begin()
	if err := UpsertBindingTx(tx, siteID, model.GFS, 727730, t1); err != nil {
		t.Fatalf("UpsertBindingTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b, err := idx.GetBinding(siteID, model.GFS)
	if err != nil {
		t.Fatalf("GetBinding: %v", err)
	}
	if b == nil || b.StationNumber != 727730 || !b.MostRecentInitTime.Equal(t1) {
		t.Fatalf("unexpected binding: %+v", b)
	}
}

func TestReferenceCountAndDelete(t *testing.T) {
	idx := newTestIndex(t)
	station := model.StationNumber(1)
	tm := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tx, _ := idx.Begin()
	_ = UpsertSiteTx(tx, station)
	_ = InsertFileTx(tx, station, model.GFS, tm, "h")
	_ = tx.Commit()

	n, err := idx.ReferenceCount("h")
	if err != nil || n != 1 {
		t.Fatalf("ReferenceCount = %d, %v; want 1, nil", n, err)
	}
	if err := idx.DeleteFile(station, model.GFS, tm); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	n, err = idx.ReferenceCount("h")
	if err != nil || n != 0 {
		t.Fatalf("ReferenceCount after delete = %d, %v; want 0, nil", n, err)
	}
}

func TestConnectRejectsMissingIndex(t *testing.T) {
	if _, err := Connect(filepath.Join(t.TempDir(), "nope", "index.db")); err == nil {
		t.Fatalf("expected error connecting to missing index directory")
	}
}
