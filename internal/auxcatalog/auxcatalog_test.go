package auxcatalog

import (
	"path/filepath"
	"testing"

	"bufarch/internal/model"
)

func TestAutoDownloadListAddRemoveContains(t *testing.T) {
	l, err := OpenAutoDownloadList(filepath.Join(t.TempDir(), "auto_download.db"))
	if err != nil {
		t.Fatalf("OpenAutoDownloadList: %v", err)
	}
	defer l.Close()

	ok, err := l.Contains(727730)
	if err != nil || ok {
		t.Fatalf("Contains before Add = %v, %v; want false, nil", ok, err)
	}
	if err := l.Add(727730); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Add(727730); err != nil {
		t.Fatalf("repeat Add: %v", err)
	}
	ok, err = l.Contains(727730)
	if err != nil || !ok {
		t.Fatalf("Contains after Add = %v, %v; want true, nil", ok, err)
	}

	if err := l.Add(1); err != nil {
		t.Fatalf("Add second station: %v", err)
	}
	stations, err := l.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stations) != 2 || stations[0] != model.StationNumber(1) || stations[1] != model.StationNumber(727730) {
		t.Fatalf("List = %v, want [1, 727730]", stations)
	}

	if err := l.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err = l.Contains(1)
	if err != nil || ok {
		t.Fatalf("Contains after Remove = %v, %v; want false, nil", ok, err)
	}
}

func TestMissingURLsAddContains(t *testing.T) {
	m, err := OpenMissingURLs(filepath.Join(t.TempDir(), "404.db"))
	if err != nil {
		t.Fatalf("OpenMissingURLs: %v", err)
	}
	defer m.Close()

	url := "https://example.test/gfs/727730/20260101t00z.buf"
	ok, err := m.Contains(url)
	if err != nil || ok {
		t.Fatalf("Contains before Add = %v, %v; want false, nil", ok, err)
	}
	if err := m.Add(url); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(url); err != nil {
		t.Fatalf("repeat Add: %v", err)
	}
	ok, err = m.Contains(url)
	if err != nil || !ok {
		t.Fatalf("Contains after Add = %v, %v; want true, nil", ok, err)
	}

	list, err := m.List()
	if err != nil || len(list) != 1 || list[0] != url {
		t.Fatalf("List = %v, %v; want [%s], nil", list, err, url)
	}

	if err := m.Remove(url); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ok, err = m.Contains(url)
	if err != nil || ok {
		t.Fatalf("Contains after Remove = %v, %v; want false, nil", ok, err)
	}
}
