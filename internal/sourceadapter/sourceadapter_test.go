package sourceadapter

import (
	"testing"
	"time"

	"bufarch/internal/bferrors"
	"bufarch/internal/config"
	"bufarch/internal/model"
)

func TestStaticAdapterBuildsURL(t *testing.T) {
	a := NewStaticAdapter(nil, nil, []URLTemplate{
		{Model: model.GFS, Template: "https://example.test/gfs/{{.SiteId}}/{{.Init.Format \"20060102_15\"}}z.buf"},
	})
	init := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	req, ok := a.BuildRequest(model.NewSiteId("kmso"), nil, model.GFS, init)
	if !ok {
		t.Fatalf("expected acceptance")
	}
	want := "https://example.test/gfs/kmso/20260101_12z.buf"
	if req.URL != want {
		t.Fatalf("URL = %q, want %q", req.URL, want)
	}
}

func TestStaticAdapterRejectsMissingTemplate(t *testing.T) {
	a := NewStaticAdapter(nil, nil, []URLTemplate{{Model: model.NAM, Template: "https://example.test/{{.SiteId}}"}})
	_, ok := a.BuildRequest(model.NewSiteId("kmso"), nil, model.GFS, time.Now().UTC())
	if ok {
		t.Fatalf("expected rejection for model with no template")
	}
}

func TestStaticAdapterInvalidCombo(t *testing.T) {
	siteID := model.NewSiteId("kmso")
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewStaticAdapter(
		[]InvalidCombo{{SiteId: siteID, Model: model.GFS, Start: start, End: end}},
		nil,
		[]URLTemplate{{Model: model.GFS, Template: "https://example.test/{{.SiteId}}"}},
	)

	if _, ok := a.BuildRequest(siteID, nil, model.GFS, start.Add(time.Hour)); ok {
		t.Fatalf("expected rejection within invalid-combo window")
	}
	if _, ok := a.BuildRequest(siteID, nil, model.GFS, end.Add(time.Hour)); !ok {
		t.Fatalf("expected acceptance outside invalid-combo window")
	}
}

func TestStaticAdapterRewrite(t *testing.T) {
	oldID := model.NewSiteId("kold")
	newID := model.NewSiteId("knew")
	cutover := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	a := NewStaticAdapter(
		nil,
		[]Rewrite{{From: oldID, To: newID, Model: model.GFS, Start: cutover}},
		[]URLTemplate{{Model: model.GFS, Template: "https://example.test/{{.SiteId}}"}},
	)

	req, ok := a.BuildRequest(oldID, nil, model.GFS, cutover.Add(time.Hour))
	if !ok {
		t.Fatalf("expected acceptance")
	}
	if req.SiteId != newID {
		t.Fatalf("site id = %s, want rewritten %s", req.SiteId, newID)
	}

	req, ok = a.BuildRequest(oldID, nil, model.GFS, cutover.Add(-time.Hour))
	if !ok {
		t.Fatalf("expected acceptance before cutover")
	}
	if req.SiteId != oldID {
		t.Fatalf("site id = %s, want unrewritten %s", req.SiteId, oldID)
	}
}

func TestBuildFirstAcceptedTriesInOrder(t *testing.T) {
	decline := NewStaticAdapter(nil, nil, nil)
	accept := NewStaticAdapter(nil, nil, []URLTemplate{{Model: model.GFS, Template: "https://example.test/{{.SiteId}}"}})

	req, err := BuildFirstAccepted([]Adapter{decline, accept}, model.NewSiteId("kmso"), nil, model.GFS, time.Now().UTC())
	if err != nil {
		t.Fatalf("BuildFirstAccepted: %v", err)
	}
	if req == nil {
		t.Fatalf("expected non-nil request")
	}

	_, err = BuildFirstAccepted([]Adapter{decline}, model.NewSiteId("kmso"), nil, model.GFS, time.Now().UTC())
	if !bferrors.Is(err, bferrors.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestFromConfigBuildsAdapter(t *testing.T) {
	cfg := config.SourceAdapterConfig{
		URLTemplates: []config.URLTemplateConfig{
			{Model: "gfs", Template: "https://example.test/gfs/{{.SiteId}}"},
		},
	}
	a, err := FromConfig(cfg)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	req, ok := a.BuildRequest(model.NewSiteId("kmso"), nil, model.GFS, time.Now().UTC())
	if !ok || req == nil {
		t.Fatalf("expected acceptance from configured template")
	}
}
