// Package sourceadapter implements the Source Adapter (SA): given a
// (site_id, station?, model, init_time) triple, either decline or
// produce a Request describing the URL to fetch and any corrections
// (site-id rewrite) to apply (spec §4.8).
//
// The default implementation, StaticAdapter, is a single struct holding
// three tagged-predicate slices scanned linearly in BuildRequest — no
// per-source trait objects or virtual dispatch, matching the teacher's
// []TechnologyPattern linear-scan idiom in internal/shards/matching.go.
// The invalid-combination and rewrite tables are operator-editable data
// (spec.md §9's redesign note), loaded from config rather than compiled
// in.
package sourceadapter

import (
	"strings"
	"text/template"
	"time"

	"bufarch/internal/bferrors"
	"bufarch/internal/config"
	"bufarch/internal/model"
)

// Request is what BuildRequest produces for an accepted triple: the URL
// to fetch, plus the site_id actually bound after any rewrite.
type Request struct {
	SiteId model.SiteId
	Model  model.Model
	Init   time.Time
	URL    string
}

// Adapter is the pipeline's uniform view of a request source. The
// pipeline tries adapters in order and uses the first to accept.
type Adapter interface {
	BuildRequest(siteID model.SiteId, station *model.StationNumber, m model.Model, init time.Time) (*Request, bool)
}

// InvalidCombo marks a (site, model) pair as producing no data within
// [Start, End) (End zero means unbounded), encoding an empirical
// upstream gap.
type InvalidCombo struct {
	SiteId model.SiteId
	Model  model.Model
	Start  time.Time
	End    time.Time
}

func (c InvalidCombo) matches(siteID model.SiteId, m model.Model, init time.Time) bool {
	if c.SiteId != siteID || c.Model != m {
		return false
	}
	if init.Before(c.Start) {
		return false
	}
	if !c.End.IsZero() && !init.Before(c.End) {
		return false
	}
	return true
}

// Rewrite renames a site_id to To for (model, time range) windows where
// the upstream source used a different identifier, e.g. a station
// rename effective on a specific date.
type Rewrite struct {
	From, To model.SiteId
	Model    model.Model
	Start    time.Time
	End      time.Time
}

func (r Rewrite) matches(siteID model.SiteId, m model.Model, init time.Time) bool {
	if r.From != siteID || r.Model != m {
		return false
	}
	if init.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !init.Before(r.End) {
		return false
	}
	return true
}

// URLTemplate renders a fetch URL for Model using Go's text/template
// syntax, with fields SiteId (lower case) and Init (time.Time) available.
type URLTemplate struct {
	Model    model.Model
	Template string
}

type templateData struct {
	SiteId string
	Init   time.Time
}

// StaticAdapter is the default Adapter: three linearly-scanned tables
// plus a URL template per model.
type StaticAdapter struct {
	invalidCombos []InvalidCombo
	rewrites      []Rewrite
	urlTemplates  []URLTemplate
}

// NewStaticAdapter builds an adapter from operator-configured tables
// (typically loaded via config.SourceAdapterConfig).
func NewStaticAdapter(invalid []InvalidCombo, rewrites []Rewrite, templates []URLTemplate) *StaticAdapter {
	return &StaticAdapter{invalidCombos: invalid, rewrites: rewrites, urlTemplates: templates}
}

// FromConfig builds a StaticAdapter from the operator-editable YAML
// tables (spec.md §9: the invalid-combination list "MUST be
// configurable rather than compiled in").
func FromConfig(cfg config.SourceAdapterConfig) (*StaticAdapter, error) {
	invalid := make([]InvalidCombo, 0, len(cfg.InvalidCombos))
	for _, c := range cfg.InvalidCombos {
		m, err := model.ParseModel(c.Model)
		if err != nil {
			return nil, bferrors.New(bferrors.InvalidData, err)
		}
		ic := InvalidCombo{SiteId: model.NewSiteId(c.SiteId), Model: m}
		if c.From != nil {
			ic.Start = c.From.UTC()
		}
		if c.To != nil {
			ic.End = c.To.UTC()
		}
		invalid = append(invalid, ic)
	}

	rewrites := make([]Rewrite, 0, len(cfg.Rewrites))
	for _, r := range cfg.Rewrites {
		m, err := model.ParseModel(r.Model)
		if err != nil {
			return nil, bferrors.New(bferrors.InvalidData, err)
		}
		rw := Rewrite{From: model.NewSiteId(r.FromSiteId), To: model.NewSiteId(r.ToSiteId), Model: m}
		if r.From != nil {
			rw.Start = r.From.UTC()
		}
		if r.To != nil {
			rw.End = r.To.UTC()
		}
		rewrites = append(rewrites, rw)
	}

	templates := make([]URLTemplate, 0, len(cfg.URLTemplates))
	for _, t := range cfg.URLTemplates {
		m, err := model.ParseModel(t.Model)
		if err != nil {
			return nil, bferrors.New(bferrors.InvalidData, err)
		}
		templates = append(templates, URLTemplate{Model: m, Template: t.Template})
	}

	return NewStaticAdapter(invalid, rewrites, templates), nil
}

// BuildRequest scans the invalid-combination table first (reject if any
// match), then the rewrite table (apply the first match, if any), then
// the URL-template table (accept only if a template exists for m).
func (a *StaticAdapter) BuildRequest(siteID model.SiteId, station *model.StationNumber, m model.Model, init time.Time) (*Request, bool) {
	for _, c := range a.invalidCombos {
		if c.matches(siteID, m, init) {
			return nil, false
		}
	}

	effective := siteID
	for _, r := range a.rewrites {
		if r.matches(siteID, m, init) {
			effective = r.To
			break
		}
	}

	var tmplSrc string
	found := false
	for _, t := range a.urlTemplates {
		if t.Model == m {
			tmplSrc = t.Template
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}

	tmpl, err := template.New("url").Parse(tmplSrc)
	if err != nil {
		return nil, false
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, templateData{SiteId: strings.ToLower(string(effective)), Init: init.UTC()}); err != nil {
		return nil, false
	}

	return &Request{SiteId: effective, Model: m, Init: init.UTC(), URL: b.String()}, true
}

// BuildFirstAccepted tries each adapter in order, returning the first
// accepted Request, mirroring the pipeline's own adapter-chain contract
// (spec §4.8's "tries adapters in order").
func BuildFirstAccepted(adapters []Adapter, siteID model.SiteId, station *model.StationNumber, m model.Model, init time.Time) (*Request, error) {
	for _, a := range adapters {
		if req, ok := a.BuildRequest(siteID, station, m, init); ok {
			return req, nil
		}
	}
	return nil, bferrors.Newf(bferrors.NotFound, "no source adapter accepted %s/%s at %s", siteID, m, init)
}
