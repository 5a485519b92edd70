// Package model defines the core domain value types shared by every
// archive and climatology component: station identity, forecast model
// enumeration, and site metadata.
package model

import (
	"fmt"
	"strings"
	"time"
)

// StationNumber identifies a physical reporting location, assigned by
// the upstream meteorological system. Immutable once assigned.
type StationNumber uint32

// SiteId is a short case-insensitive string used in URLs and user
// input (e.g. "kord"). Always stored normalised to upper case.
type SiteId string

// NewSiteId normalises raw input the way every boundary in the archive
// expects it to arrive.
func NewSiteId(raw string) SiteId {
	return SiteId(strings.ToUpper(strings.TrimSpace(raw)))
}

func (s SiteId) String() string { return string(s) }

// Model is the closed enum of supported forecast models.
type Model int

const (
	GFS Model = iota
	NAM
	NAM4KM
)

// HoursBetweenRuns returns the cadence, in hours, at which a model
// produces a new forecast run.
func (m Model) HoursBetweenRuns() int {
	switch m {
	case GFS:
		return 6
	case NAM:
		return 6
	case NAM4KM:
		return 1
	default:
		return 0
	}
}

// String returns the canonical lowercase name used in URLs and on disk.
func (m Model) String() string {
	switch m {
	case GFS:
		return "gfs"
	case NAM:
		return "nam"
	case NAM4KM:
		return "nam4km"
	default:
		return "unknown"
	}
}

// ParseModel parses a canonical (case-insensitive) model name.
func ParseModel(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gfs":
		return GFS, nil
	case "nam":
		return NAM, nil
	case "nam4km":
		return NAM4KM, nil
	default:
		return 0, fmt.Errorf("unknown model %q", s)
	}
}

// AllModels lists every model in the closed enum, in declaration order.
func AllModels() []Model { return []Model{GFS, NAM, NAM4KM} }

// SiteInfo is the mutable metadata record owned by the Archive Index,
// created lazily on first successful add.
type SiteInfo struct {
	StationNumber StationNumber
	Name          *string
	State         *string
	Notes         *string
	UTCOffset     *time.Duration // nil means UTC (offset 0)
	AutoDownload  bool
}

// Offset returns the site's UTC offset, defaulting to zero when unset.
func (s SiteInfo) Offset() time.Duration {
	if s.UTCOffset == nil {
		return 0
	}
	return *s.UTCOffset
}

// IdBinding records the (site_id, model) -> station_number mapping and
// the most recent init_time observed for that pair, used to decide
// whether a rebinding is a legitimate rename (§4.3 step 4).
type IdBinding struct {
	SiteId             SiteId
	Model              Model
	StationNumber      StationNumber
	MostRecentInitTime time.Time
}
