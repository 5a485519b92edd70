// Package sounding defines the contracts this system treats as external
// collaborators: the Bufkit text-format parser and the fire-weather
// index calculators (spec §1 "Deliberately OUT OF SCOPE"). Only the
// interfaces and plain data shapes live here; real implementations are
// supplied by the caller. A deterministic stub is provided for tests
// that need to drive the pipelines end-to-end without a real parser.
package sounding

import (
	"time"

	"bufarch/internal/model"
)

// Sounding is the vertical atmospheric profile at a single valid time.
// Its internal structure is opaque to this system: fire-weather
// calculators are pure functions from a Sounding to a scalar or error,
// and this system never inspects profile levels directly.
type Sounding struct {
	Lat       float64
	Lon       float64
	ElevationM float64
	// Profile carries whatever vertical-level data a concrete
	// FireCalculator implementation needs; this system passes it
	// through without interpreting it.
	Profile any
}

// Analysis is one forecast valid-time entry within a parsed Bufkit
// file: a lead time offset from the file's init time, plus the
// sounding valid at that time.
type Analysis struct {
	LeadTime  time.Duration
	ValidTime time.Time
	Sounding  Sounding
}

// ParseResult is the time-ordered sequence of forecast analyses a
// successful parse produces, plus the station identity carried in the
// file itself.
type ParseResult struct {
	StationNumber model.StationNumber
	InitTime      time.Time
	Analyses      []Analysis // ordered by increasing LeadTime
}

// Parser parses a raw Bufkit payload into a ParseResult. A real
// implementation lives outside this system; this package only states
// the contract archive.Service.Add and climopipeline.Parse rely on.
type Parser interface {
	Parse(raw []byte) (ParseResult, error)
}

// FireCalculator computes the fire-weather indices this system stores
// per analysis. Every method is a pure function of a Sounding; a
// real implementation lives outside this system (spec §1).
type FireCalculator interface {
	HainesLow(s Sounding) (float64, error)
	HainesMid(s Sounding) (float64, error)
	HainesHigh(s Sounding) (float64, error)
	HDW(s Sounding) (float64, error)
	// ConvectiveTempDeficitC is optional: implementations may return
	// (0, ErrNotApplicable) when the sounding doesn't support it.
	ConvectiveTempDeficitC(s Sounding) (float64, error)
	// CAPEPartition splits CAPE into a dry and wet component via
	// parcel lift partitioning; CAPERatio = wetCAPE / dryCAPE.
	CAPEPartition(s Sounding) (dryCAPE, wetCAPE float64, err error)
	CCLAGLMeters(s Sounding) (float64, error)
	ELASLMeters(s Sounding) (float64, error)
	DCAPE(s Sounding) (float64, error)
}
