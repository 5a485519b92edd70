package sounding

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bufarch/internal/bferrors"
	"bufarch/internal/model"
)

// ErrNotApplicable is returned by FireCalculator methods that don't
// apply to a given sounding (e.g. no convective temperature deficit
// could be computed).
var ErrNotApplicable = errors.New("index not applicable to this sounding")

// StubProfile is the deterministic, test-only payload a StubParser
// embeds in Analysis.Sounding.Profile so StubFireCalculator can return
// fixed, caller-controlled values instead of computing anything.
type StubProfile struct {
	HainesLow, HainesMid, HainesHigh int
	HDW                              float64
	ConvTDeficitC                    *float64
	DryCAPE, WetCAPE                 float64
	CCLAGLMeters, ELASLMeters, DCAPE float64
	Broken                           bool // forces every calculator method to error
}

// StubParser parses a tiny line-based fixture format used by tests to
// drive the archive and pipelines without a real Bufkit parser:
//
//	STATION <uint32>
//	INIT <RFC3339>
//	LEAD <hours> VALID <RFC3339> LAT <f> LON <f> ELEV <f> [PROFILE <json>]
//	...
//
// Only STATION, INIT and LEAD records are accepted; an unrecognised or
// malformed line yields a Parse error, and a payload missing STATION or
// INIT (an empty payload included) yields InvalidData, matching spec
// §7's taxonomy. The optional PROFILE field carries a JSON-encoded
// StubProfile into Analysis.Sounding.Profile.
type StubParser struct{}

func (StubParser) Parse(raw []byte) (ParseResult, error) {
	var result ParseResult
	var haveStation, haveInit bool

	sc := bufio.NewScanner(bytes.NewReader(raw))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "STATION":
			if len(fields) != 2 {
				return ParseResult{}, bferrors.Newf(bferrors.Parse, "line %d: malformed STATION", lineNo)
			}
			n, err := strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				return ParseResult{}, bferrors.Newf(bferrors.Parse, "line %d: bad station number: %w", lineNo, err)
			}
			result.StationNumber = model.StationNumber(n)
			haveStation = true
		case "INIT":
			if len(fields) != 2 {
				return ParseResult{}, bferrors.Newf(bferrors.Parse, "line %d: malformed INIT", lineNo)
			}
			t, err := time.Parse(time.RFC3339, fields[1])
			if err != nil {
				return ParseResult{}, bferrors.Newf(bferrors.Parse, "line %d: bad init time: %w", lineNo, err)
			}
			result.InitTime = t.UTC()
			haveInit = true
		case "LEAD":
			a, err := parseLeadLine(fields, lineNo)
			if err != nil {
				return ParseResult{}, err
			}
			result.Analyses = append(result.Analyses, a)
		default:
			return ParseResult{}, bferrors.Newf(bferrors.Parse, "line %d: unrecognized record %q", lineNo, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return ParseResult{}, bferrors.New(bferrors.Parse, err)
	}
	if !haveStation || !haveInit {
		return ParseResult{}, bferrors.Newf(bferrors.InvalidData, "missing station number or init time")
	}
	return result, nil
}

func parseLeadLine(fields []string, lineNo int) (Analysis, error) {
	// LEAD <h> VALID <rfc3339> LAT <f> LON <f> ELEV <f> [PROFILE <json>]
	var profile *StubProfile
	if len(fields) == 12 && fields[10] == "PROFILE" {
		profile = &StubProfile{}
		if err := json.Unmarshal([]byte(fields[11]), profile); err != nil {
			return Analysis{}, bferrors.Newf(bferrors.Parse, "line %d: bad profile: %w", lineNo, err)
		}
		fields = fields[:10]
	}
	if len(fields) != 10 || fields[2] != "VALID" || fields[4] != "LAT" || fields[6] != "LON" || fields[8] != "ELEV" {
		return Analysis{}, bferrors.Newf(bferrors.Parse, "line %d: malformed LEAD record", lineNo)
	}
	leadHours, err := strconv.Atoi(fields[1])
	if err != nil {
		return Analysis{}, bferrors.Newf(bferrors.Parse, "line %d: bad lead hours: %w", lineNo, err)
	}
	valid, err := time.Parse(time.RFC3339, fields[3])
	if err != nil {
		return Analysis{}, bferrors.Newf(bferrors.Parse, "line %d: bad valid time: %w", lineNo, err)
	}
	lat, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return Analysis{}, bferrors.Newf(bferrors.Parse, "line %d: bad lat: %w", lineNo, err)
	}
	lon, err := strconv.ParseFloat(fields[7], 64)
	if err != nil {
		return Analysis{}, bferrors.Newf(bferrors.Parse, "line %d: bad lon: %w", lineNo, err)
	}
	elev, err := strconv.ParseFloat(fields[9], 64)
	if err != nil {
		return Analysis{}, bferrors.Newf(bferrors.Parse, "line %d: bad elev: %w", lineNo, err)
	}
	a := Analysis{
		LeadTime:  time.Duration(leadHours) * time.Hour,
		ValidTime: valid.UTC(),
		Sounding:  Sounding{Lat: lat, Lon: lon, ElevationM: elev},
	}
	if profile != nil {
		a.Sounding.Profile = profile
	}
	return a, nil
}

// EncodeStub renders a ParseResult back into the StubParser's fixture
// format, used by tests to build fixtures programmatically.
func EncodeStub(station model.StationNumber, initTime time.Time, analyses []Analysis) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "STATION %d\n", station)
	fmt.Fprintf(&b, "INIT %s\n", initTime.UTC().Format(time.RFC3339))
	for _, a := range analyses {
		fmt.Fprintf(&b, "LEAD %d VALID %s LAT %g LON %g ELEV %g",
			int(a.LeadTime.Hours()), a.ValidTime.UTC().Format(time.RFC3339), a.Sounding.Lat, a.Sounding.Lon, a.Sounding.ElevationM)
		if p, ok := a.Sounding.Profile.(*StubProfile); ok && p != nil {
			js, _ := json.Marshal(p)
			fmt.Fprintf(&b, " PROFILE %s", js)
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// StubFireCalculator returns the fixed values embedded in each
// Sounding's StubProfile, or an error if the sounding carries none (or
// Broken is set), letting tests exercise both the happy path and the
// "default 0 on error" / DataError branches named in spec §4.7.
type StubFireCalculator struct{}

func (StubFireCalculator) profile(s Sounding) (*StubProfile, error) {
	p, ok := s.Profile.(*StubProfile)
	if !ok || p == nil {
		return nil, ErrNotApplicable
	}
	if p.Broken {
		return nil, fmt.Errorf("stub calculator: synthetic failure")
	}
	return p, nil
}

func (c StubFireCalculator) HainesLow(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	return float64(p.HainesLow), nil
}

func (c StubFireCalculator) HainesMid(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	return float64(p.HainesMid), nil
}

func (c StubFireCalculator) HainesHigh(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	return float64(p.HainesHigh), nil
}

func (c StubFireCalculator) HDW(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	return p.HDW, nil
}

func (c StubFireCalculator) ConvectiveTempDeficitC(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	if p.ConvTDeficitC == nil {
		return 0, ErrNotApplicable
	}
	return *p.ConvTDeficitC, nil
}

func (c StubFireCalculator) CAPEPartition(s Sounding) (dryCAPE, wetCAPE float64, err error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, 0, err
	}
	return p.DryCAPE, p.WetCAPE, nil
}

func (c StubFireCalculator) CCLAGLMeters(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	return p.CCLAGLMeters, nil
}

func (c StubFireCalculator) ELASLMeters(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	return p.ELASLMeters, nil
}

func (c StubFireCalculator) DCAPE(s Sounding) (float64, error) {
	p, err := c.profile(s)
	if err != nil {
		return 0, err
	}
	return p.DCAPE, nil
}
