// Package climopipeline implements the Climatology Pipeline (spec
// §4.7): enumerator -> loader -> parser -> fire-stats -> writer ->
// reporter, a bounded-channel pipeline that derives fire-weather
// climatology rows from archived forecasts. Each stage is a single
// goroutine; the fire-stats stage also derives the location rows for
// lead_time == 0 analyses, and the writer is the only stage that
// mutates the climatology store.
package climopipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bufarch/internal/archive"
	"bufarch/internal/bferrors"
	"bufarch/internal/climostore"
	"bufarch/internal/logging"
	"bufarch/internal/model"
	"bufarch/internal/sounding"
)

// ChannelCapacity is the bounded-channel size between every stage
// (spec §4.7: "capacity-16 bounded channels").
const ChannelCapacity = 16

// LoadRequest is one (station, model, init_time) the Enumerator wants
// the Loader to retrieve from the archive.
type LoadRequest struct {
	StationNumber model.StationNumber
	Model         model.Model
	InitTime      time.Time
}

// ParseInput carries a Loader's retrieved payload to the Parser.
type ParseInput struct {
	Request LoadRequest
	Raw     []byte
}

// FireWorkItem is one analysis within a forecast cycle ready for
// fire-weather index computation (spec §4.7 step 3: "lead_time <
// hours_between_runs(model)").
type FireWorkItem struct {
	StationNumber model.StationNumber
	Model         model.Model
	Analysis      sounding.Analysis
}

// StageResult is what Write emits toward the Reporter: either a
// completed unit of work or a data error that the
// orchestrator should treat as cause to remove the offending archive
// file (spec §4.7 step 3).
type StageResult struct {
	Completed bool
	DataError bool
	Request   LoadRequest
	Err       error
}

// EnumConfig selects which (station, model) pairs the Enumerator walks
// and whether to reprocess already-recorded valid_times.
type EnumConfig struct {
	Stations     []model.StationNumber
	Models       []model.Model
	ForceRebuild bool
}

// Enumerate fetches init_times from the archive for each selected
// (station, model), skips ones whose every lead-time-zero valid_time is
// already present in the climatology store (unless ForceRebuild), and
// emits LoadRequests.
func Enumerate(ctx context.Context, cfg EnumConfig, as *archive.Service, cs *climostore.Store) <-chan LoadRequest {
	out := make(chan LoadRequest, ChannelCapacity)
	go func() {
		defer close(out)
		for _, station := range cfg.Stations {
			for _, m := range cfg.Models {
				inv, err := as.Inventory(station, m)
				if err != nil {
					continue
				}
				var present map[time.Time]struct{}
				if !cfg.ForceRebuild {
					present, _ = cs.ValidTimesFor(station, m)
				}
				for _, initTime := range inv {
					if present != nil {
						if _, ok := present[initTime]; ok {
							continue
						}
					}
					select {
					case out <- LoadRequest{StationNumber: station, Model: m, InitTime: initTime}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// Load retrieves each requested payload from the archive.
func Load(ctx context.Context, in <-chan LoadRequest, as *archive.Service) <-chan ParseInput {
	out := make(chan ParseInput, ChannelCapacity)
	go func() {
		defer close(out)
		for req := range in {
			raw, err := as.Retrieve(req.StationNumber, req.Model, req.InitTime)
			if err != nil {
				continue
			}
			select {
			case out <- ParseInput{Request: req, Raw: raw}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ParseOutput is the Parser's per-file result: either work items for
// each within-cycle analysis, or a data error for the main thread to
// react to (spec §4.7 step 3).
type ParseOutput struct {
	Request   LoadRequest
	WorkItems []FireWorkItem
	Err       error
}

// Parse parses each payload and keeps only analyses whose lead_time is
// within one forecast cycle (lead_time < hours_between_runs(model)).
func Parse(ctx context.Context, in <-chan ParseInput, parser sounding.Parser) <-chan ParseOutput {
	out := make(chan ParseOutput, ChannelCapacity)
	go func() {
		defer close(out)
		for pi := range in {
			result, err := parser.Parse(pi.Raw)
			if err != nil {
				select {
				case out <- ParseOutput{Request: pi.Request, Err: err}:
				case <-ctx.Done():
					return
				}
				continue
			}

			cycleHours := time.Duration(pi.Request.Model.HoursBetweenRuns()) * time.Hour
			var items []FireWorkItem
			for _, a := range result.Analyses {
				if a.LeadTime < cycleHours {
					items = append(items, FireWorkItem{StationNumber: pi.Request.StationNumber, Model: pi.Request.Model, Analysis: a})
				}
			}
			select {
			case out <- ParseOutput{Request: pi.Request, WorkItems: items}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WriteRequest is one unit the Writer must persist: either a fire row,
// a location row, or neither (a bare completion/error signal).
type WriteRequest struct {
	Request  LoadRequest
	Fire     *climostore.FireRow
	Location *climostore.LocationRow
	Err      error
}

// FireStats computes fire-weather indices for each work item (default
// 0 on most calculator errors, DataError on an HDW failure) and derives
// location rows for lead_time == 0 analyses (spec §4.7 steps 4-5).
func FireStats(ctx context.Context, in <-chan ParseOutput, calc sounding.FireCalculator, offsets func(model.StationNumber) time.Duration) <-chan WriteRequest {
	out := make(chan WriteRequest, ChannelCapacity)
	go func() {
		defer close(out)
		for po := range in {
			if po.Err != nil {
				select {
				case out <- WriteRequest{Request: po.Request, Err: po.Err}:
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, item := range po.WorkItems {
				req, err := buildFireRow(calc, item, offsets(item.StationNumber))
				if err != nil {
					select {
					case out <- WriteRequest{Request: po.Request, Err: err}:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case out <- req:
				case <-ctx.Done():
					return
				}

				if item.Analysis.LeadTime == 0 {
					loc := &climostore.LocationRow{
						StationNumber:  item.StationNumber,
						Model:          item.Model,
						FirstSeenValid: item.Analysis.ValidTime,
						Lat:            item.Analysis.Sounding.Lat,
						Lon:            item.Analysis.Sounding.Lon,
						ElevM:          item.Analysis.Sounding.ElevationM,
					}
					select {
					case out <- WriteRequest{Request: po.Request, Location: loc}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

func buildFireRow(calc sounding.FireCalculator, item FireWorkItem, offset time.Duration) (WriteRequest, error) {
	s := item.Analysis.Sounding

	low, err := calc.HainesLow(s)
	if err != nil {
		low = 0
	}
	mid, err := calc.HainesMid(s)
	if err != nil {
		mid = 0
	}
	high, err := calc.HainesHigh(s)
	if err != nil {
		high = 0
	}
	hdw, err := calc.HDW(s)
	if err != nil {
		return WriteRequest{}, bferrors.New(bferrors.InvalidData, err)
	}

	var convTDef *float64
	if v, err := calc.ConvectiveTempDeficitC(s); err == nil {
		convTDef = &v
	}

	var capeRatio *float64
	if dry, wet, err := calc.CAPEPartition(s); err == nil {
		r := wet / dry
		capeRatio = &r
	}

	year, month, day, hour := climostore.LocalTimeFromUTC(item.Analysis.ValidTime, offset)

	return WriteRequest{
		Fire: &climostore.FireRow{
			StationNumber: item.StationNumber,
			Model:         item.Model,
			ValidTime:     item.Analysis.ValidTime,
			YearLocal:     year, MonthLocal: month, DayLocal: day, HourLocal: hour,
			HainesLow: low, HainesMid: mid, HainesHigh: high,
			HDW:           hdw,
			ConvTDeficitC: convTDef,
			CAPERatio:     capeRatio,
		},
	}, nil
}

// Write serializes every climatology store mutation on a single thread
// to avoid multi-writer contention (spec §4.7 step 6), and emits
// StageResults for the Reporter.
func Write(ctx context.Context, in <-chan WriteRequest, cs *climostore.Store) <-chan StageResult {
	out := make(chan StageResult, ChannelCapacity)
	go func() {
		defer close(out)
		for wr := range in {
			result := StageResult{Request: wr.Request}
			switch {
			case wr.Err != nil:
				result.DataError = true
				result.Err = wr.Err
			case wr.Fire != nil:
				if err := cs.UpsertFire(*wr.Fire); err != nil {
					result.DataError = true
					result.Err = err
				} else {
					result.Completed = true
				}
			case wr.Location != nil:
				if err := cs.UpsertLocation(*wr.Location); err != nil {
					result.DataError = true
					result.Err = err
				} else {
					result.Completed = true
				}
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Summary tallies the Reporter's final counts for one pipeline run.
type Summary struct {
	Completed  int
	DataErrors int
}

// Report consumes Writer results, advancing progress on each Completed
// or DataError, and removes the offending archive file on every
// DataError, whether it came from a parse failure, an HDW failure, or a
// failed climatology store write.
func Report(ctx context.Context, in <-chan StageResult, as *archive.Service) Summary {
	log := logging.Get(logging.CategoryClimo)
	var summary Summary
	for r := range in {
		select {
		case <-ctx.Done():
			return summary
		default:
		}
		if r.DataError {
			summary.DataErrors++
			log.Warn("climatology data error, removing archive file",
				zap.Uint32("station_number", uint32(r.Request.StationNumber)))
			_ = as.Remove(r.Request.StationNumber, r.Request.Model, r.Request.InitTime)
			continue
		}
		if r.Completed {
			summary.Completed++
		}
	}
	return summary
}
