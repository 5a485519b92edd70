// Package download implements the Download Pipeline (spec §4.5): a
// four-stage, channel-connected generator -> fetcher -> persister ->
// reporter run that fills the archive from the upstream forecast
// source. Stages are plain functions over channels, matching the
// teacher's errgroup-bounded fan-out idiom in
// internal/campaign/intelligence_gatherer.go, adapted from an ad-hoc
// gatherer report into a streaming pipeline: every stage is a single
// goroutine except Fetch, whose workers share one input and one output
// channel.
package download

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bufarch/internal/archive"
	"bufarch/internal/auxcatalog"
	"bufarch/internal/bferrors"
	"bufarch/internal/logging"
	"bufarch/internal/model"
	"bufarch/internal/sourceadapter"
)

// ChannelCapacity is the default bounded-channel size between stages
// (spec §4.5: "capacity 16 unless stated").
const ChannelCapacity = 16

// DefaultFetchWorkers is the fetcher's fan-out width (spec §4.5:
// "fan-out, 3 workers").
const DefaultFetchWorkers = 3

// missingURLAgeThreshold is how old a missing file's init_time must be
// before the reporter records its URL as permanently missing (spec
// §4.5 step 4: "never for fresher ones -- the file may still appear
// upstream").
const missingURLAgeThreshold = 27 * time.Hour

// Request is one candidate download, emitted by Generate.
type Request struct {
	SiteId   model.SiteId
	Station  *model.StationNumber
	Model    model.Model
	InitTime time.Time
	URL      string
}

// FetchOutcome tags which of the four Fetcher variants a FetchResult
// carries (spec §4.5 step 2).
type FetchOutcome int

const (
	BufkitFileAsString FetchOutcome = iota
	URLNotFound
	OtherURLStatus
	OtherDownloadError
)

// FetchResult is what the Fetcher emits for one Request.
type FetchResult struct {
	Request Request
	Outcome FetchOutcome
	Body    []byte
	Status  int
	Message string
}

// PersistOutcome tags which of the Persister's result variants a
// PersistResult carries (spec §4.5 step 3).
type PersistOutcome int

const (
	Success PersistOutcome = iota
	ParseError
	ArchiveError
	StationIdMoved
	// PassThrough carries a non-BufkitFileAsString FetchResult
	// unchanged, per "other variants pass through unchanged".
	PassThrough
)

// PersistResult is what the Persister emits for one FetchResult.
type PersistResult struct {
	Request   Request
	Outcome   PersistOutcome
	FetchFrom FetchOutcome // valid only when Outcome == PassThrough
	Message   string       // carries FetchResult.Message through a PassThrough
	Err       error
}

// GenConfig parameterizes Generate: the site/model/window selection
// and the outstanding-request cap (spec §4.5 step 1: "order 1-2k").
// Sites, when empty, tells Generate to fall back to the auto-download
// list instead of an explicit site selection (spec §4.5 step 1:
// "explicit list or auto-download list").
type GenConfig struct {
	Sites          []model.SiteId
	Models         []model.Model
	Start, End     time.Time
	MaxOutstanding int
}

// sitesForModel returns cfg.Sites when non-empty, otherwise resolves
// the auto-download station list (which only knows station numbers)
// back to site_ids bound for m, mirroring the original's
// list_of_auto_download fallback.
func sitesForModel(cfg GenConfig, m model.Model, as *archive.Service, autoDownload *auxcatalog.AutoDownloadList) ([]model.SiteId, error) {
	if len(cfg.Sites) > 0 {
		return cfg.Sites, nil
	}
	if autoDownload == nil {
		return nil, nil
	}
	stations, err := autoDownload.List()
	if err != nil {
		return nil, err
	}
	wanted := make(map[model.StationNumber]struct{}, len(stations))
	for _, s := range stations {
		wanted[s] = struct{}{}
	}

	bindings, err := as.BindingsForModel(m)
	if err != nil {
		return nil, err
	}
	var sites []model.SiteId
	for _, b := range bindings {
		if _, ok := wanted[b.StationNumber]; ok {
			sites = append(sites, b.SiteId)
		}
	}
	return sites, nil
}

// Generate enumerates candidate (site, model, init_time) triples in
// order of decreasing init_time, applies the three filters named in
// spec §4.5 step 1 (invalid combo, already archived, known-missing
// URL), consults adapters in order for a URL, and emits accepted
// Requests. It closes the returned channel when done or when ctx is
// canceled. When cfg.Sites is empty, sites are drawn from
// autoDownload's station list instead (spec §4.5 step 1).
func Generate(ctx context.Context, cfg GenConfig, adapters []sourceadapter.Adapter, as *archive.Service, missing *auxcatalog.MissingURLs, autoDownload *auxcatalog.AutoDownloadList) <-chan Request {
	out := make(chan Request, ChannelCapacity)
	go func() {
		defer close(out)
		emitted := 0
		for _, m := range cfg.Models {
			sites, err := sitesForModel(cfg, m, as, autoDownload)
			if err != nil {
				continue
			}
			for _, siteID := range sites {
				step := time.Duration(m.HoursBetweenRuns()) * time.Hour
				if step <= 0 {
					continue
				}
				station, lookupErr := as.StationForID(siteID, m)
				var stationPtr *model.StationNumber
				if lookupErr == nil {
					stationPtr = &station
				}

				for t := cfg.End; !t.Before(cfg.Start); t = t.Add(-step) {
					if cfg.MaxOutstanding > 0 && emitted >= cfg.MaxOutstanding {
						return
					}
					select {
					case <-ctx.Done():
						return
					default:
					}

					if stationPtr != nil {
						exists, err := as.FileExists(*stationPtr, m, t)
						if err == nil && exists {
							continue
						}
					}

					req, err := sourceadapter.BuildFirstAccepted(adapters, siteID, stationPtr, m, t)
					if err != nil {
						continue
					}

					if missing != nil {
						known, err := missing.Contains(req.URL)
						if err == nil && known {
							continue
						}
					}

					candidate := Request{SiteId: req.SiteId, Station: stationPtr, Model: m, InitTime: t, URL: req.URL}
					select {
					case out <- candidate:
						emitted++
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// Fetch fans a single input channel out to workers concurrent HTTP
// fetches via errgroup.SetLimit, matching the teacher's
// errgroup.WithContext bounded-concurrency idiom; results are emitted
// on a single shared output channel as they complete, so downstream
// ordering is not preserved across fetchers (spec §5's explicit
// ordering guarantee).
func Fetch(ctx context.Context, in <-chan Request, client *http.Client, workers int) <-chan FetchResult {
	if workers <= 0 {
		workers = DefaultFetchWorkers
	}
	out := make(chan FetchResult, ChannelCapacity)
	go func() {
		defer close(out)
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(workers)

		for req := range in {
			req := req
			eg.Go(func() error {
				result := fetchOne(egCtx, client, req)
				select {
				case out <- result:
				case <-ctx.Done():
				}
				return nil
			})
		}
		_ = eg.Wait()
	}()
	return out
}

func fetchOne(ctx context.Context, client *http.Client, req Request) FetchResult {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return FetchResult{Request: req, Outcome: OtherDownloadError, Message: err.Error()}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return FetchResult{Request: req, Outcome: OtherDownloadError, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{Request: req, Outcome: OtherDownloadError, Message: err.Error()}
		}
		return FetchResult{Request: req, Outcome: BufkitFileAsString, Body: body}
	case http.StatusNotFound:
		return FetchResult{Request: req, Outcome: URLNotFound, Status: resp.StatusCode}
	default:
		return FetchResult{Request: req, Outcome: OtherURLStatus, Status: resp.StatusCode}
	}
}

// Persist is the pipeline's single writer: on BufkitFileAsString it
// calls archive.Service.Add, translating the outcome to
// Success/ParseError/ArchiveError/StationIdMoved; every other Fetcher
// variant passes through unchanged (spec §4.5 step 3).
func Persist(ctx context.Context, in <-chan FetchResult, as *archive.Service) <-chan PersistResult {
	out := make(chan PersistResult, ChannelCapacity)
	go func() {
		defer close(out)
		for fr := range in {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if fr.Outcome != BufkitFileAsString {
				select {
				case out <- PersistResult{Request: fr.Request, Outcome: PassThrough, FetchFrom: fr.Outcome, Message: fr.Message}:
				case <-ctx.Done():
					return
				}
				continue
			}

			_, err := as.Add(fr.Request.SiteId, fr.Request.Model, fr.Body)
			result := PersistResult{Request: fr.Request}
			switch {
			case err == nil:
				result.Outcome = Success
			case bferrors.Is(err, bferrors.Parse) || bferrors.Is(err, bferrors.InvalidData):
				result.Outcome = ParseError
				result.Err = err
			case bferrors.Is(err, bferrors.IdMovedStation):
				result.Outcome = StationIdMoved
				result.Err = err
			default:
				result.Outcome = ArchiveError
				result.Err = err
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
	Success    int
	ParseError int
	Archive    int
	IdMoved    int
	NotFound   int
	OtherError int
}

// Report consumes the Persister's results, logging one line per
// downloaded, rejected, or failed file (via the download-category
// logger rather than raw stdout, matching the teacher's
// structured-logging convention; 404s are counted but not logged) and
// recording
// permanently-missing URLs (init_time older than missingURLAgeThreshold)
// in the MissingUrlDb so future Generate runs skip them (spec §4.5
// step 4).
func Report(ctx context.Context, in <-chan PersistResult, missing *auxcatalog.MissingURLs) Summary {
	log := logging.Get(logging.CategoryDownload)
	var summary Summary
	now := time.Now().UTC()

	for r := range in {
		switch r.Outcome {
		case Success:
			summary.Success++
			log.Info("downloaded", zap.String("site_id", string(r.Request.SiteId)))
		case ParseError:
			summary.ParseError++
			log.Warn("parse error", zap.String("site_id", string(r.Request.SiteId)))
		case StationIdMoved:
			summary.IdMoved++
			log.Warn("station id moved, rejected", zap.String("site_id", string(r.Request.SiteId)))
		case ArchiveError:
			summary.Archive++
			log.Error("archive error", zap.String("site_id", string(r.Request.SiteId)))
		case PassThrough:
			switch r.FetchFrom {
			case URLNotFound:
				summary.NotFound++
				if missing != nil && now.Sub(r.Request.InitTime) > missingURLAgeThreshold {
					_ = missing.Add(r.Request.URL)
				}
			default:
				summary.OtherError++
				log.Warn("download error", zap.String("site_id", string(r.Request.SiteId)), zap.String("detail", r.Message))
			}
		}
	}
	return summary
}
