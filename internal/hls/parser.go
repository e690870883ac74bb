// Package hls parses HLS playlists into the engine's manifest model
// and keeps live presentations current by refetching on the target
// duration cadence.
package hls

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/config"
	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/manifest"
	"github.com/psychrist666/liveline/internal/media"
	"github.com/psychrist666/liveline/internal/metrics"
	"github.com/psychrist666/liveline/internal/stats"
)

// Dependencies wires a parser into the rest of the engine. Metrics and
// Stats may be nil. HLS dates segments with EXT-X-PROGRAM-DATE-TIME, so
// no clock synchronizer is involved.
type Dependencies struct {
	Fetcher fetch.Fetcher
	Hooks   manifest.Hooks
	Config  config.EngineConfig
	Metrics *metrics.Metrics
	Stats   *stats.Aggregator
}

// Parser loads an HLS presentation and, for live content, refreshes it
// until stopped. A parser serves one presentation; Start may be called
// once.
type Parser struct {
	deps Dependencies
	log  zerolog.Logger

	mu         sync.Mutex
	started    bool
	stopped    bool
	generation int
	manifest   *manifest.Manifest
	merger     *manifest.Merger
	uris       []string
	cadence    float64
	cancel     context.CancelFunc
	done       chan struct{}

	// applying holds Stop open while the initial parse applies periods
	// and fires hooks.
	applying sync.WaitGroup

	updateNow chan struct{}

	// windows and the availability anchor are touched only by the
	// goroutine parsing playlists: Start first, then the refresh loop.
	windows    map[string]*windowState
	availStart time.Time
	availSet   bool
}

func New(deps Dependencies) *Parser {
	return &Parser{
		deps:      deps,
		log:       logger.Component("hls"),
		updateNow: make(chan struct{}, 1),
		windows:   make(map[string]*windowState),
	}
}

// Start fetches and parses the playlist at uri on the calling
// goroutine, fanning out to media playlists when uri names a master.
// Live presentations then refresh on the smallest live target
// duration. Start returns (nil, nil) when Stop won the race against
// the initial parse.
func (p *Parser) Start(ctx context.Context, uri string) (*manifest.Manifest, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, nil
	}
	if p.started {
		p.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	p.started = true
	p.uris = []string{uri}
	gen := p.generation
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	fetchStart := time.Now()
	pres, err := p.loadPresentation(runCtx, []string{uri})
	if err != nil {
		p.mu.Lock()
		stopped := p.stopped || p.generation != gen
		if !stopped {
			p.started = false
		}
		p.mu.Unlock()
		if stopped {
			return nil, nil
		}
		p.deps.Metrics.RecordUpdate(metrics.ResultError)
		p.deps.Stats.RecordFailure()
		return nil, fmt.Errorf("initial playlist load: %w", err)
	}

	p.mu.Lock()
	if p.stopped || p.generation != gen {
		p.mu.Unlock()
		return nil, nil
	}
	p.applying.Add(1)
	p.mu.Unlock()

	man, merger := p.buildManifest(pres)
	evicted := merger.Apply([]*manifest.Period{pres.period})
	elapsed := time.Since(fetchStart)
	p.observeSuccess(man, elapsed, evicted)
	p.applying.Done()
	firstDelay := p.nextUpdateDelay(fetchStart, pres.cadence)

	p.mu.Lock()
	if p.stopped || p.generation != gen {
		p.mu.Unlock()
		return nil, nil
	}
	p.manifest = man
	p.merger = merger
	p.cadence = pres.cadence

	schedule := pres.live && pres.cadence >= 0
	if schedule {
		p.done = make(chan struct{})
		go p.refreshLoop(runCtx, firstDelay)
	}
	p.mu.Unlock()

	p.log.Info().
		Str("uri", uri).
		Str("type", string(man.Type())).
		Int("variants", len(pres.period.Variants)).
		Bool("scheduled", schedule).
		Dur("elapsed", elapsed).
		Msg("Playlist loaded")
	return man, nil
}

// Stop halts updates and cancels in-flight work. It is idempotent and
// terminal; no hook fires after it returns.
func (p *Parser) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.generation++
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.applying.Wait()
	if done != nil {
		<-done
	}
	p.log.Debug().Msg("Parser stopped")
}

// Update requests an immediate refresh. It is a no-op while no refresh
// loop is running; back-to-back requests collapse into one.
func (p *Parser) Update() {
	select {
	case p.updateNow <- struct{}{}:
	default:
	}
}

// Manifest returns the live manifest, nil before Start completes.
func (p *Parser) Manifest() *manifest.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest
}

// refreshLoop drives periodic updates. It owns all manifest mutation
// after the initial parse and exits on cancellation or when every
// playlist has ended.
func (p *Parser) refreshLoop(ctx context.Context, first time.Duration) {
	defer close(p.done)

	p.log.Debug().Dur("delay", first).Msg("Scheduled playlist update")
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.updateNow:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		start := time.Now()
		err := p.update(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Warn().Err(err).Msg("Playlist update failed")
			if p.deps.Hooks.OnError != nil {
				p.deps.Hooks.OnError(err)
			}
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		if p.cadence < 0 || !p.manifest.IsLive() {
			p.mu.Unlock()
			p.log.Debug().Msg("Playlist ended, leaving refresh loop")
			return
		}
		cadence := p.cadence
		p.mu.Unlock()

		delay := p.nextUpdateDelay(start, cadence)
		p.log.Debug().Dur("delay", delay).Msg("Scheduled playlist update")
		timer.Reset(delay)
	}
}

// update performs one fetch-parse-merge round trip.
func (p *Parser) update(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	gen := p.generation
	man := p.manifest
	merger := p.merger
	uris := append([]string(nil), p.uris...)
	p.mu.Unlock()

	start := time.Now()
	pres, err := p.loadPresentation(ctx, uris)
	if err != nil {
		if errors.Is(err, fetch.ErrNotModified) {
			p.log.Debug().Msg("Playlist not modified")
			p.deps.Metrics.RecordUpdate(metrics.ResultNotModified)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		p.deps.Metrics.RecordUpdate(metrics.ResultError)
		p.deps.Stats.RecordFailure()
		return err
	}

	p.mu.Lock()
	if p.stopped || p.generation != gen {
		p.mu.Unlock()
		return nil
	}
	p.cadence = pres.cadence
	p.mu.Unlock()

	p.applyPresentation(man, pres)
	evicted := merger.Apply([]*manifest.Period{pres.period})
	p.observeSuccess(man, time.Since(start), evicted)
	return nil
}

// buildManifest creates the timeline, manifest, and merger for the
// first parsed presentation. Live content anchors presentation time
// zero on program date time when available, else on the live edge.
func (p *Parser) buildManifest(pres *presentation) (*manifest.Manifest, *manifest.Merger) {
	var anchor time.Time
	if pres.live {
		anchor = anchorAvailabilityStart(pres, time.Now())
	}

	tl := media.NewPresentationTimeline(anchor, p.deps.Config.DefaultPresentationDelay.Seconds())
	man := manifest.New(tl)

	p.availStart = anchor
	p.availSet = pres.live && !pres.firstPDT.IsZero()

	p.applyPresentation(man, pres)
	return man, manifest.NewMerger(man, p.mergerHooks())
}

// mergerHooks instruments the region hook before the merger sees it.
func (p *Parser) mergerHooks() manifest.Hooks {
	hooks := p.deps.Hooks
	onRegion := hooks.OnTimelineRegionAdded
	hooks.OnTimelineRegionAdded = func(r media.TimelineRegion) {
		p.deps.Metrics.IncTimelineRegions()
		if onRegion != nil {
			onRegion(r)
		}
	}
	return hooks
}

// applyPresentation folds a parsed presentation's attributes into the
// live manifest and its timeline.
func (p *Parser) applyPresentation(man *manifest.Manifest, pres *presentation) {
	tl := man.Timeline

	if pres.live {
		man.SetType(manifest.TypeDynamic)
	} else {
		man.SetType(manifest.TypeStatic)
	}

	tl.SetStatic(!pres.live)
	tl.SetMinUpdatePeriod(pres.cadence)
	if pres.maxSegDur > 0 {
		tl.NotifyMaxSegmentDuration(pres.maxSegDur)
	}
	if pres.live {
		if pres.windowDuration > 0 {
			tl.SetTimeShiftBufferDepth(pres.windowDuration)
		}
		tl.SetDuration(math.Inf(1))
	} else {
		tl.SetDuration(pres.windowEnd)
	}
}

// nextUpdateDelay paces updates from the start of the previous one so a
// slow round trip delays the next update once without compounding.
func (p *Parser) nextUpdateDelay(updateStart time.Time, cadence float64) time.Duration {
	nominal := time.Duration(cadence * float64(time.Second))
	if floor := p.deps.Config.MinUpdatePeriodFloor; nominal < floor {
		nominal = floor
	}
	delay := nominal - time.Since(updateStart)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// observeSuccess records instrumentation for one applied presentation.
func (p *Parser) observeSuccess(man *manifest.Manifest, elapsed time.Duration, evicted int) {
	p.deps.Metrics.RecordUpdate(metrics.ResultSuccess)
	p.deps.Metrics.ObserveUpdateDuration(elapsed)
	p.deps.Metrics.SetPeriods(man.PeriodCount())
	p.deps.Metrics.SetAvailabilityWindow(
		man.Timeline.SegmentAvailabilityStart(),
		man.Timeline.SegmentAvailabilityEnd(),
	)
	p.deps.Metrics.AddEvictedSegments(evicted)
	p.deps.Stats.ObserveUpdate(elapsed)
}
