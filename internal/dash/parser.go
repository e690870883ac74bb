// Package dash parses DASH MPDs into the engine's manifest model and
// keeps live presentations current by refetching on the source's
// minimumUpdatePeriod cadence.
package dash

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	m "github.com/Eyevinn/dash-mpd/mpd"
	"github.com/rs/zerolog"

	"github.com/psychrist666/liveline/internal/clock"
	"github.com/psychrist666/liveline/internal/config"
	"github.com/psychrist666/liveline/internal/fetch"
	"github.com/psychrist666/liveline/internal/logger"
	"github.com/psychrist666/liveline/internal/manifest"
	"github.com/psychrist666/liveline/internal/media"
	"github.com/psychrist666/liveline/internal/metrics"
	"github.com/psychrist666/liveline/internal/stats"
)

// Dependencies wires a parser into the rest of the engine. Metrics and
// Stats may be nil.
type Dependencies struct {
	Fetcher fetch.Fetcher
	Clock   *clock.Synchronizer
	Hooks   manifest.Hooks
	Config  config.EngineConfig
	Metrics *metrics.Metrics
	Stats   *stats.Aggregator
}

// Parser loads a DASH presentation and, for live content, refreshes it
// until stopped. A parser serves one presentation; Start may be called
// once.
type Parser struct {
	deps Dependencies
	log  zerolog.Logger

	mu              sync.Mutex
	state           State
	generation      int
	manifest        *manifest.Manifest
	merger          *manifest.Merger
	uris            []string
	minUpdatePeriod float64
	cancel          context.CancelFunc
	done            chan struct{}

	// applying holds Stop open while the initial parse applies periods
	// and fires hooks.
	applying sync.WaitGroup

	updateNow chan struct{}
}

func New(deps Dependencies) *Parser {
	return &Parser{
		deps:      deps,
		log:       logger.Component("dash"),
		state:     StateIdle,
		updateNow: make(chan struct{}, 1),
	}
}

// Start fetches and parses the manifest at uri on the calling
// goroutine. For live content that requests updates it then spawns the
// refresh loop. Start returns (nil, nil) when Stop won the race against
// the initial parse.
func (p *Parser) Start(ctx context.Context, uri string) (*manifest.Manifest, error) {
	p.mu.Lock()
	switch p.state {
	case StateStopped:
		p.mu.Unlock()
		return nil, nil
	case StateIdle:
	default:
		p.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	p.state = StateParsingInitial
	p.uris = []string{uri}
	gen := p.generation
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	fetchStart := time.Now()
	doc, err := p.fetchDocument(runCtx)
	if err != nil {
		p.mu.Lock()
		stopped := p.state == StateStopped || p.generation != gen
		if !stopped {
			p.state = StateIdle
		}
		p.mu.Unlock()
		if stopped {
			return nil, nil
		}
		p.deps.Metrics.RecordUpdate(metrics.ResultError)
		p.deps.Stats.RecordFailure()
		return nil, fmt.Errorf("initial manifest load: %w", err)
	}

	p.mu.Lock()
	if p.state == StateStopped || p.generation != gen {
		p.mu.Unlock()
		return nil, nil
	}
	p.applying.Add(1)
	p.mu.Unlock()

	man, merger := p.buildManifest(doc)
	evicted := merger.Apply(doc.periods)
	elapsed := time.Since(fetchStart)
	p.observeSuccess(man, elapsed, evicted)
	p.applying.Done()
	firstDelay := p.nextUpdateDelay(fetchStart, doc.minimumUpdatePeriod)

	p.mu.Lock()
	if p.state == StateStopped || p.generation != gen {
		p.mu.Unlock()
		return nil, nil
	}
	p.manifest = man
	p.merger = merger
	p.minUpdatePeriod = doc.minimumUpdatePeriod
	if len(doc.locations) > 0 {
		p.uris = doc.locations
	}

	schedule := doc.dynamic && doc.minimumUpdatePeriod >= 0
	if schedule {
		p.state = StateScheduled
		p.done = make(chan struct{})
		go p.refreshLoop(runCtx, firstDelay)
	} else {
		p.state = StateIdleLive
	}
	p.mu.Unlock()

	p.log.Info().
		Str("uri", uri).
		Str("type", string(man.Type())).
		Int("periods", man.PeriodCount()).
		Bool("scheduled", schedule).
		Dur("elapsed", elapsed).
		Msg("Manifest loaded")
	return man, nil
}

// Stop halts updates and cancels in-flight work. It is idempotent and
// terminal; no hook fires after it returns.
func (p *Parser) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	from := p.state
	p.state = StateStopped
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
	p.log.Debug().Str("from", from.String()).Msg("Parser stopped")
}

// Update requests an immediate refresh. It is a no-op while no refresh
// loop is running; back-to-back requests collapse into one.
func (p *Parser) Update() {
	select {
	case p.updateNow <- struct{}{}:
	default:
	}
}

// State returns the current lifecycle state.
func (p *Parser) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Manifest returns the live manifest, nil before Start completes.
func (p *Parser) Manifest() *manifest.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest
}

// refreshLoop drives periodic updates. It owns all manifest mutation
// after the initial parse and exits on cancellation or when the source
// stops requesting updates.
func (p *Parser) refreshLoop(ctx context.Context, first time.Duration) {
	defer close(p.done)

	p.log.Debug().Dur("delay", first).Msg("Scheduled manifest update")
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
			p.log.Warn().Err(err).Msg("Manifest update failed")
			if p.deps.Hooks.OnError != nil {
				p.deps.Hooks.OnError(err)
			}
		}

		p.mu.Lock()
		if p.state == StateStopped {
			p.mu.Unlock()
			return
		}
		if p.minUpdatePeriod < 0 || !p.manifest.IsLive() {
			p.state = StateIdleLive
			p.mu.Unlock()
			p.log.Debug().Msg("Source no longer requests updates, leaving refresh loop")
			return
		}
		p.state = StateScheduled
		mup := p.minUpdatePeriod
		p.mu.Unlock()

		delay := p.nextUpdateDelay(start, mup)
		p.log.Debug().Dur("delay", delay).Msg("Scheduled manifest update")
		timer.Reset(delay)
	}
}

// update performs one fetch-parse-merge round trip.
func (p *Parser) update(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = StateUpdating
	gen := p.generation
	man := p.manifest
	merger := p.merger
	p.mu.Unlock()

	start := time.Now()
	doc, err := p.fetchDocument(ctx)
	if err != nil {
		if errors.Is(err, fetch.ErrNotModified) {
			p.log.Debug().Msg("Manifest not modified")
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
	if p.state == StateStopped || p.generation != gen {
		p.mu.Unlock()
		return nil
	}
	p.minUpdatePeriod = doc.minimumUpdatePeriod
	if len(doc.locations) > 0 {
		p.uris = doc.locations
	}
	p.mu.Unlock()

	p.applyTimeline(man, doc)
	evicted := merger.Apply(doc.periods)
	p.observeSuccess(man, time.Since(start), evicted)
	return nil
}

// fetchDocument runs the shared fetch, parse, clock-sync, convert
// pipeline against the current URI list.
func (p *Parser) fetchDocument(ctx context.Context) (*document, error) {
	p.mu.Lock()
	uris := append([]string(nil), p.uris...)
	p.mu.Unlock()

	resp, err := p.deps.Fetcher.Fetch(ctx, fetch.TypeManifest, fetch.Request{URIs: uris})
	if err != nil {
		return nil, err
	}

	mpdDoc, err := m.MPDFromBytes(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	// Availability math depends on the source clock, so synchronize
	// before conversion reads the wall clock.
	if p.deps.Clock != nil && isDynamic(mpdDoc) {
		if sources := timingSources(mpdDoc, resp.URI); len(sources) > 0 {
			if err := p.deps.Clock.Sync(ctx, sources); err != nil {
				return nil, err
			}
		}
	}

	return convertMPD(mpdDoc, resp.URI, p.now(), p.log)
}

// buildManifest creates the timeline, manifest, and merger for the
// first parsed document.
func (p *Parser) buildManifest(doc *document) (*manifest.Manifest, *manifest.Merger) {
	delay := p.deps.Config.DefaultPresentationDelay.Seconds()
	if doc.suggestedPresentationDelay >= 0 {
		delay = doc.suggestedPresentationDelay
	}

	tl := media.NewPresentationTimeline(doc.availabilityStart, delay)
	if p.deps.Clock != nil {
		tl.SetNowFunc(p.deps.Clock.Now)
	}

	man := manifest.New(tl)
	p.applyTimeline(man, doc)
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

// applyTimeline folds a document's presentation attributes into the
// live manifest and its timeline. Absent attributes keep their current
// values.
func (p *Parser) applyTimeline(man *manifest.Manifest, doc *document) {
	tl := man.Timeline

	if doc.dynamic {
		man.SetType(manifest.TypeDynamic)
	} else {
		man.SetType(manifest.TypeStatic)
	}
	if doc.minBufferTime >= 0 {
		man.SetMinBufferTime(doc.minBufferTime)
	}

	if !doc.availabilityStart.IsZero() {
		tl.SetAvailabilityStart(doc.availabilityStart)
	}
	tl.SetStatic(!doc.dynamic)
	tl.SetMinUpdatePeriod(doc.minimumUpdatePeriod)
	if doc.timeShiftBufferDepth >= 0 {
		tl.SetTimeShiftBufferDepth(doc.timeShiftBufferDepth)
	}
	if doc.suggestedPresentationDelay >= 0 {
		tl.SetPresentationDelay(doc.suggestedPresentationDelay)
	}
	if doc.maxSegmentDuration > 0 {
		tl.NotifyMaxSegmentDuration(doc.maxSegmentDuration)
	}

	switch {
	case doc.mediaPresentationDuration >= 0:
		tl.SetDuration(doc.mediaPresentationDuration)
	case !doc.dynamic:
		if end, ok := doc.periods[len(doc.periods)-1].EndTime(); ok {
			tl.SetDuration(end)
		}
	default:
		tl.SetDuration(math.Inf(1))
	}
}

// nextUpdateDelay paces updates from the start of the previous one so a
// slow round trip delays the next update once without compounding.
func (p *Parser) nextUpdateDelay(updateStart time.Time, minUpdatePeriod float64) time.Duration {
	nominal := time.Duration(minUpdatePeriod * float64(time.Second))
	if floor := p.deps.Config.MinUpdatePeriodFloor; nominal < floor {
		nominal = floor
	}
	delay := nominal - time.Since(updateStart)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// observeSuccess records instrumentation for one applied document.
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

// now returns the synchronized wall clock when a synchronizer is
// wired, the local clock otherwise.
func (p *Parser) now() time.Time {
	if p.deps.Clock != nil {
		return p.deps.Clock.Now()
	}
	return time.Now()
}
