package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"MarginIndexer/internal/cursor"
	"MarginIndexer/internal/event"
	"MarginIndexer/internal/ingestion"
	"MarginIndexer/internal/observability"
)

const (
	DefaultPollInterval     = 5 * time.Second
	DefaultAppliedCacheSize = 100_000
)

// Source fetches one page of events of a type, starting after cursor.
type Source interface {
	QueryEvents(ctx context.Context, et event.EventType, cursor string) (*ingestion.Page, error)
}

// Applier applies one event durably. A nil error means the event is done:
// applied reports whether its writes committed, false for a deliberate skip.
type Applier interface {
	Apply(ctx context.Context, rec event.Record) (applied bool, err error)
}

type Config struct {
	EventTypes       []event.EventType
	PollInterval     time.Duration
	AppliedCacheSize int
}

// SleepFunc blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Indexer drains every configured event type once per cycle and sleeps
// between cycles. Fetch, apply and cursor bookkeeping all happen on the
// goroutine that calls Run.
type Indexer struct {
	cfg     Config
	source  Source
	applier Applier
	store   cursor.Store
	applied *AppliedCache
	log     zerolog.Logger
	metrics *observability.Metrics
	sleep   SleepFunc
	onCycle []func(error)

	loaded  bool
	mu      sync.RWMutex
	cursors map[string]string
}

func NewIndexer(cfg Config, source Source, applier Applier, store cursor.Store, logger zerolog.Logger, metrics *observability.Metrics) *Indexer {
	if len(cfg.EventTypes) == 0 {
		cfg.EventTypes = event.EventTypes()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.AppliedCacheSize == 0 {
		cfg.AppliedCacheSize = DefaultAppliedCacheSize
	}
	return &Indexer{
		cfg:     cfg,
		source:  source,
		applier: applier,
		store:   store,
		applied: NewAppliedCache(cfg.AppliedCacheSize, metrics),
		log:     logger,
		metrics: metrics,
		sleep:   sleepContext,
		cursors: make(map[string]string),
	}
}

// WithSleep replaces the inter-cycle sleep, for tests.
func (ix *Indexer) WithSleep(fn SleepFunc) *Indexer {
	ix.sleep = fn
	return ix
}

// OnCycle registers fn to run after every cycle with that cycle's error.
func (ix *Indexer) OnCycle(fn func(error)) {
	ix.onCycle = append(ix.onCycle, fn)
}

// Cursors returns a snapshot of the in-memory cursor per event type name.
func (ix *Indexer) Cursors() map[string]string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return maps.Clone(ix.cursors)
}

// Run polls until ctx is cancelled. A failed cycle doubles the next delay.
// Cancellation is observed before each fetch, between event types and while
// sleeping; a page that is being applied always finishes first.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.log.Info().
		Dur("poll_interval", ix.cfg.PollInterval).
		Int("event_types", len(ix.cfg.EventTypes)).
		Msg("indexer started")

	for {
		if ctx.Err() != nil {
			break
		}
		err := ix.RunCycle(ctx)
		if ctx.Err() != nil {
			break
		}

		delay := ix.cfg.PollInterval
		if err != nil {
			delay *= 2
			ix.metrics.CycleErrors.Inc()
			ix.log.Error().Err(err).Dur("retry_in", delay).Msg("poll cycle failed")
		}
		for _, fn := range ix.onCycle {
			fn(err)
		}

		if err := ix.sleep(ctx, delay); err != nil {
			break
		}
	}

	ix.log.Info().Msg("indexer stopped")
	return nil
}

// RunCycle loads cursors on first use and drains each event type once.
// Failures of individual types are joined; the remaining types still run.
func (ix *Indexer) RunCycle(ctx context.Context) error {
	start := time.Now()
	defer func() { ix.metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	if !ix.loaded {
		stored, err := ix.store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load cursors: %w", err)
		}
		ix.mu.Lock()
		maps.Copy(ix.cursors, stored)
		ix.mu.Unlock()
		ix.loaded = true
		ix.log.Info().Int("cursors", len(stored)).Msg("cursors loaded")
	}

	var errs []error
	for _, et := range ix.cfg.EventTypes {
		if ctx.Err() != nil {
			break
		}
		if err := ix.drain(ctx, et); err != nil {
			ix.log.Error().Err(err).Str("event_type", et.String()).Msg("event type aborted for this cycle")
			errs = append(errs, fmt.Errorf("%s: %w", et, err))
		}
	}
	return errors.Join(errs...)
}

// drain fetches and applies pages of one type until the source is exhausted.
// The cursor moves only after every event of a page applied.
func (ix *Indexer) drain(ctx context.Context, et event.EventType) error {
	name := et.String()
	for {
		if ctx.Err() != nil {
			return nil
		}
		current := ix.cursor(name)
		page, err := ix.source.QueryEvents(ctx, et, current)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch after %q: %w", current, err)
		}

		// Shutdown must not interrupt a page half way.
		applyCtx := context.WithoutCancel(ctx)
		for _, rec := range page.Events {
			key := rec.IdempotencyKey()
			if ix.applied.Contains(key) {
				ix.metrics.EventsDeduped.WithLabelValues(name).Inc()
				continue
			}
			applied, err := ix.applier.Apply(applyCtx, rec)
			if err != nil {
				return fmt.Errorf("event %s: %w", rec.Ref(), err)
			}
			// A skipped event may apply once its referent is indexed.
			if applied {
				ix.applied.Add(key)
			}
		}

		next := page.NextCursor
		if next == "" || next == current {
			return nil
		}
		ix.setCursor(name, next)
		if err := ix.store.Save(applyCtx, name, next); err != nil {
			ix.metrics.CursorSaveErrors.WithLabelValues(name).Inc()
			ix.log.Error().Err(err).Str("event_type", name).Msg("cursor save failed")
		} else {
			ix.metrics.CursorAdvances.WithLabelValues(name).Inc()
		}
		ix.log.Debug().
			Str("event_type", name).
			Int("events", len(page.Events)).
			Str("cursor", next).
			Msg("page applied")

		if !page.HasNextPage {
			return nil
		}
	}
}

func (ix *Indexer) cursor(name string) string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cursors[name]
}

func (ix *Indexer) setCursor(name, value string) {
	ix.mu.Lock()
	ix.cursors[name] = value
	ix.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
