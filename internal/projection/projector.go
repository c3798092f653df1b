package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"MarginIndexer/internal/event"
	"MarginIndexer/internal/observability"
	"MarginIndexer/internal/persistence"
)

// Skip reasons reported in logs and the skipped-events metric.
const (
	ReasonMalformed       = "malformed"
	ReasonMissingReferent = "missing_referent"
	ReasonTerminal        = "terminal"
	ReasonDuplicate       = "duplicate"
)

// SkipError acknowledges an event without applying it. Returning one from a
// handler rolls back its transaction, so handlers only skip before mutating.
type SkipError struct {
	Reason string
	Detail string
}

func (e *SkipError) Error() string { return e.Reason + ": " + e.Detail }

func skip(reason, format string, args ...any) error {
	return &SkipError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Notifier receives notifications after the transaction that created them
// commits.
type Notifier interface {
	Notify(n persistence.Notification)
}

// Projector maps ledger events onto the dashboard store, one transaction per
// event.
type Projector struct {
	gw       persistence.Gateway
	routes   map[event.EventType]HandlerFunc
	notifier Notifier
	log      zerolog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewProjector wires every route from Routes. notifier may be nil.
func NewProjector(gw persistence.Gateway, notifier Notifier, logger zerolog.Logger, metrics *observability.Metrics) *Projector {
	routes := make(map[event.EventType]HandlerFunc)
	for _, r := range Routes() {
		routes[r.EventType] = r.Handle
	}
	return &Projector{
		gw:       gw,
		routes:   routes,
		notifier: notifier,
		log:      logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Apply handles one event and reports whether its writes committed. Skipped
// events return false with a nil error; any error means nothing was written
// and the event must be retried.
func (p *Projector) Apply(ctx context.Context, rec event.Record) (bool, error) {
	handle, ok := p.routes[rec.EventType]
	if !ok {
		return false, fmt.Errorf("no handler for event type %s", rec.EventType)
	}

	eventType := rec.EventType.String()
	logger := p.log.With().
		Str("event_type", eventType).
		Str("tx", rec.Ref()).
		Logger()

	start := time.Now()
	var scope *Scope
	err := p.gw.WithinTx(ctx, func(s persistence.Store) error {
		scope = &Scope{Store: s, Record: rec, Log: logger, now: p.now}
		return handle(ctx, scope)
	})

	var skipped *SkipError
	switch {
	case err == nil:
	case errors.Is(err, event.ErrMalformed):
		p.metrics.EventsSkipped.WithLabelValues(eventType, ReasonMalformed).Inc()
		logger.Warn().Err(err).Msg("skipping malformed event")
		return false, nil
	case errors.As(err, &skipped):
		p.metrics.EventsSkipped.WithLabelValues(eventType, skipped.Reason).Inc()
		ev := logger.Warn()
		if skipped.Reason == ReasonDuplicate {
			ev = logger.Debug()
		}
		ev.Str("reason", skipped.Reason).Msg(skipped.Detail)
		return false, nil
	default:
		p.metrics.EventsFailed.WithLabelValues(eventType).Inc()
		return false, fmt.Errorf("apply %s: %w", eventType, err)
	}

	p.metrics.EventsApplied.WithLabelValues(eventType).Inc()
	p.metrics.ApplyDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

	for _, n := range scope.notifications {
		p.metrics.NotificationsCreated.WithLabelValues(string(n.Type)).Inc()
		if p.notifier != nil {
			p.notifier.Notify(n)
		}
	}
	return true, nil
}

// Scope is what a handler sees while its transaction is open.
type Scope struct {
	Store  persistence.Store
	Record event.Record
	Log    zerolog.Logger

	now           func() time.Time
	notifications []persistence.Notification
}

// Notify inserts a notification; a repeated event_ref is silently ignored.
func (s *Scope) Notify(ctx context.Context, n *persistence.Notification) error {
	created, err := s.Store.CreateNotification(ctx, n)
	if err != nil {
		return err
	}
	if created {
		s.notifications = append(s.notifications, *n)
	}
	return nil
}

// At resolves a payload timestamp, falling back to the checkpoint time and
// then the wall clock when the ledger omitted it.
func (s *Scope) At(ms event.U64) time.Time {
	if ms > 0 {
		return ms.Time()
	}
	if !s.Record.Timestamp.IsZero() {
		return s.Record.Timestamp.UTC()
	}
	return s.now().UTC()
}

// position loads a position by on-chain id, turning absence into a skip.
func (s *Scope) position(ctx context.Context, onChainID string) (*persistence.Position, error) {
	pos, err := s.Store.FindPositionByChainID(ctx, onChainID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, skip(ReasonMissingReferent, "position %s not indexed", onChainID)
	}
	return pos, err
}

// user loads a live user by address, turning absence or a tombstone into a skip.
func (s *Scope) user(ctx context.Context, address string) (*persistence.User, error) {
	u, err := s.Store.FindUserByAddress(ctx, address)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, skip(ReasonMissingReferent, "user %s not found", address)
	}
	if err != nil {
		return nil, err
	}
	if u.DeletedAt != nil {
		return nil, skip(ReasonMissingReferent, "user %s is deleted", address)
	}
	return u, nil
}
