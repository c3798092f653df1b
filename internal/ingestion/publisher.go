package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"MarginIndexer/internal/observability"
	"MarginIndexer/internal/persistence"
)

// Publisher is the subset of jetstream.JetStream the notification publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher fans committed notifications out to NATS so live
// dashboards can push them without polling. Publishing is best effort: the
// notifications table stays the source of truth.
type NotificationPublisher struct {
	js        Publisher
	inputChan chan persistence.Notification
	log       zerolog.Logger
	metrics   *observability.Metrics
}

// NotificationMessage is the wire form published on
// dashboard.notifications.<user_id>.
type NotificationMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	EventRef  string    `json:"event_ref"`
	CreatedAt time.Time `json:"created_at"`
}

func NewNotificationPublisher(js Publisher, buffer int, logger zerolog.Logger, metrics *observability.Metrics) *NotificationPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &NotificationPublisher{
		js:        js,
		inputChan: make(chan persistence.Notification, buffer),
		log:       logger,
		metrics:   metrics,
	}
}

// Notify queues n without blocking. When the buffer is full n is dropped.
func (p *NotificationPublisher) Notify(n persistence.Notification) {
	select {
	case p.inputChan <- n:
	default:
		p.metrics.PublishDrops.Inc()
		p.log.Warn().Str("event_ref", n.EventRef).Msg("notification publish buffer full, dropping")
	}
}

// Run publishes queued notifications until ctx is cancelled, then flushes
// whatever is still buffered with a short grace period.
func (p *NotificationPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case n := <-p.inputChan:
			p.publishOne(ctx, n)
		}
	}
}

func (p *NotificationPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-p.inputChan:
			p.publishOne(ctx, n)
		default:
			return
		}
	}
}

func (p *NotificationPublisher) publishOne(ctx context.Context, n persistence.Notification) {
	if err := p.publish(ctx, n); err != nil {
		p.metrics.PublishErrors.Inc()
		p.log.Warn().Err(err).Str("event_ref", n.EventRef).Msg("notification publish failed")
		return
	}
	p.metrics.NotificationsPublished.Inc()
}

func (p *NotificationPublisher) publish(ctx context.Context, n persistence.Notification) error {
	data, err := json.Marshal(NotificationMessage{
		ID:        n.ID.String(),
		UserID:    n.UserID.String(),
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		EventRef:  n.EventRef,
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", NotificationSubjectPrefix, n.UserID)
	// Deduplicate redeliveries on the server side by event ref.
	_, err = p.js.Publish(ctx, subject, data, jetstream.WithMsgID(n.EventRef))
	return err
}
