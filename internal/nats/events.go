package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const (
	// EventStreamName is the JetStream stream holding session events.
	EventStreamName = "CHAT_EVENTS"

	// SubjectPrefix is the prefix for all session event subjects.
	SubjectPrefix = "chat"
)

// EventPublisher writes session audit and lifecycle events to JetStream.
type EventPublisher struct {
	client *Client
}

// NewEventPublisher creates a publisher on an open client.
func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

// EnsureStream creates the event stream if it does not exist.
func (p *EventPublisher) EnsureStream(ctx context.Context) error {
	js := p.client.JetStream()

	if _, err := js.Stream(ctx, EventStreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        EventStreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Session lifecycle and access audit events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject for an event, e.g.
// chat.<session>.stream.completed.
func EventSubject(sessionID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sessionID, eventType)
}

// SessionFilter matches every event of one session.
func SessionFilter(sessionID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, sessionID)
}

// Publish sends an event. The event ID doubles as the JetStream message ID
// so retried publishes are deduplicated.
func (p *EventPublisher) Publish(ctx context.Context, event *model.SessionEvent) error {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.JetStream().Publish(ctx, EventSubject(event.SessionID, event.Type), data,
		jetstream.WithMsgID(event.ID))
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "error").Inc()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues(string(event.Type), "ok").Inc()
	return nil
}
