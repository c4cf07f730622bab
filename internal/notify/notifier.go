// Package notify fans quota alerts and critical anomaly detections out to
// external consumers: durably over Google Cloud Pub/Sub, and immediately
// to in-process subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"

	"github.com/apilens/gateway/internal/anomaly"
	"github.com/apilens/gateway/internal/quota"
)

// Event is the CloudEvents 1.0 envelope every notification rides in.
type Event struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// newEvent builds a CloudEvents-compliant envelope.
func newEvent(eventType, subject, tenantID string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      "apilens/gateway",
		ID:          uuid.NewString(),
		Time:        time.Now(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	}
}

// Bus is the in-process fan-out: subscribers get every event pushed to a
// buffered channel; slow subscribers drop rather than block the pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan *Event
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan *Event)}
}

// Subscribe registers a subscriber and returns its ID and channel.
func (b *Bus) Subscribe() (string, <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan *Event, 64)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// publish pushes to every subscriber, dropping on full buffers.
func (b *Bus) publish(e *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notifier publishes notification events. The Pub/Sub topic is optional:
// without one, events still reach in-process subscribers.
type Notifier struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewNotifier creates a Pub/Sub-backed notifier, creating the topic if it
// does not exist. Message ordering is enabled and keyed by tenant.
func NewNotifier(projectID, topicID string) (*Notifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("notify: pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("notify: create topic: %w", err)
		}
		slog.Info("notify: created topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	return &Notifier{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}, nil
}

// NewLocalNotifier creates a notifier without a Pub/Sub backend, for
// tests and single-process deployments.
func NewLocalNotifier() *Notifier {
	return &Notifier{
		Bus:    NewBus(),
		logger: log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
}

// EmitAlert publishes a quota alert. Satisfies the quota accountant's
// sink interface.
func (n *Notifier) EmitAlert(ctx context.Context, a *quota.Alert) {
	data := map[string]interface{}{
		"alert_id":   a.ID,
		"kind":       a.Kind,
		"severity":   a.Severity,
		"metric":     a.Metric,
		"percentage": a.Percentage,
	}
	n.emit(newEvent("apilens.quota.alert", a.Kind, a.TenantID, data))
}

// NotifyAnomaly publishes a critical or emergency anomaly detection.
func (n *Notifier) NotifyAnomaly(ctx context.Context, a *anomaly.Anomaly) {
	data := map[string]interface{}{
		"anomaly_id": a.ID,
		"kind":       string(a.Kind),
		"metric":     a.Metric,
		"severity":   string(a.Severity),
		"z_score":    a.ZScore,
		"confidence": a.Confidence,
	}
	n.emit(newEvent("apilens.anomaly.detected", string(a.Kind), a.TenantID, data))
}

// emit fans out to Pub/Sub (durable, at-least-once) and the in-process
// bus (immediate).
func (n *Notifier) emit(e *Event) {
	n.publishToPubSub(e)
	n.Bus.publish(e)
}

func (n *Notifier) publishToPubSub(e *Event) {
	if n.topic == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		n.logger.Printf("marshal event %s failed: %v", e.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": e.SpecVersion,
			"ce-type":        e.Type,
			"ce-source":      e.Source,
			"ce-id":          e.ID,
			"ce-time":        e.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    e.TenantID,
		},
		OrderingKey: e.TenantID,
	}

	result := n.topic.Publish(context.Background(), msg)

	// Non-blocking: resolve the publish result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			n.logger.Printf("publish failed: %s -> %v", e.ID, err)
		}
	}()
}

// HealthCheck verifies the Pub/Sub topic is reachable; a local notifier
// is always healthy.
func (n *Notifier) HealthCheck(ctx context.Context) error {
	if n.topic == nil {
		return nil
	}
	exists, err := n.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("notify: topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("notify: topic does not exist")
	}
	return nil
}

// Close shuts down the Pub/Sub client.
func (n *Notifier) Close() error {
	if n.topic != nil {
		n.topic.Stop()
	}
	if n.client != nil {
		return n.client.Close()
	}
	return nil
}

var _ quota.Sink = (*Notifier)(nil)
var _ anomaly.Notifier = (*Notifier)(nil)
