package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// AuditExporter forwards every committed event to a Google Cloud Pub/Sub
// topic for durable off-site audit retention. It consumes the local bus like
// any other subscriber, so a slow or unreachable Pub/Sub never stalls the
// append path: the subscription lags and drops instead.
type AuditExporter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	bus    *Bus
	sub    *Subscription
	logger *log.Logger
	cancel context.CancelFunc
}

// NewAuditExporter connects to Pub/Sub, creating the topic if it does not
// exist. credentialsFile may be empty to use ambient credentials.
func NewAuditExporter(projectID, topicID, credentialsFile string, bus *Bus) (*AuditExporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	runCtx, runCancel := context.WithCancel(context.Background())
	ex := &AuditExporter{
		client: client,
		topic:  topic,
		bus:    bus,
		sub:    bus.Subscribe(),
		logger: log.New(log.Writer(), "[AUDIT] ", log.LstdFlags),
		cancel: runCancel,
	}
	go ex.run(runCtx)

	ex.logger.Printf("✅ Exporting events to projects/%s/topics/%s", projectID, topicID)
	return ex, nil
}

func (ex *AuditExporter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ex.sub.C:
			if !ok {
				return
			}
			ex.export(ev)
		}
	}
}

// export publishes one event. Attributes carry the envelope metadata so
// downstream consumers can filter server-side; the ordering key scopes
// ordering to the aggregate, matching the per-aggregate version sequence.
func (ex *AuditExporter) export(ev *Event) {
	payload, err := ev.NDJSON()
	if err != nil {
		ex.logger.Printf("❌ Failed to marshal event %s: %v", ev.EventID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ev-type":      string(ev.Type),
			"ev-id":        ev.EventID,
			"ev-aggregate": ev.AggregateType + "/" + ev.AggregateID,
			"ev-time":      ev.Time.Format(time.RFC3339Nano),
		},
		OrderingKey: ev.AggregateType + "/" + ev.AggregateID,
	}

	result := ex.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			ex.logger.Printf("❌ Pub/Sub publish failed: %s → %v", ev.EventID, err)
		}
	}()
}

// HealthCheck verifies the topic is still reachable.
func (ex *AuditExporter) HealthCheck(ctx context.Context) error {
	exists, err := ex.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("audit topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("audit topic does not exist")
	}
	return nil
}

// Close detaches from the bus and drains outstanding publishes.
func (ex *AuditExporter) Close() error {
	ex.cancel()
	ex.bus.Unsubscribe(ex.sub)
	ex.topic.Stop()
	if err := ex.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	ex.logger.Printf("🔌 Audit exporter closed")
	return nil
}
