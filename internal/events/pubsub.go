package events

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	pubsubpb "cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.uber.org/zap"
)

// PubSubPublisher publishes events to a Google Cloud Pub/Sub topic.
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicID   string
	logger    *zap.Logger
}

// NewPubSubPublisher connects to projectID and verifies that topicID exists.
func NewPubSubPublisher(ctx context.Context, projectID string, topicID string, logger *zap.Logger) (*PubSubPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("events.pubsub.client: %w", err)
	}
	topicPath := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	if _, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: topicPath}); err != nil {
		client.Close()
		return nil, fmt.Errorf("events.pubsub.topic %s: %w", topicID, err)
	}
	logger.Info("pubsub publisher initialized",
		zap.String("code", "events.pubsub.ready"),
		zap.String("project_id", projectID),
		zap.String("topic_id", topicID),
	)
	return &PubSubPublisher{
		client:    client,
		publisher: client.Publisher(topicID),
		topicID:   topicID,
		logger:    logger,
	}, nil
}

// Publish sends event and waits for the server id.
func (publisher *PubSubPublisher) Publish(ctx context.Context, event Event) error {
	data, attributes, err := encode(event)
	if err != nil {
		return err
	}
	result := publisher.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attributes})
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("events.pubsub.publish %s: %w", publisher.topicID, err)
	}
	publisher.logger.Debug("event published",
		zap.String("code", "events.published"),
		zap.String("kind", string(event.Kind)),
		zap.String("server_id", serverID),
	)
	return nil
}

// Close flushes pending messages and releases the client.
func (publisher *PubSubPublisher) Close() error {
	if publisher.publisher != nil {
		publisher.publisher.Stop()
	}
	if publisher.client != nil {
		return publisher.client.Close()
	}
	return nil
}
