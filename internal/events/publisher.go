package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher emits match events the same way the external matchmaker does.
// The controller itself only consumes; this is the operator/integration side
// of the bus contract.
type Publisher struct {
	create *kafka.Writer
	result *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a publisher for the creation and result topics.
func NewPublisher(brokers []string, createTopic, resultTopic string, logger *zap.Logger) *Publisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		}
	}
	return &Publisher{
		create: newWriter(createTopic),
		result: newWriter(resultTopic),
		logger: logger,
	}
}

// PublishCreation emits a match-creation event for a paired set of users.
func (p *Publisher) PublishCreation(ctx context.Context, user1, user2 string, ranked bool) error {
	payload := map[string]interface{}{
		"user1":  user1,
		"user2":  user2,
		"ranked": ranked,
	}
	return p.publish(ctx, p.create, user1, payload)
}

// PublishResult emits a match-result event for a finished match.
func (p *Publisher) PublishResult(ctx context.Context, matchID string) error {
	return p.publish(ctx, p.result, matchID, map[string]interface{}{"matchId": matchID})
}

func (p *Publisher) publish(ctx context.Context, w *kafka.Writer, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", w.Topic, err)
	}
	p.logger.Debug("Event published", zap.String("topic", w.Topic), zap.String("key", key))
	return nil
}

// Close closes both writers, returning the last error encountered.
func (p *Publisher) Close() error {
	var lastErr error
	if err := p.create.Close(); err != nil {
		lastErr = err
	}
	if err := p.result.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}
