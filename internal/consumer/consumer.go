package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/arenaforge/matchfleet/internal/store"
	"github.com/arenaforge/matchfleet/internal/workload"
	"github.com/arenaforge/matchfleet/pkg/metrics"
)

// CreationEvent is emitted by the matchmaker when two players are paired.
// Payloads missing either user can never become valid and are dropped
// without retry.
type CreationEvent struct {
	User1  string `json:"user1" validate:"required"`
	User2  string `json:"user2" validate:"required"`
	Ranked bool   `json:"ranked"`
}

// ResultEvent is emitted by the game server when a match finishes.
type ResultEvent struct {
	MatchID string `json:"matchId" validate:"required"`
}

// Provisioner is the slice of match provisioning the consumer invokes.
type Provisioner interface {
	Provision(ctx context.Context, user1, user2 string, ranked bool) (*store.MatchRecord, error)
}

// MessageSource is one subscription on the event bus. kafka.Reader satisfies
// it; tests substitute their own.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config carries the two subscription endpoints.
type Config struct {
	Brokers     []string
	GroupID     string
	CreateTopic string
	ResultTopic string
}

// NewReaders builds the two kafka readers for the creation and result
// streams. Each reader is its own consumer group member and is read with a
// single in-flight message, so processing within a stream is fully serialized.
func NewReaders(cfg Config, logger *zap.Logger) (create, result *kafka.Reader) {
	newReader := func(topic, suffix string) *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   topic,
			GroupID: fmt.Sprintf("%s-%s", cfg.GroupID, suffix),
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Error(fmt.Sprintf(msg, args...))
			}),
		})
	}
	return newReader(cfg.CreateTopic, "create"), newReader(cfg.ResultTopic, "result")
}

const (
	// defaultHandleAttempts bounds the in-place retries of a message whose
	// handler reports a transient failure.
	defaultHandleAttempts = 3
	defaultHandleBackoff  = 2 * time.Second
)

// Consumer drives the two event subscriptions. Each stream is processed one
// message at a time; the streams themselves run independently.
type Consumer struct {
	createSrc MessageSource
	resultSrc MessageSource

	provisioner Provisioner
	records     store.Store
	workloads   workload.Lifecycle

	// completionGrace lets an in-flight readiness watch or a final client
	// poll settle before the workload disappears.
	completionGrace time.Duration

	handleAttempts int
	handleBackoff  time.Duration

	validate *validator.Validate
	logger   *zap.Logger
}

// New creates an event consumer over the given subscriptions.
func New(createSrc, resultSrc MessageSource, provisioner Provisioner, records store.Store, workloads workload.Lifecycle, completionGrace time.Duration, logger *zap.Logger) *Consumer {
	return &Consumer{
		createSrc:       createSrc,
		resultSrc:       resultSrc,
		provisioner:     provisioner,
		records:         records,
		workloads:       workloads,
		completionGrace: completionGrace,
		handleAttempts:  defaultHandleAttempts,
		handleBackoff:   defaultHandleBackoff,
		validate:        validator.New(),
		logger:          logger,
	}
}

// Run consumes both streams until the context is cancelled, then closes the
// underlying sources.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runLoop(ctx, c.createSrc, "create", c.handleCreation)
	}()
	go func() {
		defer wg.Done()
		c.runLoop(ctx, c.resultSrc, "result", c.handleResult)
	}()
	wg.Wait()

	if err := c.createSrc.Close(); err != nil {
		c.logger.Error("Failed to close creation reader", zap.Error(err))
	}
	if err := c.resultSrc.Close(); err != nil {
		c.logger.Error("Failed to close result reader", zap.Error(err))
	}
}

// runLoop fetches and handles one message at a time. The handler reports
// whether the message succeeded; a failed message is retried in place before
// the loop moves on. Consumer-group commits are cumulative per partition, so
// committing a later offset would acknowledge the failed one anyway; once the
// retries are exhausted the message is committed and the reconciler reclaims
// whatever was left behind.
func (c *Consumer) runLoop(ctx context.Context, src MessageSource, stream string, handle func(context.Context, kafka.Message) bool) {
	for {
		msg, err := src.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("Failed to fetch message",
				zap.String("stream", stream), zap.Error(err))
			continue
		}

		for attempt := 1; !handle(ctx, msg); attempt++ {
			if attempt >= c.handleAttempts {
				c.logger.Error("Giving up on message, leaving cleanup to the reconciler",
					zap.String("stream", stream),
					zap.Int64("offset", msg.Offset),
					zap.Int("attempts", attempt))
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.handleBackoff):
			}
		}
		if err := src.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit message",
				zap.String("stream", stream),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// handleCreation provisions a match for a valid pairing. Malformed payloads
// are dropped permanently, and a provisioning failure still acknowledges the
// message: the event already happened from the bus's point of view, and
// reclaiming any partial objects is the reconciler's job.
func (c *Consumer) handleCreation(ctx context.Context, msg kafka.Message) bool {
	var event CreationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		metrics.EventsDropped.WithLabelValues("create").Inc()
		c.logger.Warn("Dropping undecodable creation event",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return true
	}
	if err := c.validate.Struct(&event); err != nil {
		metrics.EventsDropped.WithLabelValues("create").Inc()
		c.logger.Warn("Dropping invalid creation event",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return true
	}

	if _, err := c.provisioner.Provision(ctx, event.User1, event.User2, event.Ranked); err != nil {
		c.logger.Error("Failed to provision match",
			zap.String("user1", event.User1),
			zap.String("user2", event.User2),
			zap.Error(err))
	}
	return true
}

// handleResult completes a finished match. An unknown match id is the
// expected race with the reconciler, not an error. Teardown or record
// deletion failures report the message as failed so the loop retries the
// (idempotent) completion on the spot.
func (c *Consumer) handleResult(ctx context.Context, msg kafka.Message) bool {
	var event ResultEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		metrics.EventsDropped.WithLabelValues("result").Inc()
		c.logger.Warn("Dropping undecodable result event",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return true
	}
	if err := c.validate.Struct(&event); err != nil {
		metrics.EventsDropped.WithLabelValues("result").Inc()
		c.logger.Warn("Dropping invalid result event",
			zap.Int64("offset", msg.Offset), zap.Error(err))
		return true
	}

	record, found, err := c.records.GetMatch(ctx, event.MatchID)
	if err != nil {
		c.logger.Error("Failed to look up finished match",
			zap.String("match_id", event.MatchID), zap.Error(err))
		return false
	}
	if !found {
		// Already cleaned, typically by the reconciler.
		return true
	}

	if err := c.complete(ctx, record); err != nil {
		c.logger.Error("Failed to complete match",
			zap.String("match_id", record.MatchID), zap.Error(err))
		return false
	}
	return true
}

func (c *Consumer) complete(ctx context.Context, record *store.MatchRecord) error {
	time.Sleep(c.completionGrace)

	if err := c.workloads.Teardown(ctx, record.MatchID, record.Namespace); err != nil {
		return fmt.Errorf("teardown failed: %w", err)
	}
	if err := c.records.DeleteMatch(ctx, record.MatchID); err != nil {
		return err
	}
	for _, userID := range record.UserIDs {
		if err := c.records.DeleteUserPointer(ctx, userID); err != nil {
			return err
		}
	}

	metrics.ActiveMatches.Dec()
	c.logger.Info("Match completed", zap.String("match_id", record.MatchID))
	return nil
}
