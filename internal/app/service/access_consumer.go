package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/kisalt/internal/app/model"
	apprepository "github.com/sifan077/kisalt/internal/app/repository"
	"go.uber.org/zap"
)

const (
	accessFetchBatch   = 32
	accessFetchWait    = 5 * time.Second
	accessApplyTimeout = 3 * time.Second
)

// AccessToucher applies access events to durable storage.
type AccessToucher interface {
	Touch(ctx context.Context, code string, accessedAt time.Time, delta int64) error
}

// AccessConsumer drains access events from NATS JetStream into the durable tier.
type AccessConsumer struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	repo   AccessToucher

	sub  *nats.Subscription
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewAccessConsumer creates a new access event consumer
func NewAccessConsumer(js nats.JetStreamContext, logger *zap.Logger, repo AccessToucher) *AccessConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessConsumer{
		js:     js,
		logger: logger.Named("access_consumer"),
		repo:   repo,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start ensures the durable consumer exists and begins applying events.
func (c *AccessConsumer) Start() error {
	if _, err := c.js.ConsumerInfo(model.AccessStreamName, model.AccessConsumerName); err != nil {
		_, err = c.js.AddConsumer(model.AccessStreamName, &nats.ConsumerConfig{
			Durable:   model.AccessConsumerName,
			AckPolicy: nats.AckExplicitPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(model.AccessStreamSubject, model.AccessConsumerName)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.sub = sub

	go c.consume()
	return nil
}

// Stop ends consumption and waits for the in-flight batch.
func (c *AccessConsumer) Stop() {
	c.once.Do(func() {
		close(c.stop)
		if c.sub != nil {
			<-c.done
			if err := c.sub.Unsubscribe(); err != nil {
				c.logger.Warn("failed to unsubscribe", zap.Error(err))
			}
		}
	})
}

func (c *AccessConsumer) consume() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		msgs, err := c.sub.Fetch(accessFetchBatch, nats.MaxWait(accessFetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			c.logger.Error("failed to fetch messages", zap.Error(err))
			continue
		}

		for _, msg := range msgs {
			c.handle(msg)
		}
	}
}

func (c *AccessConsumer) handle(msg *nats.Msg) {
	var event model.AccessEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.Error("failed to unmarshal access event", zap.Error(err))
		// poison message; redelivery would fail the same way
		_ = msg.Term()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), accessApplyTimeout)
	defer cancel()

	err := c.repo.Touch(ctx, event.Code, event.AccessedAt, event.Clicks)
	if err != nil && !errors.Is(err, apprepository.ErrNotFound) {
		c.logger.Error("failed to apply access event",
			zap.String("id", event.ID),
			zap.String("code", event.Code),
			zap.Error(err))
		_ = msg.Nak()
		return
	}

	c.logger.Debug("access event applied",
		zap.String("id", event.ID),
		zap.String("code", event.Code),
		zap.Int64("clicks", event.Clicks),
	)
	_ = msg.Ack()
}
