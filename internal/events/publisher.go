// Package events implements the best-effort event publisher. Delivery is
// at-most-once over a durable AMQP queue; the database stays the source of
// truth and consumers must be idempotent on purchase_request_id.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"digital-goods-market/internal/config"
)

// Topics the purchase core publishes.
const (
	TopicPromoActivated    = "promo_code.activated"
	TopicPurchaseAccount   = "purchase.account"
	TopicPurchaseUniversal = "purchase.universal"
)

// PurchasePayload notifies a completed purchase.
type PurchasePayload struct {
	PurchaseRequestID int64 `json:"purchase_request_id"`
	UserID            int64 `json:"user_id"`
	CategoryID        int64 `json:"category_id"`
	Quantity          int   `json:"quantity"`
	TotalAmount       int64 `json:"total_amount"`
	BalanceBefore     int64 `json:"balance_before"`
	BalanceAfter      int64 `json:"balance_after"`
	ProductLeft       int   `json:"product_left"`
}

// PromoActivatedPayload notifies a promo-code activation.
type PromoActivatedPayload struct {
	PromoCodeID       int64 `json:"promo_code_id"`
	PurchaseRequestID int64 `json:"purchase_request_id"`
	UserID            int64 `json:"user_id"`
	DiscountAmount    int64 `json:"discount_amount"`
}

type envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Publisher posts events to the durable events_db queue.
type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger zerolog.Logger
}

// NewPublisher connects to the broker and declares the durable queue.
func NewPublisher(cfg *config.AMQPConfig, logger zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}

	logger.Info().Str("queue", cfg.Queue).Msg("AMQP publisher initialized")

	return &Publisher{conn: conn, ch: ch, queue: cfg.Queue, logger: logger}, nil
}

// Publish posts one event. Errors are returned so the caller can log and
// swallow them; the publisher never retries across process restarts.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(envelope{Event: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", topic, err)
	}

	err = p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("topic", topic).Msg("Failed to publish event")
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}

	p.logger.Debug().Str("topic", topic).Msg("Event published")
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
