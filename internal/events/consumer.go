package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"digital-goods-market/internal/config"
)

// PurchaseCommand is the inbound purchase order the gateway enqueues.
type PurchaseCommand struct {
	UserID      int64  `json:"user_id"`
	CategoryID  int64  `json:"category_id"`
	Quantity    int    `json:"quantity"`
	PromoCodeID *int64 `json:"promo_code_id,omitempty"`
	Lang        string `json:"lang"`
}

// PurchaseHandler processes one command. The boolean reports completion.
type PurchaseHandler func(ctx context.Context, cmd PurchaseCommand) (bool, error)

// Consumer drains the purchase command queue and dispatches to a handler.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger zerolog.Logger
}

// NewConsumer connects and declares the durable command queue.
func NewConsumer(cfg *config.AMQPConfig, logger zerolog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.CommandQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.CommandQueue, err)
	}
	// One command in flight at a time: purchases serialize on row locks
	// anyway and a crash loses at most one unacked delivery.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	logger.Info().Str("queue", cfg.CommandQueue).Msg("command consumer connected")
	return &Consumer{conn: conn, ch: ch, queue: cfg.CommandQueue, logger: logger}, nil
}

// Run consumes commands until the context is cancelled or the channel
// closes. Malformed messages are rejected without requeue; handler errors
// are logged and the message is acked, the purchase core having already
// settled the attempt one way or the other.
func (c *Consumer) Run(ctx context.Context, handler PurchaseHandler) error {
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var cmd PurchaseCommand
			if err := json.Unmarshal(d.Body, &cmd); err != nil {
				c.logger.Warn().Err(err).Msg("malformed purchase command")
				if err := d.Reject(false); err != nil {
					c.logger.Warn().Err(err).Msg("failed to reject message")
				}
				continue
			}
			completed, err := handler(ctx, cmd)
			if err != nil {
				c.logger.Warn().Err(err).
					Int64("user_id", cmd.UserID).
					Int64("category_id", cmd.CategoryID).
					Msg("purchase command rejected")
			} else {
				c.logger.Info().
					Int64("user_id", cmd.UserID).
					Int64("category_id", cmd.CategoryID).
					Bool("completed", completed).
					Msg("purchase command processed")
			}
			if err := d.Ack(false); err != nil {
				c.logger.Warn().Err(err).Msg("failed to ack message")
			}
		}
	}
}

// Close tears the consumer connection down.
func (c *Consumer) Close() error {
	if err := c.ch.Close(); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}
