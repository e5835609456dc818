// Package queue feeds webhook deliveries from a redis list into the
// engine. Producers push {"token": "...", "payload": {...}} messages; each
// one is handled exactly like POST /webhooks/:token.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// DefaultQueue is the redis list consumed when no queue name is configured.
const DefaultQueue = "fluxor:deliveries"

const popTimeout = time.Second

// Deliverer routes one message by its webhook token.
type Deliverer func(ctx context.Context, token string, payload map[string]any) error

type Config struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

type Consumer struct {
	config  Config
	deliver Deliverer
	logger  *slog.Logger

	client redis.UniversalClient
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewConsumer(config Config, deliver Deliverer, logger *slog.Logger) (*Consumer, error) {
	if config.Addr == "" {
		return nil, errors.New("queue consumer requires a redis address")
	}

	if config.Queue == "" {
		config.Queue = DefaultQueue
	}

	return &Consumer{
		config:  config,
		deliver: deliver,
		stopCh:  make(chan struct{}),
		logger: logger.With(
			"module", "queue",
			"queue", config.Queue,
		),
	}, nil
}

// Start connects to redis and begins consuming in the background.
func (c *Consumer) Start(ctx context.Context) error {
	c.client = redis.NewClient(&redis.Options{
		Addr:     c.config.Addr,
		Password: c.config.Password,
		DB:       c.config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	c.logger.InfoContext(ctx, "Connected to redis", "addr", c.config.Addr)

	c.wg.Add(1)

	go c.consume(ctx)

	return nil
}

// Stop halts consumption and closes the redis connection.
func (c *Consumer) Stop(ctx context.Context) error {
	close(c.stopCh)
	c.wg.Wait()

	if c.client == nil {
		return nil
	}

	if err := c.client.Close(); err != nil {
		c.logger.ErrorContext(ctx, "Error closing redis client", "error", err)

		return err
	}

	return nil
}

func (c *Consumer) consume(ctx context.Context) {
	defer c.wg.Done()

	c.logger.InfoContext(ctx, "Starting queue consumer")

	for {
		select {
		case <-c.stopCh:
			c.logger.InfoContext(ctx, "Queue consumer stopped")

			return
		case <-ctx.Done():
			c.logger.InfoContext(ctx, "Context cancelled, stopping queue consumer")

			return
		default:
			if err := c.poll(ctx); err != nil {
				c.logger.ErrorContext(ctx, "Error polling queue", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	result, err := c.client.BLPop(ctx, popTimeout, c.config.Queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop from %s: %w", c.config.Queue, err)
	}

	// BLPop returns [queue, value].
	if len(result) < 2 {
		return nil
	}

	c.dispatch(ctx, result[1])

	return nil
}

// message is the wire shape producers push onto the list.
type message struct {
	Token   string         `json:"token"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (c *Consumer) dispatch(ctx context.Context, raw string) {
	var msg message

	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		c.logger.WarnContext(ctx, "Dropping malformed queue message", "error", err)

		return
	}

	if msg.Token == "" {
		c.logger.WarnContext(ctx, "Dropping queue message without a token")

		return
	}

	if err := c.deliver(ctx, msg.Token, msg.Payload); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deliver queue message", "token", msg.Token, "error", err)
	}
}
