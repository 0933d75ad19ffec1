package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps go-redis with FlowTrace's pub/sub telemetry conventions
// (internal/telemetry): connect-time ping, structured publish logging,
// standardized channel naming.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	config ClientConfig
}

// ClientConfig holds Redis client configuration
type ClientConfig struct {
	URL          string
	DB           int
	Password     string
	PoolSize     int
	MaxRetries   int
	RetryBackoff time.Duration
}

// Event represents a publishable event
type Event interface {
	GetExchange() string
	GetSymbol() string
	GetTimestamp() time.Time
	GetEventType() string
}

// NewClient creates a new Redis client
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:       config.URL[8:], // Remove "redis://" prefix
		DB:         config.DB,
		Password:   config.Password,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client connected successfully",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize))

	return &Client{
		rdb:    rdb,
		logger: logger,
		config: config,
	}, nil
}

// Publish publishes an event to a Redis channel
func (c *Client) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		c.logger.Error("Failed to publish event",
			zap.String("channel", channel),
			zap.String("exchange", event.GetExchange()),
			zap.String("symbol", event.GetSymbol()),
			zap.String("event_type", event.GetEventType()),
			zap.Error(err))
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}

	c.logger.Debug("Event published successfully",
		zap.String("channel", channel),
		zap.String("exchange", event.GetExchange()),
		zap.String("symbol", event.GetSymbol()),
		zap.String("event_type", event.GetEventType()))

	return nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis client", zap.Error(err))
		return err
	}

	c.logger.Info("Redis client closed successfully")
	return nil
}
