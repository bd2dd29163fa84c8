// Package membership tracks how many participants are connected to each
// document's shared session. The hub drives it on join/leave; the save
// pipeline subscribes to the last-left event, which is the only trigger
// for a durable write while a shared session is live.
package membership

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// lastLeftChannel carries the document id whenever a document's
// participant count drops to zero. Counts live in Redis rather than hub
// memory so every API instance sees the same view.
const lastLeftChannel = "collab:last-left"

// RedisCounter implements participant counting on Redis.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a counter from a Redis URL.
func NewRedisCounter(redisURL string) (*RedisCounter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCounter{client: client, prefix: "members:"}, nil
}

// NewRedisCounterWithClient creates a counter from an existing client.
func NewRedisCounterWithClient(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: "members:"}
}

func (c *RedisCounter) key(documentID string) string {
	return c.prefix + documentID
}

// Join increments a document's participant count and returns the new
// count.
func (c *RedisCounter) Join(ctx context.Context, documentID string) (int64, error) {
	n, err := c.client.Incr(ctx, c.key(documentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("join %s: %w", documentID, err)
	}
	return n, nil
}

// Leave decrements a document's participant count. When the count
// reaches zero the last-left event is published; a stray extra leave
// never drives the count negative.
func (c *RedisCounter) Leave(ctx context.Context, documentID string) (int64, error) {
	n, err := c.client.Decr(ctx, c.key(documentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("leave %s: %w", documentID, err)
	}
	if n < 0 {
		if err := c.client.Set(ctx, c.key(documentID), 0, 0).Err(); err != nil {
			return 0, fmt.Errorf("reset count %s: %w", documentID, err)
		}
		return 0, nil
	}
	if n == 0 {
		if err := c.client.Publish(ctx, lastLeftChannel, documentID).Err(); err != nil {
			return 0, fmt.Errorf("publish last-left %s: %w", documentID, err)
		}
	}
	return n, nil
}

// Count returns a document's current participant count.
func (c *RedisCounter) Count(ctx context.Context, documentID string) (int64, error) {
	n, err := c.client.Get(ctx, c.key(documentID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", documentID, err)
	}
	return n, nil
}

// SubscribeLastLeft invokes fn with the document id each time a
// document's last participant disconnects. It blocks until ctx is
// cancelled.
func (c *RedisCounter) SubscribeLastLeft(ctx context.Context, fn func(documentID string)) error {
	pubsub := c.client.Subscribe(ctx, lastLeftChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe last-left: %w", err)
	}
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the Redis connection.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *RedisCounter) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		log.Printf("membership redis unreachable: %v", err)
		return err
	}
	return nil
}
