package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trafficdash/api/internal/export"
)

const defaultTTL = 24 * time.Hour

// RedisStore keeps statuses in Redis and publishes every update on the
// report's channel.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed status store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "report-status:",
		ttl:    ttl,
	}
}

// Key is both the storage key and the pub/sub channel of a report.
func (s *RedisStore) Key(id string) string {
	return s.prefix + id
}

// Save stores the status and publishes it.
func (s *RedisStore) Save(ctx context.Context, status export.GenerationStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	key := s.Key(status.ID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.Publish(ctx, key, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save report status: %w", err)
	}
	return nil
}

// Get returns the latest stored status.
func (s *RedisStore) Get(ctx context.Context, id string) (export.GenerationStatus, error) {
	data, err := s.client.Get(ctx, s.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return export.GenerationStatus{}, ErrNotFound
	}
	if err != nil {
		return export.GenerationStatus{}, fmt.Errorf("lookup report status: %w", err)
	}
	var status export.GenerationStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return export.GenerationStatus{}, fmt.Errorf("unmarshal report status: %w", err)
	}
	return status, nil
}

// Watch streams updates for one report until ctx is done or the report
// reaches a terminal state. The channel is closed afterwards.
func (s *RedisStore) Watch(ctx context.Context, id string) (<-chan export.GenerationStatus, error) {
	sub := s.client.Subscribe(ctx, s.Key(id))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe report status: %w", err)
	}
	out := make(chan export.GenerationStatus, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var status export.GenerationStatus
				if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
					continue
				}
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
				if status.Terminal() {
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
