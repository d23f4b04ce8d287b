package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/contracts"
)

const (
	keyProcessed  = "processed"
	keyProcessing = "processing"

	defaultProcessingTTL = 5 * time.Minute
	defaultProcessedTTL  = 7 * 24 * time.Hour
)

// ErrAlreadyProcessing is returned by MarkProcessing when another worker
// holds the lock for the message id.
var ErrAlreadyProcessing = contracts.ErrAlreadyProcessing

// RedisDedupeStore remembers processed message ids per queue. The
// processing lock is a SetNX key that expires on its own if the worker dies.
type RedisDedupeStore struct {
	client        redis.UniversalClient
	prefix        string
	processingTTL time.Duration
	processedTTL  time.Duration
	logger        zerolog.Logger
}

// DedupeOption configures a RedisDedupeStore
type DedupeOption func(*RedisDedupeStore)

// WithProcessedTTL sets how long processed ids are remembered
func WithProcessedTTL(ttl time.Duration) DedupeOption {
	return func(s *RedisDedupeStore) {
		s.processedTTL = ttl
	}
}

// WithProcessingTTL sets the lifetime of the processing lock
func WithProcessingTTL(ttl time.Duration) DedupeOption {
	return func(s *RedisDedupeStore) {
		s.processingTTL = ttl
	}
}

// NewRedisDedupeStore creates a dedupe store with keys under prefix
func NewRedisDedupeStore(client redis.UniversalClient, prefix string, logger zerolog.Logger, opts ...DedupeOption) *RedisDedupeStore {
	s := &RedisDedupeStore{
		client:        client,
		prefix:        prefix,
		processingTTL: defaultProcessingTTL,
		processedTTL:  defaultProcessedTTL,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisDedupeStore) key(kind, queue, messageID string) string {
	k := kind + ":" + queue + ":" + messageID
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// IsProcessed checks if the message id was already processed on queue
func (s *RedisDedupeStore) IsProcessed(ctx context.Context, queue, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(keyProcessed, queue, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed key: %w", err)
	}
	return n > 0, nil
}

// MarkProcessing takes the processing lock
func (s *RedisDedupeStore) MarkProcessing(ctx context.Context, queue, messageID string) error {
	ok, err := s.client.SetNX(ctx, s.key(keyProcessing, queue, messageID), "1", s.processingTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to set processing lock: %w", err)
	}
	if !ok {
		return ErrAlreadyProcessing
	}
	return nil
}

// MarkProcessed records the id and releases the lock
func (s *RedisDedupeStore) MarkProcessed(ctx context.Context, queue, messageID string) error {
	if err := s.client.Set(ctx, s.key(keyProcessed, queue, messageID), "1", s.processedTTL).Err(); err != nil {
		return fmt.Errorf("failed to set processed key: %w", err)
	}
	if err := s.client.Del(ctx, s.key(keyProcessing, queue, messageID)).Err(); err != nil {
		s.logger.Warn().
			Str("queue", queue).
			Str("message_id", messageID).
			Err(err).
			Msg("Failed to release processing lock")
	}
	return nil
}

// ClearProcessing releases the lock without recording the id
func (s *RedisDedupeStore) ClearProcessing(ctx context.Context, queue, messageID string) error {
	if err := s.client.Del(ctx, s.key(keyProcessing, queue, messageID)).Err(); err != nil {
		return fmt.Errorf("failed to clear processing lock: %w", err)
	}
	return nil
}

var _ contracts.DedupeStore = (*RedisDedupeStore)(nil)
