// Package sqs implements the queue backend on AWS SQS.
package sqs

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/config"
	"github.com/our-edu/go-queue-harness/internal/contracts"
)

const cacheKeyPrefix = "queue-url:"

// queueURLAPI is the subset of the SQS client the resolver needs
type queueURLAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// Resolver turns queue names into queue URLs. Results are memoized for the
// life of the process and, when a cache is configured, shared through it.
type Resolver struct {
	client queueURLAPI
	config *config.Config
	cache  contracts.Cache
	logger zerolog.Logger

	mu   sync.RWMutex
	memo map[string]string
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(client queueURLAPI, cfg *config.Config, cache contracts.Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{
		client: client,
		config: cfg,
		cache:  cache,
		logger: logger,
		memo:   make(map[string]string),
	}
}

// Resolve returns the URL for queueName. Names that already are URLs are
// returned unchanged without any lookup.
func (r *Resolver) Resolve(ctx context.Context, queueName string) (string, error) {
	if contracts.IsAddress(queueName) {
		return queueName, nil
	}
	name := r.config.GetPrefixedQueueName(queueName)

	r.mu.RLock()
	url, ok := r.memo[name]
	r.mu.RUnlock()
	if ok {
		return url, nil
	}

	if r.cache != nil {
		cached, err := r.cache.Get(ctx, cacheKeyPrefix+name)
		if err != nil {
			r.logger.Warn().Str("queue", name).Err(err).Msg("Queue URL cache lookup failed")
		} else if cached != "" {
			r.remember(name, cached)
			return cached, nil
		}
	}

	result, err := r.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", contracts.NewNotFoundError(name, err)
		}
		return "", contracts.NewTransportError("resolve", name, err)
	}

	url = aws.ToString(result.QueueUrl)
	r.remember(name, url)

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKeyPrefix+name, url, r.config.SQS.CacheTTL); err != nil {
			r.logger.Warn().Str("queue", name).Err(err).Msg("Failed to cache queue URL")
		}
	}

	r.logger.Debug().Str("queue", name).Str("url", url).Msg("Resolved queue URL")
	return url, nil
}

func (r *Resolver) remember(name, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo[name] = url
}

// Forget drops a memoized URL, so the next Resolve looks it up again
func (r *Resolver) Forget(ctx context.Context, queueName string) {
	name := r.config.GetPrefixedQueueName(queueName)

	r.mu.Lock()
	delete(r.memo, name)
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.Delete(ctx, cacheKeyPrefix+name); err != nil {
			r.logger.Warn().Str("queue", name).Err(err).Msg("Failed to evict queue URL")
		}
	}
}
