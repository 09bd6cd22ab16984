package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/logging"
)

// ResultTTL is how long a classification stays cached.
const ResultTTL = 5 * time.Minute

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value. A miss is reported as redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

type cachedClassification struct {
	ClassifierID string                 `json:"classifier_id"`
	Threshold    float64                `json:"threshold"`
	Results      []ClassificationResult `json:"results"`
	CreatedAt    time.Time              `json:"created_at"`
}

// resultKey identifies a classification by classifier, threshold and image digest.
func resultKey(classifierID string, threshold float64, image []byte) string {
	sum := sha1.Sum(image)
	return fmt.Sprintf("classification:%s:%s:%s", classifierID, strconv.FormatFloat(threshold, 'f', -1, 64), hex.EncodeToString(sum[:]))
}

// loadCached returns cached results for key. Misses and cache failures both
// report ok=false; failures are only logged.
func (uc *ClassificationUseCase) loadCached(ctx context.Context, classifierID, key string) ([]ClassificationResult, bool) {
	if uc.cache == nil {
		return nil, false
	}
	var raw string
	err := uc.withRedisRetry(ctx, classifierID, "cache.get.result", func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	opLogger := logging.WithOperation(uc.logger, "usecase.load_cached", classifierID)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}

	var payload cachedClassification
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		opLogger.Warn("failed to decode cached result", zap.Error(err))
		return nil, false
	}
	return payload.Results, true
}

func (uc *ClassificationUseCase) storeCached(ctx context.Context, classifierID, key string, threshold float64, results []ClassificationResult) {
	if uc.cache == nil {
		return
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.store_cached", classifierID)
	serialized, err := json.Marshal(cachedClassification{
		ClassifierID: classifierID,
		Threshold:    threshold,
		Results:      results,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		opLogger.Warn("failed to serialize classification", zap.Error(err))
		return
	}
	if err := uc.withRedisRetry(ctx, classifierID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), ResultTTL)
	}); err != nil {
		opLogger.Warn("failed to cache classification", zap.Error(err))
	}
}

func (uc *ClassificationUseCase) withRedisRetry(ctx context.Context, classifierID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, classifierID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, classifierID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, classifierID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, classifierID, err)
		}
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, classifierID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
