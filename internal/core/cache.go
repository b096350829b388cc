package core

import (
	"context"
	"log/slog"
	"time"
)

// CacheRepository defines the key/value cache.
type CacheRepository interface {
	// Set stores value under key; a zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns nil when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	SetInt(ctx context.Context, key string, value int64, ttl time.Duration) error
	// GetInt returns def when the key is absent.
	GetInt(ctx context.Context, key string, def int64) (int64, error)
	Delete(ctx context.Context, key string) (bool, error)
	// SetIfNotExists atomically sets key only when absent and reports whether it was set.
	SetIfNotExists(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Health(ctx context.Context) error
}

// Cache keys of the SQS approximate message counts.
const (
	HoundigradeResultsMessageCountKey      = "houndigrade_results_message_count"
	HoundigradeResultsDLQMessageCountKey   = "houndigrade_results_dlq_message_count"
	CloudTrailNotificationsMessageCountKey = "cloudtrail_notifications_message_count"
	CloudTrailNotificationsDLQCountKey     = "cloudtrail_notifications_dlq_message_count"
)

// MessageCountKeys lists the cached SQS count keys in reporting order.
var MessageCountKeys = []string{
	HoundigradeResultsMessageCountKey,
	HoundigradeResultsDLQMessageCountKey,
	CloudTrailNotificationsMessageCountKey,
	CloudTrailNotificationsDLQCountKey,
}

// MessageCountCache stores SQS queue depths so that metrics scrapes never call AWS.
type MessageCountCache struct {
	cache  CacheRepository
	logger *slog.Logger
}

// NewMessageCountCache creates a MessageCountCache.
func NewMessageCountCache(cache CacheRepository, logger *slog.Logger) *MessageCountCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageCountCache{cache: cache, logger: logger}
}

// Store saves count under key without expiry.
func (c *MessageCountCache) Store(ctx context.Context, key string, count int64) error {
	return c.cache.SetInt(ctx, key, count, 0)
}

// Load returns the cached count for key, or 0 when missing or unreadable.
func (c *MessageCountCache) Load(ctx context.Context, key string) float64 {
	n, err := c.cache.GetInt(ctx, key, 0)
	if err != nil {
		c.logger.WarnContext(ctx, "read cached message count failed", "key", key, "error", err)
		return 0
	}
	return float64(n)
}
