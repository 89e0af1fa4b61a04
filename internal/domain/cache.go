package domain

import (
	"context"
	"time"
)

// Cache defines the caching layer in front of the repository.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// Keys are scoped by store to keep one shop's churn from evicting
// another's hot profiles.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, storeID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, storeID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, storeID string, key string) error

	// GetProfile retrieves a cached beneficiary profile.
	GetProfile(ctx context.Context, storeID string, beneficiaryID string) (*BeneficiaryProfile, error)

	// SetProfile caches a beneficiary profile for audit runs.
	SetProfile(ctx context.Context, storeID string, profile *BeneficiaryProfile, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns new value.
	// Used to observe repeat-order frequency between audit runs.
	IncrementCounter(ctx context.Context, storeID string, key string, window time.Duration) (int64, error)

	// CounterValue reads a counter without incrementing it.
	// Returns 0 for a missing or expired counter.
	CounterValue(ctx context.Context, storeID string, key string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
