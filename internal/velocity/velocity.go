// Package velocity provides order-frequency counting for beneficiaries.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-pds/granary/internal/domain"
)

// Service counts recent orders per beneficiary. The count feeds the
// velocity_count variable of the custom rule engine and the counter
// cache keeps hot beneficiaries off the database.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// counterWindow is the lifetime of the per-beneficiary order counter.
// Sub-day velocity queries are served from it when warm.
const counterWindow = 24 * time.Hour

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// OrderCount returns the number of orders a beneficiary placed at a
// store within the trailing window. A warm counter answers sub-day
// windows without touching the repository; a cold counter falls back
// to the authoritative order history.
func (s *Service) OrderCount(ctx context.Context, storeID, beneficiaryID string, windowSecs int) (int64, error) {
	if storeID == "" || beneficiaryID == "" {
		return 0, fmt.Errorf("storeID and beneficiaryID are required")
	}

	if s.cache != nil && windowSecs > 0 && windowSecs <= int(counterWindow/time.Second) {
		if count, err := s.cache.CounterValue(ctx, storeID, "orders:"+beneficiaryID); err == nil && count > 0 {
			return count, nil
		}
	}

	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	withinDays := windowSecs / 86400
	if windowSecs%86400 != 0 {
		withinDays++
	}
	if withinDays < 1 {
		withinDays = 1
	}

	orders, err := s.repo.FetchOrderHistory(ctx, beneficiaryID, withinDays)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch order history: %w", err)
	}

	since := time.Now().Add(-time.Duration(windowSecs) * time.Second)
	var count int64
	for _, o := range orders {
		if o.StoreID == storeID && !o.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// RecordOrder bumps the per-beneficiary order counter in the cache.
// Best effort: the authoritative count always comes from the repository.
func (s *Service) RecordOrder(ctx context.Context, storeID, beneficiaryID string) {
	if s.cache == nil {
		return
	}
	_, _ = s.cache.IncrementCounter(ctx, storeID, "orders:"+beneficiaryID, counterWindow)
}

// Getter returns the counting function in the shape the custom rule
// engine expects.
func (s *Service) Getter() func(ctx context.Context, storeID, beneficiaryID string, windowSecs int) (int64, error) {
	return s.OrderCount
}
