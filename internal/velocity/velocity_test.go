package velocity

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-pds/granary/internal/cache"
	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/repository"
)

func TestVelocityService(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "velocity-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	svc := NewService(repo, lruCache)

	ctx := context.Background()
	storeID := "STORE-001"

	t.Run("EmptyDatabase", func(t *testing.T) {
		count, err := svc.OrderCount(ctx, storeID, "BEN-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for empty database, got %d", count)
		}
	})

	t.Run("WithOrders", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			order := &domain.Order{
				ID:            fmt.Sprintf("ORD-%d", i),
				BeneficiaryID: "BEN-001",
				StoreID:       storeID,
				Items: []domain.LineItem{
					{Name: "Rice", Commodity: domain.CommodityRice, Quantity: 2, Unit: "kg", UnitPrice: 30},
				},
				TotalAmount: 60,
				CreatedAt:   time.Now().UTC().Add(-10 * time.Minute),
			}
			if err := repo.SaveOrder(ctx, order); err != nil {
				t.Fatalf("failed to save order: %v", err)
			}
		}

		count, err := svc.OrderCount(ctx, storeID, "BEN-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}

		count, err = svc.OrderCount(ctx, storeID, "BEN-999", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for unknown beneficiary, got %d", count)
		}
	})

	t.Run("StoreIsolation", func(t *testing.T) {
		count, err := svc.OrderCount(ctx, "STORE-OTHER", "BEN-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 for a different store, got %d", count)
		}
	})

	t.Run("WindowExcludesOldOrders", func(t *testing.T) {
		count, err := svc.OrderCount(ctx, storeID, "BEN-001", 60)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 0 {
			t.Errorf("expected count 0 within a 60s window, got %d", count)
		}
	})

	t.Run("RequiresStoreID", func(t *testing.T) {
		if _, err := svc.OrderCount(ctx, "", "BEN-001", 3600); err == nil {
			t.Error("expected error for empty storeID")
		}
	})

	t.Run("RequiresBeneficiaryID", func(t *testing.T) {
		if _, err := svc.OrderCount(ctx, storeID, "", 3600); err == nil {
			t.Error("expected error for empty beneficiaryID")
		}
	})

	t.Run("Getter", func(t *testing.T) {
		getter := svc.Getter()
		if getter == nil {
			t.Fatal("Getter returned nil")
		}

		count, err := getter(ctx, storeID, "BEN-001", 3600)
		if err != nil {
			t.Fatalf("getter failed: %v", err)
		}
		if count != 5 {
			t.Errorf("expected count 5, got %d", count)
		}
	})
}

func TestCounterFastPath(t *testing.T) {
	lruCache := cache.NewLRUCache(100)
	defer lruCache.Close()

	// No repository: a warm counter must answer sub-day windows on
	// its own, and the repo fallback must stay untouched.
	svc := NewService(nil, lruCache)
	ctx := context.Background()

	t.Run("WarmCounterServesCount", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			svc.RecordOrder(ctx, "STORE-001", "BEN-001")
		}

		count, err := svc.OrderCount(ctx, "STORE-001", "BEN-001", 3600)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 3 {
			t.Errorf("expected count 3 from the counter, got %d", count)
		}
	})

	t.Run("ColdCounterFallsThrough", func(t *testing.T) {
		if _, err := svc.OrderCount(ctx, "STORE-001", "BEN-COLD", 3600); err == nil {
			t.Error("expected repo fallback error for a cold counter")
		}
	})

	t.Run("LongWindowSkipsCounter", func(t *testing.T) {
		// 30 days exceeds the counter lifetime; only the repository
		// can answer.
		if _, err := svc.OrderCount(ctx, "STORE-001", "BEN-001", 30*86400); err == nil {
			t.Error("expected repo fallback error for a long window")
		}
	})
}

func TestNoDataSource(t *testing.T) {
	svc := &Service{}

	if _, err := svc.OrderCount(context.Background(), "STORE-001", "BEN-001", 3600); err == nil {
		t.Error("expected error with no data source")
	}
}
