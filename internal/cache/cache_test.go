package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-pds/granary/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	storeID := "STORE-001"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, storeID, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, storeID, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, storeID, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, storeID, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, storeID, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, storeID, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, storeID, "expiring", []byte("temp"), 10*time.Millisecond)

		// Should be available immediately
		val, _ := cache.Get(ctx, storeID, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		// Wait for expiration
		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, storeID, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, storeID, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, storeID, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, storeID, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, storeID, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, storeID, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, storeID, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, storeID, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("StoreIsolation", func(t *testing.T) {
		store1 := "STORE-001"
		store2 := "STORE-002"

		_ = cache.Set(ctx, store1, "shared-key", []byte("store1-value"), time.Minute)
		_ = cache.Set(ctx, store2, "shared-key", []byte("store2-value"), time.Minute)

		val1, _ := cache.Get(ctx, store1, "shared-key")
		val2, _ := cache.Get(ctx, store2, "shared-key")

		if string(val1) != "store1-value" {
			t.Errorf("expected 'store1-value', got '%s'", string(val1))
		}
		if string(val2) != "store2-value" {
			t.Errorf("expected 'store2-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresStoreID", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty storeID")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty storeID")
		}
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		window := 100 * time.Millisecond

		count1, err := cache.IncrementCounter(ctx, storeID, "orders:BEN-001", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := cache.IncrementCounter(ctx, storeID, "orders:BEN-001", window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		read, err := cache.CounterValue(ctx, storeID, "orders:BEN-001")
		if err != nil {
			t.Fatalf("CounterValue failed: %v", err)
		}
		if read != 2 {
			t.Errorf("expected counter read 2, got %d", read)
		}

		// Wait for window to expire
		time.Sleep(150 * time.Millisecond)

		read, _ = cache.CounterValue(ctx, storeID, "orders:BEN-001")
		if read != 0 {
			t.Errorf("expected counter read 0 after expiry, got %d", read)
		}

		count3, _ := cache.IncrementCounter(ctx, storeID, "orders:BEN-001", window)
		if count3 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count3)
		}
	})

	t.Run("ProfileCache", func(t *testing.T) {
		profile := &domain.BeneficiaryProfile{
			ID:            "BEN-001",
			HomeStoreID:   storeID,
			CardTier:      domain.TierPink,
			HouseholdSize: 5,
			Verified:      true,
			MonthlyConsumption: map[domain.Commodity]float64{
				domain.CommodityRice: 12.5,
			},
		}

		err := cache.SetProfile(ctx, storeID, profile, time.Minute)
		if err != nil {
			t.Fatalf("SetProfile failed: %v", err)
		}

		retrieved, err := cache.GetProfile(ctx, storeID, "BEN-001")
		if err != nil {
			t.Fatalf("GetProfile failed: %v", err)
		}

		if retrieved.CardTier != profile.CardTier {
			t.Errorf("expected card tier %s, got %s", profile.CardTier, retrieved.CardTier)
		}
		if retrieved.MonthlyConsumption[domain.CommodityRice] != 12.5 {
			t.Errorf("consumption lost on round trip: %+v", retrieved.MonthlyConsumption)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, storeID, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, storeID, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, storeID, "k", []byte("v"), time.Minute)

		err := testCache.Close()
		if err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, storeID, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
