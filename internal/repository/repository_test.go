package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-pds/granary/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "granary-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	t.Cleanup(func() {
		repo.Close()
		os.Remove(tmpPath)
	})

	return repo
}

func TestStoreRegistry(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	info := &domain.StoreInfo{
		ID:       "STORE-001",
		Name:     "Gandhinagar FPS",
		District: "North District",
		Latitude: 23.2, Longitude: 72.6,
	}

	if err := repo.SaveStore(ctx, info); err != nil {
		t.Fatalf("SaveStore: %v", err)
	}

	got, err := repo.FetchStoreInfo(ctx, "STORE-001")
	if err != nil {
		t.Fatalf("FetchStoreInfo: %v", err)
	}
	if got.Name != info.Name || got.District != info.District {
		t.Errorf("got %+v, want %+v", got, info)
	}

	t.Run("unknown store", func(t *testing.T) {
		if _, err := repo.FetchStoreInfo(ctx, "STORE-404"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		info.Name = "Gandhinagar FPS 2"
		if err := repo.SaveStore(ctx, info); err != nil {
			t.Fatalf("SaveStore: %v", err)
		}
		got, err := repo.FetchStoreInfo(ctx, "STORE-001")
		if err != nil {
			t.Fatalf("FetchStoreInfo: %v", err)
		}
		if got.Name != "Gandhinagar FPS 2" {
			t.Errorf("name = %q after upsert", got.Name)
		}
	})
}

func TestBeneficiaryRoster(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	profile := &domain.BeneficiaryProfile{
		ID:            "BEN-001",
		HomeStoreID:   "STORE-001",
		CardTier:      domain.TierYellow,
		HouseholdSize: 4,
		Verified:      true,
		MonthlyConsumption: map[domain.Commodity]float64{
			domain.CommodityRice:  20,
			domain.CommodityWheat: 5,
		},
	}

	if err := repo.SaveBeneficiary(ctx, profile); err != nil {
		t.Fatalf("SaveBeneficiary: %v", err)
	}

	got, err := repo.FetchBeneficiary(ctx, "BEN-001")
	if err != nil {
		t.Fatalf("FetchBeneficiary: %v", err)
	}
	if got.CardTier != domain.TierYellow {
		t.Errorf("card tier = %s, want %s", got.CardTier, domain.TierYellow)
	}
	if !got.Verified {
		t.Error("verified flag lost on round trip")
	}
	if got.MonthlyConsumption[domain.CommodityRice] != 20 {
		t.Errorf("rice consumption = %.1f, want 20", got.MonthlyConsumption[domain.CommodityRice])
	}

	t.Run("list by store", func(t *testing.T) {
		other := &domain.BeneficiaryProfile{
			ID: "BEN-002", HomeStoreID: "STORE-002",
			CardTier: domain.TierBlue, HouseholdSize: 3,
			MonthlyConsumption: map[domain.Commodity]float64{},
		}
		if err := repo.SaveBeneficiary(ctx, other); err != nil {
			t.Fatalf("SaveBeneficiary: %v", err)
		}

		list, err := repo.ListBeneficiaries(ctx, "STORE-001")
		if err != nil {
			t.Fatalf("ListBeneficiaries: %v", err)
		}
		if len(list) != 1 || list[0].ID != "BEN-001" {
			t.Errorf("got %d beneficiaries for STORE-001, want exactly BEN-001", len(list))
		}
	})

	t.Run("unknown beneficiary", func(t *testing.T) {
		if _, err := repo.FetchBeneficiary(ctx, "BEN-404"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestOrders(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	save := func(id, benID, storeID string, at time.Time) {
		t.Helper()
		order := &domain.Order{
			ID:            id,
			BeneficiaryID: benID,
			StoreID:       storeID,
			Items: []domain.LineItem{
				{Name: "Rice", Commodity: domain.CommodityRice, Quantity: 5, Unit: "kg", UnitPrice: 30},
				{Name: "Sugar", Commodity: domain.CommoditySugar, Quantity: 1, Unit: "kg", UnitPrice: 40},
			},
			TotalAmount: 190,
			CreatedAt:   at,
		}
		if err := repo.SaveOrder(ctx, order); err != nil {
			t.Fatalf("SaveOrder(%s): %v", id, err)
		}
	}

	save("ORD-1", "BEN-001", "STORE-001", now.Add(-1*time.Hour))
	save("ORD-2", "BEN-001", "STORE-001", now.AddDate(0, 0, -40))
	save("ORD-3", "BEN-002", "STORE-001", now.Add(-2*time.Hour))
	save("ORD-4", "BEN-001", "STORE-002", now.Add(-3*time.Hour))

	t.Run("fetch by store since", func(t *testing.T) {
		orders, err := repo.FetchOrders(ctx, "STORE-001", now.AddDate(0, 0, -7))
		if err != nil {
			t.Fatalf("FetchOrders: %v", err)
		}
		if len(orders) != 2 {
			t.Fatalf("got %d orders, want 2", len(orders))
		}
		if len(orders[0].Items) != 2 {
			t.Errorf("items lost on round trip: got %d, want 2", len(orders[0].Items))
		}
	})

	t.Run("history window", func(t *testing.T) {
		orders, err := repo.FetchOrderHistory(ctx, "BEN-001", 30)
		if err != nil {
			t.Fatalf("FetchOrderHistory: %v", err)
		}
		if len(orders) != 2 {
			t.Fatalf("got %d orders in 30 days, want 2 (40-day-old excluded)", len(orders))
		}
		for _, o := range orders {
			if o.ID == "ORD-2" {
				t.Error("40-day-old order leaked into the 30-day window")
			}
		}
	})
}

func TestDemandHistoryAndStock(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("chronological order with limit", func(t *testing.T) {
		for m := 1; m <= 9; m++ {
			point := &domain.HistoricalDemandPoint{
				Period: fmt.Sprintf("2025-%02d", m),
				Demand: float64(90 + m),
			}
			if err := repo.SaveDemandPoint(ctx, "STORE-001", domain.CommodityRice, point); err != nil {
				t.Fatalf("SaveDemandPoint: %v", err)
			}
		}

		points, err := repo.FetchDemandHistory(ctx, "STORE-001", domain.CommodityRice, 6)
		if err != nil {
			t.Fatalf("FetchDemandHistory: %v", err)
		}
		if len(points) != 6 {
			t.Fatalf("got %d points, want 6", len(points))
		}
		if points[0].Period != "2025-04" || points[5].Period != "2025-09" {
			t.Errorf("window = %s..%s, want 2025-04..2025-09", points[0].Period, points[5].Period)
		}
	})

	t.Run("factors round trip", func(t *testing.T) {
		point := &domain.HistoricalDemandPoint{
			Period:  "2025-10",
			Demand:  130,
			Factors: []string{"festival", "school holidays"},
		}
		if err := repo.SaveDemandPoint(ctx, "STORE-001", domain.CommodityWheat, point); err != nil {
			t.Fatalf("SaveDemandPoint: %v", err)
		}

		points, err := repo.FetchDemandHistory(ctx, "STORE-001", domain.CommodityWheat, 12)
		if err != nil {
			t.Fatalf("FetchDemandHistory: %v", err)
		}
		if len(points) != 1 || len(points[0].Factors) != 2 {
			t.Errorf("factors lost on round trip: %+v", points)
		}
	})

	t.Run("stock levels", func(t *testing.T) {
		if err := repo.SetCurrentStock(ctx, "STORE-001", domain.CommodityRice, 120); err != nil {
			t.Fatalf("SetCurrentStock: %v", err)
		}
		qty, err := repo.FetchCurrentStock(ctx, "STORE-001", domain.CommodityRice)
		if err != nil {
			t.Fatalf("FetchCurrentStock: %v", err)
		}
		if qty != 120 {
			t.Errorf("stock = %.1f, want 120", qty)
		}

		if err := repo.SetCurrentStock(ctx, "STORE-001", domain.CommodityRice, 80); err != nil {
			t.Fatalf("SetCurrentStock: %v", err)
		}
		qty, _ = repo.FetchCurrentStock(ctx, "STORE-001", domain.CommodityRice)
		if qty != 80 {
			t.Errorf("stock = %.1f after upsert, want 80", qty)
		}

		if _, err := repo.FetchCurrentStock(ctx, "STORE-001", domain.CommodityTea); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound for missing stock row", err)
		}
	})
}

func TestAuditReportRetention(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < domain.ReportRetention+10; i++ {
		report := &domain.AuditReport{
			ID:          fmt.Sprintf("AR-%03d", i),
			StoreID:     "STORE-001",
			GeneratedAt: base.Add(time.Duration(i) * time.Hour),
			OrderCount:  i,
			RiskLevel:   domain.RiskLow,
		}
		if err := repo.AppendAuditReport(ctx, report); err != nil {
			t.Fatalf("AppendAuditReport(%d): %v", i, err)
		}
	}

	latest, err := repo.LatestAuditReport(ctx, "STORE-001")
	if err != nil {
		t.Fatalf("LatestAuditReport: %v", err)
	}
	if latest.ID != fmt.Sprintf("AR-%03d", domain.ReportRetention+9) {
		t.Errorf("latest = %s, want the newest append", latest.ID)
	}
	if latest.OrderCount != domain.ReportRetention+9 {
		t.Errorf("payload lost on round trip: order count = %d", latest.OrderCount)
	}

	t.Run("no report for unknown store", func(t *testing.T) {
		if _, err := repo.LatestAuditReport(ctx, "STORE-404"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("other stores unaffected", func(t *testing.T) {
		report := &domain.AuditReport{
			ID: "AR-OTHER", StoreID: "STORE-002",
			GeneratedAt: base, RiskLevel: domain.RiskLow,
		}
		if err := repo.AppendAuditReport(ctx, report); err != nil {
			t.Fatalf("AppendAuditReport: %v", err)
		}
		got, err := repo.LatestAuditReport(ctx, "STORE-002")
		if err != nil {
			t.Fatalf("LatestAuditReport: %v", err)
		}
		if got.ID != "AR-OTHER" {
			t.Errorf("latest for STORE-002 = %s", got.ID)
		}
	})
}

func TestDemandReports(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	report := &domain.StoreDemandReport{
		ID:             "DR-001",
		StoreID:        "STORE-001",
		StoreName:      "Gandhinagar FPS",
		GeneratedAt:    time.Now().UTC(),
		ForecastPeriod: "2025-07",
		TotalMonthlyDemand: map[domain.Commodity]float64{
			domain.CommodityRice: 120,
		},
	}

	if err := repo.AppendDemandReport(ctx, report); err != nil {
		t.Fatalf("AppendDemandReport: %v", err)
	}
}

func TestCustomRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rule := &domain.CustomRule{
		ID:         "CR-001",
		Name:       "high total",
		Expression: "order_total > 3000.0",
		Kind:       domain.KindSuspiciousAmount,
		Severity:   domain.SeverityMedium,
		RiskScore:  45,
		Enabled:    true,
	}

	if err := repo.SaveCustomRule(ctx, rule); err != nil {
		t.Fatalf("SaveCustomRule: %v", err)
	}

	disabled := &domain.CustomRule{
		ID: "CR-002", Name: "disabled", Expression: "item_count > 50",
		Kind: domain.KindUnusualPattern, Severity: domain.SeverityLow, RiskScore: 20,
	}
	if err := repo.SaveCustomRule(ctx, disabled); err != nil {
		t.Fatalf("SaveCustomRule: %v", err)
	}

	rules, err := repo.ListCustomRules(ctx)
	if err != nil {
		t.Fatalf("ListCustomRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d enabled rules, want 1", len(rules))
	}
	if rules[0].Expression != rule.Expression {
		t.Errorf("expression lost on round trip: %q", rules[0].Expression)
	}
	if rules[0].Version != "1" {
		t.Errorf("default version = %q, want 1", rules[0].Version)
	}
}

func TestPolicyVersions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("defaults when none stored", func(t *testing.T) {
		policy, err := repo.ActivePolicy(ctx)
		if err != nil {
			t.Fatalf("ActivePolicy: %v", err)
		}
		if policy.Version != domain.DefaultPolicy().Version {
			t.Errorf("version = %q, want built-in default", policy.Version)
		}
	})

	t.Run("latest stored wins", func(t *testing.T) {
		old := domain.DefaultPolicy()
		old.Version = "2024.2"
		old.CreatedAt = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		if err := repo.SavePolicy(ctx, old); err != nil {
			t.Fatalf("SavePolicy: %v", err)
		}

		current := domain.DefaultPolicy()
		current.Version = "2025.2"
		current.CreatedAt = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
		current.RiceEntitlementYellow = 40
		if err := repo.SavePolicy(ctx, current); err != nil {
			t.Fatalf("SavePolicy: %v", err)
		}

		policy, err := repo.ActivePolicy(ctx)
		if err != nil {
			t.Fatalf("ActivePolicy: %v", err)
		}
		if policy.Version != "2025.2" {
			t.Errorf("version = %q, want 2025.2", policy.Version)
		}
		if policy.RiceEntitlementYellow != 40 {
			t.Errorf("rice entitlement = %.0f, want 40", policy.RiceEntitlementYellow)
		}
	})
}
