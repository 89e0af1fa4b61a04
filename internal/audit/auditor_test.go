package audit

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/repository"
	"github.com/opensource-pds/granary/internal/rules"
)

var auditClock = func() time.Time {
	return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
}

func cleanOrder(id, benID string, at time.Time) *domain.Order {
	return &domain.Order{
		ID:            id,
		BeneficiaryID: benID,
		StoreID:       "STORE-001",
		Items: []domain.LineItem{
			{Name: "Rice", Commodity: domain.CommodityRice, Quantity: 2, Unit: "kg", UnitPrice: 31.5},
		},
		TotalAmount: 63,
		CreatedAt:   at,
	}
}

func rosterEntry(id string, tier domain.CardTier) *domain.BeneficiaryProfile {
	return &domain.BeneficiaryProfile{
		ID:                 id,
		HomeStoreID:        "STORE-001",
		CardTier:           tier,
		HouseholdSize:      4,
		Verified:           true,
		MonthlyConsumption: map[domain.Commodity]float64{},
	}
}

func TestAuditOrders(t *testing.T) {
	ctx := context.Background()

	t.Run("two flagged out of ten gives 80 percent compliance", func(t *testing.T) {
		auditor := NewAuditor(nil, nil, nil, nil, nil, WithClock(auditClock))
		now := auditClock()

		var orders []*domain.Order
		roster := make(map[string]*domain.BeneficiaryProfile)
		for i := 0; i < 10; i++ {
			benID := fmt.Sprintf("BEN-%03d", i)
			orders = append(orders, cleanOrder(fmt.Sprintf("ORD-%03d", i), benID, now.Add(-time.Duration(i)*time.Hour)))
			tier := domain.TierYellow
			if i < 2 {
				tier = domain.TierWhite // these two get flagged
			}
			roster[benID] = rosterEntry(benID, tier)
		}

		report, err := auditor.AuditOrders(ctx, "STORE-001", orders, roster)
		if err != nil {
			t.Fatalf("AuditOrders: %v", err)
		}

		if len(report.Issues) != 2 {
			t.Fatalf("got %d issues, want 2", len(report.Issues))
		}
		if report.ComplianceRate != 80 {
			t.Errorf("compliance = %.1f, want 80", report.ComplianceRate)
		}
		// 2 x 85 risk over 10 orders: average 17
		if report.RiskLevel != domain.RiskLow {
			t.Errorf("risk level = %s, want %s", report.RiskLevel, domain.RiskLow)
		}
		if report.OrderCount != 10 {
			t.Errorf("order count = %d, want 10", report.OrderCount)
		}
		if report.PolicyVersion == "" {
			t.Error("report must record the policy version")
		}
	})

	t.Run("unknown beneficiary is critical and skips rules", func(t *testing.T) {
		auditor := NewAuditor(nil, nil, nil, nil, nil, WithClock(auditClock))

		order := cleanOrder("ORD-1", "BEN-GHOST", auditClock())
		report, err := auditor.AuditOrders(ctx, "STORE-001", []*domain.Order{order}, map[string]*domain.BeneficiaryProfile{})
		if err != nil {
			t.Fatalf("AuditOrders: %v", err)
		}

		if len(report.Issues) != 1 {
			t.Fatalf("got %d issues, want exactly 1", len(report.Issues))
		}
		issue := report.Issues[0]
		if issue.Severity != domain.SeverityCritical {
			t.Errorf("severity = %s, want %s", issue.Severity, domain.SeverityCritical)
		}
		if issue.RiskScore != 100 {
			t.Errorf("risk score = %.0f, want 100", issue.RiskScore)
		}
		if report.RiskLevel != domain.RiskCritical {
			t.Errorf("risk level = %s, want %s", report.RiskLevel, domain.RiskCritical)
		}
		if got := report.CountBySeverity(domain.SeverityCritical); got != 1 {
			t.Errorf("critical count = %d, want 1", got)
		}
		if !strings.Contains(report.Summary, "1 critical") {
			t.Errorf("summary should carry the severity mix: %q", report.Summary)
		}
	})

	t.Run("empty batch is fully compliant", func(t *testing.T) {
		auditor := NewAuditor(nil, nil, nil, nil, nil, WithClock(auditClock))

		report, err := auditor.AuditOrders(ctx, "STORE-001", nil, nil)
		if err != nil {
			t.Fatalf("AuditOrders: %v", err)
		}
		if report.ComplianceRate != 100 {
			t.Errorf("compliance = %.1f, want 100", report.ComplianceRate)
		}
		if report.RiskLevel != domain.RiskLow {
			t.Errorf("risk level = %s, want %s", report.RiskLevel, domain.RiskLow)
		}
	})

	t.Run("compliance clamps at zero", func(t *testing.T) {
		auditor := NewAuditor(nil, nil, nil, nil, nil, WithClock(auditClock))
		now := auditClock()

		// One order attracting multiple issues: unverified white card
		// would skip soft checks, so use a flagged pink profile with
		// round amount and household overshoot.
		order := &domain.Order{
			ID:            "ORD-1",
			BeneficiaryID: "BEN-001",
			StoreID:       "STORE-001",
			Items: []domain.LineItem{
				{Name: "Rice", Commodity: domain.CommodityRice, Quantity: 40, Unit: "kg", UnitPrice: 75},
			},
			TotalAmount: 3000,
			CreatedAt:   now,
		}
		b := rosterEntry("BEN-001", domain.TierPink)
		b.Verified = false

		report, err := auditor.AuditOrders(ctx, "STORE-001", []*domain.Order{order}, map[string]*domain.BeneficiaryProfile{"BEN-001": b})
		if err != nil {
			t.Fatalf("AuditOrders: %v", err)
		}
		if len(report.Issues) < 2 {
			t.Fatalf("expected multiple issues, got %d", len(report.Issues))
		}
		if report.ComplianceRate != 0 {
			t.Errorf("compliance = %.1f, want clamped 0", report.ComplianceRate)
		}
	})

	t.Run("pattern issue reported once per beneficiary", func(t *testing.T) {
		auditor := NewAuditor(nil, nil, nil, nil, nil, WithClock(auditClock))
		now := auditClock()

		var orders []*domain.Order
		for i := 0; i < 12; i++ {
			o := cleanOrder(fmt.Sprintf("ORD-%03d", i), "BEN-001", now.AddDate(0, 0, -i))
			// distinct item names so the duplicate check stays quiet
			o.Items[0].Name = fmt.Sprintf("Rice grade %d", i)
			orders = append(orders, o)
		}
		roster := map[string]*domain.BeneficiaryProfile{"BEN-001": rosterEntry("BEN-001", domain.TierYellow)}

		report, err := auditor.AuditOrders(ctx, "STORE-001", orders, roster)
		if err != nil {
			t.Fatalf("AuditOrders: %v", err)
		}

		pattern := report.IssuesOfKind(domain.KindUnusualPattern)
		if len(pattern) != 1 {
			t.Errorf("got %d pattern issues, want 1 (deduplicated per beneficiary)", len(pattern))
		}
		if len(pattern) == 1 && pattern[0].OrderID != domain.NoOrderID {
			t.Errorf("pattern issue order id = %q, want %q", pattern[0].OrderID, domain.NoOrderID)
		}
	})

	t.Run("commodity totals bucket the long tail", func(t *testing.T) {
		auditor := NewAuditor(nil, nil, nil, nil, nil, WithClock(auditClock))
		now := auditClock()

		order := &domain.Order{
			ID:            "ORD-1",
			BeneficiaryID: "BEN-001",
			StoreID:       "STORE-001",
			Items: []domain.LineItem{
				{Name: "Rice", Commodity: domain.CommodityRice, Quantity: 5, Unit: "kg", UnitPrice: 30},
				{Name: "Wheat", Commodity: domain.CommodityWheat, Quantity: 3, Unit: "kg", UnitPrice: 25},
				{Name: "Dal", Commodity: domain.CommodityDal, Quantity: 1, Unit: "kg", UnitPrice: 90},
				{Name: "Tea", Commodity: domain.CommodityTea, Quantity: 0.25, Unit: "kg", UnitPrice: 200},
			},
			TotalAmount: 365,
			CreatedAt:   now,
		}
		roster := map[string]*domain.BeneficiaryProfile{"BEN-001": rosterEntry("BEN-001", domain.TierYellow)}

		report, err := auditor.AuditOrders(ctx, "STORE-001", []*domain.Order{order}, roster)
		if err != nil {
			t.Fatalf("AuditOrders: %v", err)
		}

		if got := report.QuantityByCommodity[domain.CommodityRice]; got != 5 {
			t.Errorf("rice total = %.2f, want 5", got)
		}
		if got := report.QuantityByCommodity[domain.CommodityOther]; got != 1.25 {
			t.Errorf("other total = %.2f, want 1.25 (dal + tea)", got)
		}
	})

	t.Run("custom rules contribute issues", func(t *testing.T) {
		engine, err := rules.NewCustomEngine(nil, 4)
		if err != nil {
			t.Fatalf("NewCustomEngine: %v", err)
		}
		defer engine.Close()

		if err := engine.LoadRule(&domain.CustomRule{
			ID: "CR-1", Name: "bulk order", Version: "1",
			Expression: "item_count > 3",
			Kind:       domain.KindUnusualPattern,
			Severity:   domain.SeverityLow,
			RiskScore:  20,
			Enabled:    true,
		}); err != nil {
			t.Fatalf("LoadRule: %v", err)
		}

		auditor := NewAuditor(nil, nil, nil, engine, nil, WithClock(auditClock))
		now := auditClock()

		order := cleanOrder("ORD-1", "BEN-001", now)
		order.Items = append(order.Items,
			domain.LineItem{Name: "Wheat", Commodity: domain.CommodityWheat, Quantity: 2, Unit: "kg", UnitPrice: 25},
			domain.LineItem{Name: "Sugar", Commodity: domain.CommoditySugar, Quantity: 1, Unit: "kg", UnitPrice: 42},
			domain.LineItem{Name: "Salt", Commodity: domain.CommoditySalt, Quantity: 1, Unit: "kg", UnitPrice: 18},
		)
		roster := map[string]*domain.BeneficiaryProfile{"BEN-001": rosterEntry("BEN-001", domain.TierYellow)}

		report, err := auditor.AuditOrders(ctx, "STORE-001", []*domain.Order{order}, roster)
		if err != nil {
			t.Fatalf("AuditOrders: %v", err)
		}
		if len(report.Issues) != 1 {
			t.Fatalf("got %d issues, want 1 from the custom rule", len(report.Issues))
		}
		if report.Issues[0].RiskScore != 20 {
			t.Errorf("risk score = %.0f, want 20", report.Issues[0].RiskScore)
		}
	})
}

func TestAutomatedAudit(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "audit-test-*.db")
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

	ctx := context.Background()
	now := time.Now().UTC()

	profile := rosterEntry("BEN-001", domain.TierYellow)
	if err := repo.SaveBeneficiary(ctx, profile); err != nil {
		t.Fatalf("SaveBeneficiary: %v", err)
	}

	for i := 0; i < 3; i++ {
		order := cleanOrder(fmt.Sprintf("ORD-%d", i), "BEN-001", now.AddDate(0, 0, -i*7))
		order.Items[0].Name = fmt.Sprintf("Rice lot %d", i)
		if err := repo.SaveOrder(ctx, order); err != nil {
			t.Fatalf("SaveOrder: %v", err)
		}
	}

	// One order by an unregistered card
	ghost := cleanOrder("ORD-GHOST", "BEN-GHOST", now.Add(-time.Hour))
	if err := repo.SaveOrder(ctx, ghost); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	auditor := NewAuditor(repo, nil, nil, nil, nil)

	report, err := auditor.RunAutomatedAudit(ctx, "STORE-001")
	if err != nil {
		t.Fatalf("RunAutomatedAudit: %v", err)
	}

	if report.OrderCount != 4 {
		t.Errorf("order count = %d, want 4", report.OrderCount)
	}

	ghostIssues := report.IssuesOfKind(domain.KindEligibility)
	if len(ghostIssues) != 1 || ghostIssues[0].BeneficiaryID != "BEN-GHOST" {
		t.Errorf("expected one critical issue for the unregistered beneficiary, got %+v", ghostIssues)
	}

	t.Run("report lands in history", func(t *testing.T) {
		latest, err := auditor.LatestReport(ctx, "STORE-001")
		if err != nil {
			t.Fatalf("LatestReport: %v", err)
		}
		if latest.ID != report.ID {
			t.Errorf("latest report = %s, want %s", latest.ID, report.ID)
		}
	})
}
