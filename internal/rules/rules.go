// Package rules implements the fraud and eligibility heuristics applied
// to each order/beneficiary pair. Every check is a pure function over
// read-only inputs and the active policy table: no I/O, no state, at
// most one issue per call. Severities and risk scores are fixed policy
// constants, not learned weights, so every flag is auditable against
// the policy version recorded on the report.
package rules

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-pds/granary/internal/domain"
)

// CheckEligibility flags beneficiaries purchasing outside their card
// tier's entitlement. A white card attempting any subsidized purchase is
// a hard violation; otherwise soft issues (unverified status, rice over
// the tier entitlement) accumulate into a single combined finding.
func CheckEligibility(order *domain.Order, b *domain.BeneficiaryProfile, p *domain.Policy) *domain.AuditIssue {
	if b.CardTier == domain.TierWhite {
		return &domain.AuditIssue{
			OrderID:       order.ID,
			BeneficiaryID: b.ID,
			Kind:          domain.KindEligibility,
			Severity:      domain.SeverityHigh,
			Description:   "white-card beneficiary attempted a subsidized purchase",
			Evidence:      fmt.Sprintf("card tier %s carries no subsidy entitlement", b.CardTier),
			RiskScore:     85,
		}
	}

	var problems []string

	if !b.Verified {
		problems = append(problems, "beneficiary is not verified")
	}

	riceQty := order.Quantity(domain.CommodityRice)
	switch b.CardTier {
	case domain.TierYellow:
		if riceQty > p.RiceEntitlementYellow {
			problems = append(problems, fmt.Sprintf(
				"rice quantity %.1fkg exceeds entitlement %.1fkg", riceQty, p.RiceEntitlementYellow))
		}
	case domain.TierPink:
		ceiling := p.RicePerMemberPink * float64(b.HouseholdSize)
		if riceQty > ceiling {
			problems = append(problems, fmt.Sprintf(
				"rice quantity %.1fkg exceeds entitlement %.1fkg for household of %d",
				riceQty, ceiling, b.HouseholdSize))
		}
	}

	if len(problems) == 0 {
		return nil
	}

	severity := domain.SeverityMedium
	if len(problems) > 1 {
		severity = domain.SeverityHigh
	}

	return &domain.AuditIssue{
		OrderID:       order.ID,
		BeneficiaryID: b.ID,
		Kind:          domain.KindEligibility,
		Severity:      severity,
		Description:   "eligibility concerns: " + strings.Join(problems, "; "),
		Evidence:      fmt.Sprintf("%d eligibility issue(s) on card tier %s", len(problems), b.CardTier),
		RiskScore:     math.Min(float64(len(problems))*25, 90),
	}
}

// CheckQuota flags orders whose requested quantity exceeds the
// beneficiary's remaining monthly allowance for a commodity.
func CheckQuota(order *domain.Order, b *domain.BeneficiaryProfile, p *domain.Policy) *domain.AuditIssue {
	for _, item := range order.Items {
		if item.Commodity == domain.CommodityOther {
			continue
		}

		ceiling := p.QuotaCeiling(b.CardTier, item.Commodity, b.HouseholdSize)
		if ceiling <= 0 {
			continue
		}

		consumed := b.Consumed(item.Commodity)
		remaining := ceiling - consumed
		if item.Quantity > remaining {
			return &domain.AuditIssue{
				OrderID:       order.ID,
				BeneficiaryID: b.ID,
				Kind:          domain.KindQuotaExcess,
				Severity:      domain.SeverityHigh,
				Description: fmt.Sprintf("%s order of %.1f%s exceeds remaining monthly quota",
					item.Commodity, item.Quantity, item.Unit),
				Evidence: fmt.Sprintf("monthly ceiling %.1f, already consumed %.1f, remaining %.1f",
					ceiling, consumed, remaining),
				RiskScore: 75,
			}
		}
	}
	return nil
}

// CheckOrderPattern flags beneficiaries with unusual ordering behavior
// in the trailing 30 days from now: too many orders, or repeat
// high-value orders. The checks are independent; the first that fires
// is returned.
func CheckOrderPattern(b *domain.BeneficiaryProfile, history []*domain.Order, now time.Time, p *domain.Policy) *domain.AuditIssue {
	cutoff := now.AddDate(0, 0, -30)

	recent := 0
	highValue := 0
	for _, o := range history {
		if o.CreatedAt.Before(cutoff) {
			continue
		}
		recent++
		if o.TotalAmount > p.HighValueAmount {
			highValue++
		}
	}

	if recent > p.MaxOrdersPer30Days {
		return &domain.AuditIssue{
			OrderID:       domain.NoOrderID,
			BeneficiaryID: b.ID,
			Kind:          domain.KindUnusualPattern,
			Severity:      domain.SeverityMedium,
			Description:   "excessive order frequency",
			Evidence:      fmt.Sprintf("%d orders in the last 30 days (limit %d)", recent, p.MaxOrdersPer30Days),
			RiskScore:     60,
		}
	}

	if highValue > p.MaxHighValuePer30Days {
		return &domain.AuditIssue{
			OrderID:       domain.NoOrderID,
			BeneficiaryID: b.ID,
			Kind:          domain.KindUnusualPattern,
			Severity:      domain.SeverityMedium,
			Description:   "repeat high-value orders",
			Evidence: fmt.Sprintf("%d orders above %.0f in the last 30 days (limit %d)",
				highValue, p.HighValueAmount, p.MaxHighValuePer30Days),
			RiskScore: 55,
		}
	}

	return nil
}

// CheckSuspiciousAmount flags totals that look manipulated: exact
// round-hundred amounts above a floor, or totals out of proportion to
// the household size. Either condition can fire; round amounts are
// checked first.
func CheckSuspiciousAmount(order *domain.Order, b *domain.BeneficiaryProfile, p *domain.Policy) *domain.AuditIssue {
	total := order.TotalAmount

	if total >= p.RoundAmountFloor && math.Mod(total, 100) == 0 {
		return &domain.AuditIssue{
			OrderID:       order.ID,
			BeneficiaryID: b.ID,
			Kind:          domain.KindSuspiciousAmount,
			Severity:      domain.SeverityLow,
			Description:   "suspiciously round order total",
			Evidence:      fmt.Sprintf("total %.2f is an exact multiple of 100 above %.0f", total, p.RoundAmountFloor),
			RiskScore:     40,
		}
	}

	ceiling := float64(b.HouseholdSize) * p.PerHeadSpendCeiling
	if total > ceiling {
		return &domain.AuditIssue{
			OrderID:       order.ID,
			BeneficiaryID: b.ID,
			Kind:          domain.KindSuspiciousAmount,
			Severity:      domain.SeverityMedium,
			Description:   "order total out of proportion to household size",
			Evidence: fmt.Sprintf("total %.2f exceeds %.2f (%d members x %.0f per head)",
				total, ceiling, b.HouseholdSize, p.PerHeadSpendCeiling),
			RiskScore: 65,
		}
	}

	return nil
}

// CheckDuplicate compares an order against the beneficiary's other
// orders placed within the duplicate window. If the item overlap covers
// at least the configured fraction of the smaller order, the candidate
// is flagged as a likely duplicate.
func CheckDuplicate(order *domain.Order, history []*domain.Order, p *domain.Policy) *domain.AuditIssue {
	for _, other := range history {
		if other.ID == order.ID || other.BeneficiaryID != order.BeneficiaryID {
			continue
		}

		elapsed := order.CreatedAt.Sub(other.CreatedAt)
		if elapsed < 0 {
			elapsed = -elapsed
		}
		if elapsed > p.DuplicateWindow {
			continue
		}

		overlap := itemOverlap(order, other)
		smaller := len(order.Items)
		if len(other.Items) < smaller {
			smaller = len(other.Items)
		}
		if smaller == 0 {
			continue
		}

		if float64(overlap) >= p.DuplicateOverlap*float64(smaller) {
			return &domain.AuditIssue{
				OrderID:       order.ID,
				BeneficiaryID: order.BeneficiaryID,
				Kind:          domain.KindDuplicate,
				Severity:      domain.SeverityMedium,
				Description:   "possible duplicate order",
				Evidence: fmt.Sprintf("matches order %s placed %.0f minutes apart (%d/%d items overlap)",
					other.ID, elapsed.Minutes(), overlap, smaller),
				RiskScore: 50,
			}
		}
	}
	return nil
}

// itemOverlap counts items of a present in b, matched by normalized name.
func itemOverlap(a, b *domain.Order) int {
	names := make(map[string]bool, len(b.Items))
	for _, item := range b.Items {
		names[strings.ToLower(item.Name)] = true
	}

	n := 0
	for _, item := range a.Items {
		if names[strings.ToLower(item.Name)] {
			n++
		}
	}
	return n
}
