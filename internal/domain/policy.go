package domain

import "time"

// Policy is the versioned table of audit and forecasting constants.
// Reports record the policy version they were produced under, so a
// historical report can always be replayed against the exact ceilings
// and thresholds that were in force at the time.
type Policy struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt,omitempty"`

	// MonthlyQuota holds flat per-commodity monthly ceilings by tier.
	MonthlyQuota map[CardTier]map[Commodity]float64 `json:"monthlyQuota"`

	// PerMemberQuota holds per-household-member ceilings by tier.
	// When set for a (tier, commodity) pair it overrides the flat quota:
	// ceiling = value x household size.
	PerMemberQuota map[CardTier]map[Commodity]float64 `json:"perMemberQuota"`

	// RiceEntitlementYellow is the flat per-order rice entitlement
	// checked by the eligibility rule for the highest-priority tier.
	RiceEntitlementYellow float64 `json:"riceEntitlementYellow"`

	// RicePerMemberPink is the per-member rice entitlement for the
	// priority-household tier (ceiling = value x household size).
	RicePerMemberPink float64 `json:"ricePerMemberPink"`

	// Pattern thresholds over the trailing 30-day window.
	MaxOrdersPer30Days    int     `json:"maxOrdersPer30Days"`
	MaxHighValuePer30Days int     `json:"maxHighValuePer30Days"`
	HighValueAmount       float64 `json:"highValueAmount"`

	// Suspicious-amount thresholds.
	RoundAmountFloor    float64 `json:"roundAmountFloor"`
	PerHeadSpendCeiling float64 `json:"perHeadSpendCeiling"`

	// Duplicate detection.
	DuplicateWindow  time.Duration `json:"duplicateWindow"`
	DuplicateOverlap float64       `json:"duplicateOverlap"` // fraction of smaller order

	// Forecasting: ensemble weights for the four estimators in order
	// (moving average, exponential smoothing, regression, seasonal).
	EnsembleWeights [4]float64 `json:"ensembleWeights"`
	SmoothingFactor float64    `json:"smoothingFactor"`

	// BasisConfidenceMin is the individual-estimator confidence a
	// non-historical basis must exceed to be reported.
	BasisConfidenceMin float64 `json:"basisConfidenceMin"`

	// SafetyBuffer multiplies forecast demand into recommended stock.
	SafetyBuffer float64 `json:"safetyBuffer"`

	// Stock risk bounds relative to forecast demand.
	UnderstockRatio float64 `json:"understockRatio"`
	OverstockRatio  float64 `json:"overstockRatio"`

	// ComplianceAlertBelow triggers the low-compliance recommendation.
	ComplianceAlertBelow float64 `json:"complianceAlertBelow"`
}

// QuotaCeiling resolves the monthly ceiling for a tier/commodity pair.
// Per-member quotas take precedence over flat quotas.
func (p *Policy) QuotaCeiling(tier CardTier, c Commodity, householdSize int) float64 {
	if perTier, ok := p.PerMemberQuota[tier]; ok {
		if perMember, ok := perTier[c]; ok && perMember > 0 {
			return perMember * float64(householdSize)
		}
	}
	if flat, ok := p.MonthlyQuota[tier]; ok {
		return flat[c]
	}
	return 0
}

// DefaultPolicy returns policy v1 with the standard ceilings and
// thresholds. Yellow and pink carry flat rice ceilings, blue is scaled
// by household size, white has no subsidized entitlement at all.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: "2025.1",
		MonthlyQuota: map[CardTier]map[Commodity]float64{
			TierYellow: {
				CommodityRice:  35,
				CommodityWheat: 10,
				CommoditySugar: 2,
				CommodityDal:   3,
				CommodityOil:   2,
				CommoditySalt:  1,
				CommodityTea:   0.5,
			},
			TierPink: {
				CommodityRice:  35,
				CommodityWheat: 8,
				CommoditySugar: 1.5,
				CommodityDal:   2,
				CommodityOil:   1.5,
				CommoditySalt:  1,
				CommodityTea:   0.5,
			},
			TierBlue: {
				CommodityWheat: 4,
				CommoditySugar: 1,
				CommodityDal:   1,
				CommodityOil:   1,
				CommoditySalt:  0.5,
				CommodityTea:   0.25,
			},
			TierWhite: {},
		},
		PerMemberQuota: map[CardTier]map[Commodity]float64{
			TierBlue: {
				CommodityRice: 5,
			},
		},
		RiceEntitlementYellow: 35,
		RicePerMemberPink:     5,

		MaxOrdersPer30Days:    10,
		MaxHighValuePer30Days: 2,
		HighValueAmount:       5000,

		RoundAmountFloor:    1000,
		PerHeadSpendCeiling: 500,

		DuplicateWindow:  24 * time.Hour,
		DuplicateOverlap: 0.8,

		EnsembleWeights:    [4]float64{0.3, 0.3, 0.2, 0.2},
		SmoothingFactor:    0.3,
		BasisConfidenceMin: 0.8,
		SafetyBuffer:       1.2,
		UnderstockRatio:    0.8,
		OverstockRatio:     1.5,

		ComplianceAlertBelow: 80,
	}
}
