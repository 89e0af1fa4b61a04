// Package domain defines the core interfaces and types for Granary.
package domain

import "time"

// CardTier is the ration-card eligibility category of a beneficiary.
type CardTier string

const (
	// TierYellow is the highest-priority tier (free entitlement).
	TierYellow CardTier = "yellow"

	// TierPink is the priority-household tier.
	TierPink CardTier = "pink"

	// TierBlue is the non-priority subsidized tier.
	TierBlue CardTier = "blue"

	// TierWhite is the non-priority non-subsidized tier.
	// White-card holders are not eligible for subsidized purchases.
	TierWhite CardTier = "white"
)

// ValidTier reports whether t is one of the four known card tiers.
func ValidTier(t CardTier) bool {
	switch t {
	case TierYellow, TierPink, TierBlue, TierWhite:
		return true
	}
	return false
}

// Commodity identifies a distributed commodity.
// Classification happens once at ingestion; everything downstream
// operates on these codes, never on display-name substrings.
type Commodity string

const (
	CommodityRice  Commodity = "rice"
	CommodityWheat Commodity = "wheat"
	CommoditySugar Commodity = "sugar"
	CommodityDal   Commodity = "dal"
	CommodityOil   Commodity = "oil"
	CommoditySalt  Commodity = "salt"
	CommodityTea   Commodity = "tea"
	CommodityOther Commodity = "other"
)

// TrackedCommodities returns the commodity set covered by demand forecasting.
func TrackedCommodities() []Commodity {
	return []Commodity{
		CommodityRice,
		CommodityWheat,
		CommoditySugar,
		CommodityDal,
		CommodityOil,
		CommoditySalt,
		CommodityTea,
	}
}

// BeneficiaryProfile is a registered beneficiary.
// Mutated by the external verification workflow; read-only to this engine.
type BeneficiaryProfile struct {
	ID            string   `json:"id"`
	HomeStoreID   string   `json:"homeStoreId"`
	CardTier      CardTier `json:"cardTier"`
	HouseholdSize int      `json:"householdSize"`
	Verified      bool     `json:"verified"`

	// MonthlyConsumption is the running consumed quantity per commodity
	// for the current month, maintained by the order pipeline.
	MonthlyConsumption map[Commodity]float64 `json:"monthlyConsumption,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Consumed returns the quantity of c already consumed this month.
func (b *BeneficiaryProfile) Consumed(c Commodity) float64 {
	if b.MonthlyConsumption == nil {
		return 0
	}
	return b.MonthlyConsumption[c]
}
