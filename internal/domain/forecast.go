package domain

import "time"

// HistoricalDemandPoint is one month of observed demand for a
// (store, commodity) pair. Read-only input to forecasting.
type HistoricalDemandPoint struct {
	// Period is a month label, e.g. "2026-07".
	Period string `json:"period"`

	// Demand is the actual consumed quantity.
	Demand float64 `json:"demand"`

	// Factors tags external influences on that month's demand
	// (festival, flood relief, school holidays, ...).
	Factors []string `json:"factors,omitempty"`
}

// PredictionBasis names the estimator that dominated a forecast.
type PredictionBasis string

const (
	BasisHistorical      PredictionBasis = "historical"
	BasisSeasonal        PredictionBasis = "seasonal"
	BasisTrend           PredictionBasis = "trend"
	BasisExternalFactors PredictionBasis = "external_factors"
)

// StockRisk classifies current stock against forecast demand.
type StockRisk string

const (
	StockUnderstock StockRisk = "understock"
	StockOptimal    StockRisk = "optimal"
	StockOverstock  StockRisk = "overstock"
)

// DemandForecast is the ensemble forecast for one (store, commodity) pair.
type DemandForecast struct {
	StoreID string    `json:"storeId"`
	Item    Commodity `json:"item"`

	ForecastedDemand float64         `json:"forecastedDemand"`
	ConfidenceLevel  float64         `json:"confidenceLevel"` // percent, 0-100
	PredictionBasis  PredictionBasis `json:"predictionBasis"`
	ForecastPeriod   string          `json:"forecastPeriod"`

	// History holds the last 6 months of observed demand.
	History []HistoricalDemandPoint `json:"history,omitempty"`

	RecommendedStock float64   `json:"recommendedStock"`
	RiskAssessment   StockRisk `json:"riskAssessment"`
}

// StoreInfo describes a ration store, owned by the external registry.
type StoreInfo struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	District  string  `json:"district"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DemandRecommendations groups actionable output of a store demand report.
type DemandRecommendations struct {
	ImmediateActions []string `json:"immediateActions"`
	ProcurementPlan  []string `json:"procurementPlan"`
	RiskMitigations  []string `json:"riskMitigations"`
}

// DemandSummary is the narrative roll-up of a store demand report.
type DemandSummary struct {
	OverallRisk     RiskLevel `json:"overallRisk"`
	ConfidenceScore float64   `json:"confidenceScore"` // percent, 0-100
	KeyInsights     []string  `json:"keyInsights"`
}

// StoreDemandReport is the composite forecast across all tracked
// commodities for one store. Not mutated after creation.
type StoreDemandReport struct {
	ID             string    `json:"id"`
	StoreID        string    `json:"storeId"`
	StoreName      string    `json:"storeName"`
	Location       string    `json:"location"`
	GeneratedAt    time.Time `json:"generatedAt"`
	ForecastPeriod string    `json:"forecastPeriod"`

	TotalMonthlyDemand map[Commodity]float64 `json:"totalMonthlyDemand"`
	Forecasts          []DemandForecast      `json:"forecasts"`

	Recommendations DemandRecommendations `json:"recommendations"`
	Summary         DemandSummary         `json:"summary"`
}
