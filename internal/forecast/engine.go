package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/repository"
)

// historyMonths is how much demand history feeds the estimators.
const historyMonths = 12

// reportHistoryMonths is how much history is echoed back on a forecast.
const reportHistoryMonths = 6

// Engine produces ensemble demand forecasts for store/commodity pairs.
type Engine struct {
	repo   domain.Repository
	policy *domain.Policy

	now func() time.Time
}

// NewEngine creates a forecast engine over the repository.
func NewEngine(repo domain.Repository, policy *domain.Policy) *Engine {
	if policy == nil {
		policy = domain.DefaultPolicy()
	}
	return &Engine{
		repo:   repo,
		policy: policy,
		now:    time.Now,
	}
}

// SetPolicy swaps the active policy table.
func (e *Engine) SetPolicy(p *domain.Policy) {
	if p != nil {
		e.policy = p
	}
}

// WithClock overrides the time source, for deterministic periods.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Forecast predicts demand for one store/commodity pair over the given
// horizon in months (default 3 when zero). Repository failures on the
// demand-history read abort the forecast; a missing stock level only
// suppresses the stock risk assessment.
func (e *Engine) Forecast(ctx context.Context, storeID string, item domain.Commodity, horizonMonths int) (*domain.DemandForecast, error) {
	if storeID == "" || item == "" {
		return nil, fmt.Errorf("storeID and item are required")
	}
	if horizonMonths <= 0 {
		horizonMonths = 3
	}

	points, err := e.repo.FetchDemandHistory(ctx, storeID, item, historyMonths)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch demand history: %w", err)
	}

	forecast := e.forecastFromHistory(storeID, item, points, horizonMonths)

	stock, err := e.repo.FetchCurrentStock(ctx, storeID, item)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		forecast.RiskAssessment = domain.StockOptimal
	case err != nil:
		return nil, fmt.Errorf("failed to fetch stock level: %w", err)
	default:
		forecast.RiskAssessment = e.assessStock(stock, forecast.ForecastedDemand)
	}

	return forecast, nil
}

// forecastFromHistory runs the ensemble over an in-memory series.
func (e *Engine) forecastFromHistory(storeID string, item domain.Commodity, points []domain.HistoricalDemandPoint, horizonMonths int) *domain.DemandForecast {
	forecast := &domain.DemandForecast{
		StoreID:        storeID,
		Item:           item,
		ForecastPeriod: e.periodLabel(horizonMonths),
	}

	if len(points) > reportHistoryMonths {
		forecast.History = points[len(points)-reportHistoryMonths:]
	} else {
		forecast.History = points
	}

	if len(points) == 0 {
		forecast.PredictionBasis = domain.BasisHistorical
		forecast.RiskAssessment = domain.StockOptimal
		return forecast
	}

	estimates := [4]estimate{
		movingAverage(points),
		exponentialSmoothing(points, e.policy.SmoothingFactor),
		linearRegression(points),
		seasonal(points),
	}

	weights := e.policy.EnsembleWeights

	var prediction, confidence float64
	for i, est := range estimates {
		prediction += est.prediction * weights[i]
		confidence += est.confidence * weights[i]
	}

	// The dominant basis is only reported when one estimator clearly
	// earns it; a mixed ensemble reads as plain history.
	basis := domain.BasisHistorical
	best := estimates[0]
	for _, est := range estimates[1:] {
		if est.confidence > best.confidence {
			best = est
		}
	}
	if best.confidence > e.policy.BasisConfidenceMin {
		basis = best.basis
	}

	forecast.ForecastedDemand = round2(prediction)
	forecast.ConfidenceLevel = round2(domain.ClampScore(confidence * 100))
	forecast.PredictionBasis = basis
	forecast.RecommendedStock = math.Ceil(prediction * e.policy.SafetyBuffer)

	return forecast
}

// assessStock classifies current stock against forecast demand.
func (e *Engine) assessStock(stock, forecast float64) domain.StockRisk {
	switch {
	case stock < forecast*e.policy.UnderstockRatio:
		return domain.StockUnderstock
	case stock > forecast*e.policy.OverstockRatio:
		return domain.StockOverstock
	default:
		return domain.StockOptimal
	}
}

// periodLabel names the month the horizon lands on, e.g. "2026-09".
func (e *Engine) periodLabel(horizonMonths int) string {
	return e.now().UTC().AddDate(0, horizonMonths, 0).Format("2006-01")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
