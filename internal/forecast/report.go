package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/opensource-pds/granary/internal/domain"
	"github.com/opensource-pds/granary/internal/repository"
)

// Reporter composes per-commodity forecasts into a store demand report.
type Reporter struct {
	engine *Engine
	repo   domain.Repository
	bus    domain.EventBus

	maxWorkers int
}

// NewReporter creates a store-level demand reporter. The bus is
// optional.
func NewReporter(engine *Engine, repo domain.Repository, eventBus domain.EventBus) *Reporter {
	return &Reporter{
		engine:     engine,
		repo:       repo,
		bus:        eventBus,
		maxWorkers: len(domain.TrackedCommodities()),
	}
}

// GenerateStoreReport forecasts every tracked commodity for a store and
// rolls the results into one report. Forecasts run in parallel but the
// report lists commodities in their canonical order, so repeated runs
// over the same data produce identical reports. The append and publish
// are best-effort.
func (r *Reporter) GenerateStoreReport(ctx context.Context, storeID string) (*domain.StoreDemandReport, error) {
	if storeID == "" {
		return nil, fmt.Errorf("storeID is required")
	}

	info, err := r.repo.FetchStoreInfo(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("unknown store %s: %w", storeID, err)
		}
		return nil, fmt.Errorf("failed to fetch store info: %w", err)
	}

	commodities := domain.TrackedCommodities()

	forecasts := make([]*domain.DemandForecast, len(commodities))
	errs := make([]error, len(commodities))

	var wg sync.WaitGroup
	sem := make(chan struct{}, r.maxWorkers)

	for i, item := range commodities {
		wg.Add(1)
		go func(idx int, c domain.Commodity) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			forecasts[idx], errs[idx] = r.engine.Forecast(ctx, storeID, c, 0)
		}(i, item)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("forecast for %s failed: %w", commodities[i], err)
		}
	}

	report := &domain.StoreDemandReport{
		ID:                 uuid.New().String(),
		StoreID:            storeID,
		StoreName:          info.Name,
		Location:           info.District,
		GeneratedAt:        r.engine.now().UTC(),
		ForecastPeriod:     forecasts[0].ForecastPeriod,
		TotalMonthlyDemand: make(map[domain.Commodity]float64, len(forecasts)),
	}

	for _, f := range forecasts {
		report.Forecasts = append(report.Forecasts, *f)
		report.TotalMonthlyDemand[f.Item] = f.ForecastedDemand
	}

	report.Summary = r.summarize(forecasts)
	report.Recommendations = r.recommend(forecasts)

	r.persistAndPublish(ctx, report)

	return report, nil
}

// summarize rolls forecast stock risks into an overall risk level:
// a stock imbalance (understock or overstock) on more than half the
// commodities is high, any imbalance is medium, otherwise low.
// Confidence is the plain mean.
func (r *Reporter) summarize(forecasts []*domain.DemandForecast) domain.DemandSummary {
	imbalanced := 0
	confidence := 0.0
	var insights []string

	for _, f := range forecasts {
		confidence += f.ConfidenceLevel

		switch f.RiskAssessment {
		case domain.StockUnderstock:
			imbalanced++
			insights = append(insights, fmt.Sprintf("%s stock is below forecast demand of %.1f", f.Item, f.ForecastedDemand))
		case domain.StockOverstock:
			imbalanced++
			insights = append(insights, fmt.Sprintf("%s stock exceeds forecast demand of %.1f", f.Item, f.ForecastedDemand))
		}

		if f.PredictionBasis == domain.BasisSeasonal {
			insights = append(insights, fmt.Sprintf("%s demand follows a seasonal cycle", f.Item))
		}
	}

	risk := domain.RiskLow
	switch {
	case imbalanced > len(forecasts)/2:
		risk = domain.RiskHigh
	case imbalanced > 0:
		risk = domain.RiskMedium
	}

	if len(insights) == 0 {
		insights = append(insights, "Stock levels are aligned with forecast demand across tracked commodities")
	}

	return domain.DemandSummary{
		OverallRisk:     risk,
		ConfidenceScore: round2(confidence / float64(len(forecasts))),
		KeyInsights:     insights,
	}
}

// recommend builds the action lists from the per-commodity stock risks.
func (r *Reporter) recommend(forecasts []*domain.DemandForecast) domain.DemandRecommendations {
	var recs domain.DemandRecommendations

	for _, f := range forecasts {
		switch f.RiskAssessment {
		case domain.StockUnderstock:
			recs.ImmediateActions = append(recs.ImmediateActions,
				fmt.Sprintf("Restock %s to at least %.0f units before %s", f.Item, f.RecommendedStock, f.ForecastPeriod))
			recs.RiskMitigations = append(recs.RiskMitigations,
				fmt.Sprintf("Arrange emergency allotment for %s if the shipment slips", f.Item))
		case domain.StockOverstock:
			recs.ProcurementPlan = append(recs.ProcurementPlan,
				fmt.Sprintf("Pause %s procurement until stock drains toward %.0f units", f.Item, f.RecommendedStock))
		default:
			recs.ProcurementPlan = append(recs.ProcurementPlan,
				fmt.Sprintf("Maintain %s procurement at %.0f units for %s", f.Item, f.RecommendedStock, f.ForecastPeriod))
		}
	}

	if len(recs.ImmediateActions) == 0 {
		recs.ImmediateActions = append(recs.ImmediateActions, "No urgent restocking required")
	}
	if len(recs.RiskMitigations) == 0 {
		recs.RiskMitigations = append(recs.RiskMitigations, "No supply risks identified for the forecast period")
	}

	return recs
}

func (r *Reporter) persistAndPublish(ctx context.Context, report *domain.StoreDemandReport) {
	if err := r.repo.AppendDemandReport(ctx, report); err != nil {
		slog.Error("demand report append failed",
			"store_id", report.StoreID,
			"report_id", report.ID,
			"error", err,
		)
	}

	if r.bus == nil {
		return
	}

	payload := []byte(fmt.Sprintf(`{"reportId":%q,"overallRisk":%q,"forecastPeriod":%q}`,
		report.ID, report.Summary.OverallRisk, report.ForecastPeriod))

	if err := r.bus.Publish(ctx, report.StoreID, domain.TopicForecastCompleted, payload); err != nil {
		slog.Warn("forecast completed publish failed",
			"store_id", report.StoreID,
			"error", err,
		)
	}
}
