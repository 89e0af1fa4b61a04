// Package forecast implements the ensemble demand forecasting engine.
// Four estimators produce independent predictions over the monthly
// demand series; the engine blends them with fixed weights and reports
// the dominant basis when a single estimator is confident enough.
package forecast

import (
	"math"

	"github.com/opensource-pds/granary/internal/domain"
)

// estimate is one estimator's output: a demand prediction, a
// confidence in [0,1], and the basis label it argues for.
type estimate struct {
	prediction float64
	confidence float64
	basis      domain.PredictionBasis
}

// movingAverage predicts the mean of the last three observations.
// Confidence degrades with the coefficient of variation of the window.
func movingAverage(points []domain.HistoricalDemandPoint) estimate {
	window := 3
	if len(points) < window {
		window = len(points)
	}
	if window == 0 {
		return estimate{basis: domain.BasisHistorical}
	}

	recent := points[len(points)-window:]

	sum := 0.0
	for _, p := range recent {
		sum += p.Demand
	}
	mean := sum / float64(window)

	if mean == 0 {
		return estimate{basis: domain.BasisHistorical}
	}

	variance := 0.0
	for _, p := range recent {
		d := p.Demand - mean
		variance += d * d
	}
	variance /= float64(window)

	cv := math.Sqrt(variance) / mean
	confidence := 1 - cv
	if confidence < 0 {
		confidence = 0
	}

	return estimate{prediction: mean, confidence: confidence, basis: domain.BasisHistorical}
}

// exponentialSmoothing runs single exponential smoothing over the whole
// series. Confidence comes from the relative one-step-ahead error.
func exponentialSmoothing(points []domain.HistoricalDemandPoint, alpha float64) estimate {
	if len(points) == 0 {
		return estimate{basis: domain.BasisExternalFactors}
	}
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.3
	}

	smoothed := points[0].Demand
	absErr := 0.0
	for i := 1; i < len(points); i++ {
		absErr += math.Abs(points[i].Demand - smoothed)
		smoothed = alpha*points[i].Demand + (1-alpha)*smoothed
	}

	confidence := 0.5
	if len(points) > 1 && smoothed > 0 {
		mae := absErr / float64(len(points)-1)
		confidence = 1 - mae/smoothed
		if confidence < 0 {
			confidence = 0
		}
	}

	return estimate{prediction: smoothed, confidence: confidence, basis: domain.BasisExternalFactors}
}

// linearRegression fits demand against time index and extrapolates one
// step. Confidence is the coefficient of determination; a flat series
// has no trend signal, so confidence falls back to 0.5.
func linearRegression(points []domain.HistoricalDemandPoint) estimate {
	n := float64(len(points))
	if n == 0 {
		return estimate{basis: domain.BasisTrend}
	}
	if n == 1 {
		return estimate{prediction: points[0].Demand, confidence: 0.5, basis: domain.BasisTrend}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.Demand
		sumXY += x * p.Demand
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return estimate{prediction: sumY / n, confidence: 0.5, basis: domain.BasisTrend}
	}

	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	prediction := intercept + slope*n
	if prediction < 0 {
		prediction = 0
	}

	meanY := sumY / n
	var ssTot, ssRes float64
	for i, p := range points {
		fit := intercept + slope*float64(i)
		ssRes += (p.Demand - fit) * (p.Demand - fit)
		ssTot += (p.Demand - meanY) * (p.Demand - meanY)
	}

	confidence := 0.5
	if ssTot > 0 {
		confidence = 1 - ssRes/ssTot
		if confidence < 0 {
			confidence = 0
		}
	}

	return estimate{prediction: prediction, confidence: confidence, basis: domain.BasisTrend}
}

// seasonal looks for a repeating cycle via autocorrelation at common
// monthly lags. A strong correlation predicts the value one cycle back;
// otherwise it degrades to the series mean with low confidence.
func seasonal(points []domain.HistoricalDemandPoint) estimate {
	n := len(points)
	if n == 0 {
		return estimate{basis: domain.BasisSeasonal}
	}

	mean := 0.0
	for _, p := range points {
		mean += p.Demand
	}
	mean /= float64(n)

	for _, lag := range []int{12, 6, 4, 3} {
		if n < 2*lag {
			continue
		}

		corr := autocorrelation(points, lag, mean)
		if corr > 0.5 {
			return estimate{
				prediction: points[n-lag].Demand,
				confidence: corr,
				basis:      domain.BasisSeasonal,
			}
		}
	}

	return estimate{prediction: mean, confidence: 0.3, basis: domain.BasisSeasonal}
}

func autocorrelation(points []domain.HistoricalDemandPoint, lag int, mean float64) float64 {
	var num, den float64
	for i := 0; i < len(points); i++ {
		d := points[i].Demand - mean
		den += d * d
		if i+lag < len(points) {
			num += d * (points[i+lag].Demand - mean)
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}
