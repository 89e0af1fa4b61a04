package forecast

import (
	"math"
	"testing"

	"github.com/opensource-pds/granary/internal/domain"
)

func series(demands ...float64) []domain.HistoricalDemandPoint {
	points := make([]domain.HistoricalDemandPoint, len(demands))
	for i, d := range demands {
		points[i] = domain.HistoricalDemandPoint{Period: "2025-01", Demand: d}
	}
	return points
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestMovingAverage(t *testing.T) {
	t.Run("FlatSeries", func(t *testing.T) {
		est := movingAverage(series(100, 100, 100, 100, 100, 100))
		if !almostEqual(est.prediction, 100) {
			t.Errorf("prediction = %v, want 100", est.prediction)
		}
		if !almostEqual(est.confidence, 1.0) {
			t.Errorf("confidence = %v, want 1.0", est.confidence)
		}
		if est.basis != domain.BasisHistorical {
			t.Errorf("basis = %v, want historical", est.basis)
		}
	})

	t.Run("UsesLastThree", func(t *testing.T) {
		est := movingAverage(series(1000, 1000, 10, 20, 30))
		if !almostEqual(est.prediction, 20) {
			t.Errorf("prediction = %v, want 20", est.prediction)
		}
	})

	t.Run("VolatileSeriesLowersConfidence", func(t *testing.T) {
		flat := movingAverage(series(100, 100, 100))
		noisy := movingAverage(series(20, 180, 100))
		if noisy.confidence >= flat.confidence {
			t.Errorf("noisy confidence %v should be below flat %v", noisy.confidence, flat.confidence)
		}
	})

	t.Run("ShortSeries", func(t *testing.T) {
		est := movingAverage(series(40))
		if !almostEqual(est.prediction, 40) {
			t.Errorf("prediction = %v, want 40", est.prediction)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		est := movingAverage(nil)
		if est.prediction != 0 || est.confidence != 0 {
			t.Errorf("empty series should yield zero estimate, got %+v", est)
		}
	})
}

func TestExponentialSmoothing(t *testing.T) {
	t.Run("FlatSeries", func(t *testing.T) {
		est := exponentialSmoothing(series(100, 100, 100, 100), 0.3)
		if !almostEqual(est.prediction, 100) {
			t.Errorf("prediction = %v, want 100", est.prediction)
		}
		if !almostEqual(est.confidence, 1.0) {
			t.Errorf("confidence = %v, want 1.0", est.confidence)
		}
		if est.basis != domain.BasisExternalFactors {
			t.Errorf("basis = %v, want external_factors", est.basis)
		}
	})

	t.Run("WeightsRecentObservations", func(t *testing.T) {
		est := exponentialSmoothing(series(10, 10, 10, 100), 0.3)
		// 0.3*100 + 0.7*10 = 37
		if !almostEqual(est.prediction, 37) {
			t.Errorf("prediction = %v, want 37", est.prediction)
		}
	})

	t.Run("InvalidAlphaFallsBack", func(t *testing.T) {
		want := exponentialSmoothing(series(10, 10, 10, 100), 0.3)
		got := exponentialSmoothing(series(10, 10, 10, 100), 0)
		if !almostEqual(got.prediction, want.prediction) {
			t.Errorf("prediction = %v, want %v", got.prediction, want.prediction)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		est := exponentialSmoothing(nil, 0.3)
		if est.prediction != 0 {
			t.Errorf("prediction = %v, want 0", est.prediction)
		}
	})
}

func TestLinearRegression(t *testing.T) {
	t.Run("PerfectTrend", func(t *testing.T) {
		est := linearRegression(series(10, 20, 30, 40))
		if !almostEqual(est.prediction, 50) {
			t.Errorf("prediction = %v, want 50", est.prediction)
		}
		if !almostEqual(est.confidence, 1.0) {
			t.Errorf("confidence = %v, want 1.0", est.confidence)
		}
		if est.basis != domain.BasisTrend {
			t.Errorf("basis = %v, want trend", est.basis)
		}
	})

	t.Run("FlatSeriesHasNoTrendSignal", func(t *testing.T) {
		est := linearRegression(series(100, 100, 100, 100))
		if !almostEqual(est.prediction, 100) {
			t.Errorf("prediction = %v, want 100", est.prediction)
		}
		if !almostEqual(est.confidence, 0.5) {
			t.Errorf("confidence = %v, want 0.5", est.confidence)
		}
	})

	t.Run("DecliningTrendClampsAtZero", func(t *testing.T) {
		est := linearRegression(series(30, 20, 10, 0))
		if est.prediction != 0 {
			t.Errorf("prediction = %v, want 0", est.prediction)
		}
	})

	t.Run("SinglePoint", func(t *testing.T) {
		est := linearRegression(series(75))
		if !almostEqual(est.prediction, 75) || !almostEqual(est.confidence, 0.5) {
			t.Errorf("got %+v, want prediction 75 confidence 0.5", est)
		}
	})
}

func TestSeasonal(t *testing.T) {
	t.Run("DetectsSixMonthCycle", func(t *testing.T) {
		cycle := []float64{10, 20, 80, 20, 10, 5}
		var demands []float64
		for i := 0; i < 3; i++ {
			demands = append(demands, cycle...)
		}

		est := seasonal(series(demands...))
		if est.basis != domain.BasisSeasonal {
			t.Errorf("basis = %v, want seasonal", est.basis)
		}
		// One cycle back from the end of an 18-point series.
		if !almostEqual(est.prediction, 10) {
			t.Errorf("prediction = %v, want 10", est.prediction)
		}
		if est.confidence <= 0.5 {
			t.Errorf("confidence = %v, want > 0.5", est.confidence)
		}
	})

	t.Run("NoCycleFallsBackToMean", func(t *testing.T) {
		est := seasonal(series(10, 90, 30, 70, 50, 20, 80, 40, 60, 10, 90, 30))
		if !almostEqual(est.confidence, 0.3) {
			t.Errorf("confidence = %v, want 0.3", est.confidence)
		}
	})

	t.Run("ShortSeriesFallsBackToMean", func(t *testing.T) {
		est := seasonal(series(10, 20, 30))
		if !almostEqual(est.prediction, 20) {
			t.Errorf("prediction = %v, want 20", est.prediction)
		}
		if !almostEqual(est.confidence, 0.3) {
			t.Errorf("confidence = %v, want 0.3", est.confidence)
		}
	})
}
