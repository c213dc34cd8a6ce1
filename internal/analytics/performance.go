package analytics

import (
	"math"
	"sort"
	"time"

	"coinrotator/internal/domain"
)

// RotationMetrics holds comprehensive performance metrics for a bot's
// rotation history, derived from its decision trail and settled trades.
type RotationMetrics struct {
	// Decision Metrics
	TotalEvaluations     int
	TriggeredEvaluations int
	SwapsPerformed       int
	BlockedByProtection  int
	TakeProfitOverrides  int
	SwapRate             float64 // swaps per triggered evaluation

	// Trade Metrics
	CompletedTrades  int
	FailedTrades     int
	TotalCommissions float64

	// Value Metrics, from the net-value trail of the decisions
	PeakValue       float64
	FinalValue      float64
	MaxDrawdown     float64 // deepest fraction below peak observed
	MonthlyValueEnd map[string]float64
	Drawdowns       []Drawdown
	EquityCurve     []EquityPoint
}

// Drawdown represents one continuous period below a value peak.
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	EndValue   float64
	Depth      float64
	Duration   time.Duration
}

// EquityPoint represents a point on the net-value curve.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzeRotation calculates performance metrics from a bot's decision and
// trade history. Decisions with a zero net value (ticks that aborted before
// valuation) are excluded from the value curve.
func AnalyzeRotation(decisions []*domain.BotSwapDecision, trades []*domain.Trade) *RotationMetrics {
	metrics := &RotationMetrics{
		MonthlyValueEnd: make(map[string]float64),
		Drawdowns:       make([]Drawdown, 0),
		EquityCurve:     make([]EquityPoint, 0),
	}

	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].CreatedAt.Before(decisions[j].CreatedAt)
	})

	var peak float64
	var currentDrawdown *Drawdown

	for _, d := range decisions {
		metrics.TotalEvaluations++
		if d.DeviationTriggered {
			metrics.TriggeredEvaluations++
		}
		if d.SwapPerformed {
			metrics.SwapsPerformed++
		}
		if d.GlobalProtectionTriggered && !d.SwapPerformed {
			metrics.BlockedByProtection++
		}
		if d.TakeProfitTriggered {
			metrics.TakeProfitOverrides++
		}

		if d.RefValue <= 0 {
			continue
		}
		value := d.RefValue
		metrics.FinalValue = value
		metrics.MonthlyValueEnd[d.CreatedAt.Format("2006-01")] = value

		if value > peak {
			peak = value
			if currentDrawdown != nil {
				currentDrawdown.EndTime = d.CreatedAt
				currentDrawdown.EndValue = value
				currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
				metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
				currentDrawdown = nil
			}
		} else if peak > 0 {
			drawdown := (peak - value) / peak
			if currentDrawdown == nil {
				currentDrawdown = &Drawdown{
					StartTime:  d.CreatedAt,
					StartValue: peak,
					Depth:      drawdown,
				}
			} else {
				currentDrawdown.Depth = math.Max(currentDrawdown.Depth, drawdown)
			}
			if drawdown > metrics.MaxDrawdown {
				metrics.MaxDrawdown = drawdown
			}
		}

		var pointDrawdown float64
		if peak > 0 {
			pointDrawdown = (peak - value) / peak
		}
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     d.CreatedAt,
			Value:    value,
			Drawdown: pointDrawdown,
		})
	}
	metrics.PeakValue = peak

	// An open drawdown at the end of the history still counts.
	if currentDrawdown != nil {
		if n := len(metrics.EquityCurve); n > 0 {
			currentDrawdown.EndTime = metrics.EquityCurve[n-1].Time
			currentDrawdown.EndValue = metrics.EquityCurve[n-1].Value
			currentDrawdown.Duration = currentDrawdown.EndTime.Sub(currentDrawdown.StartTime)
		}
		metrics.Drawdowns = append(metrics.Drawdowns, *currentDrawdown)
	}

	if metrics.TriggeredEvaluations > 0 {
		metrics.SwapRate = float64(metrics.SwapsPerformed) / float64(metrics.TriggeredEvaluations)
	}

	for _, t := range trades {
		switch t.Status {
		case domain.TradeStatusCompleted:
			metrics.CompletedTrades++
		case domain.TradeStatusFailed:
			metrics.FailedTrades++
		}
		metrics.TotalCommissions += t.Commission
	}

	return metrics
}
