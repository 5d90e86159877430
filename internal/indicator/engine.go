package indicator

import (
	"fmt"
	"math"

	"autotrader/internal/core"
)

// Normalization constants for the momentum curves. A 2% moving-average
// spread or a 0.2% MACD histogram saturates the sub-score.
const (
	maCrossFullScale = 0.02
	macdFullScale    = 0.002
)

// weightTolerance absorbs float drift when checking that weights sum to 1.
const weightTolerance = 1e-6

// Result is one engine evaluation. When NoSignal is set the score is zero
// and must not drive an action.
type Result struct {
	Score     float64
	NoSignal  bool
	SubScores map[core.IndicatorKind]float64
}

// MinHistory returns the number of candles the enabled signals require.
func MinHistory(signals []core.SignalConfig) int {
	longest := 0
	for _, s := range signals {
		if !s.Enabled {
			continue
		}
		var need int
		switch s.Kind {
		case core.IndicatorRSI:
			need = s.Period + 1
		case core.IndicatorMACross:
			need = s.Slow
		case core.IndicatorMACD:
			need = s.Slow + s.Signal
		}
		if need > longest {
			longest = need
		}
	}
	return longest
}

// ValidateSignals rejects configurations the engine cannot score.
func ValidateSignals(signals []core.SignalConfig) error {
	sum := 0.0
	enabled := 0
	for i, s := range signals {
		if !s.Enabled {
			continue
		}
		enabled++
		sum += s.Weight
		if s.Weight <= 0 {
			return fmt.Errorf("signal %d (%s): weight must be positive", i, s.Kind)
		}
		switch s.Kind {
		case core.IndicatorRSI:
			if s.Period < 2 {
				return fmt.Errorf("signal %d (rsi): period must be >= 2", i)
			}
			if !(0 < s.BuyThreshold && s.BuyThreshold < 50 && 50 < s.SellThreshold && s.SellThreshold < 100) {
				return fmt.Errorf("signal %d (rsi): thresholds must satisfy 0 < buy < 50 < sell < 100", i)
			}
		case core.IndicatorMACross:
			if s.Fast < 1 || s.Slow <= s.Fast {
				return fmt.Errorf("signal %d (ma_cross): need 1 <= fast < slow", i)
			}
		case core.IndicatorMACD:
			if s.Fast < 1 || s.Slow <= s.Fast || s.Signal < 1 {
				return fmt.Errorf("signal %d (macd): need 1 <= fast < slow and signal >= 1", i)
			}
		default:
			return fmt.Errorf("signal %d: unknown kind %q", i, s.Kind)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no enabled signals")
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("enabled signal weights sum to %v, want 1.0", sum)
	}
	return nil
}

// Evaluate scores a candle series against the enabled signals. Positive
// scores bias SELL, negative bias BUY. With fewer candles than the longest
// signal requires the result is "no signal".
func Evaluate(candles []core.Candle, signals []core.SignalConfig) Result {
	need := MinHistory(signals)
	if need == 0 || len(candles) < need {
		return Result{NoSignal: true}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	sub := make(map[core.IndicatorKind]float64)
	score := 0.0
	for _, s := range signals {
		if !s.Enabled {
			continue
		}
		var v float64
		switch s.Kind {
		case core.IndicatorRSI:
			v = rsiSubScore(rsi(closes, s.Period), s.BuyThreshold, s.SellThreshold)
		case core.IndicatorMACross:
			v = maCrossSubScore(closes, s.Fast, s.Slow)
		case core.IndicatorMACD:
			hist, slowEMA := macd(closes, s.Fast, s.Slow, s.Signal)
			v = macdSubScore(hist, slowEMA)
		}
		sub[s.Kind] = v
		score += s.Weight * v
	}

	return Result{Score: clamp(score, -1, 1), SubScores: sub}
}

// rsiSubScore maps RSI through a piecewise-linear curve: buy threshold
// reads -1 (oversold, buy bias), 50 reads 0, sell threshold reads +1.
func rsiSubScore(value, buyThreshold, sellThreshold float64) float64 {
	if value <= 50 {
		return clamp(-(50-value)/(50-buyThreshold), -1, 0)
	}
	return clamp((value-50)/(sellThreshold-50), 0, 1)
}

// maCrossSubScore reads the fast/slow SMA spread relative to the slow
// average. Fast above slow means the price has run up, a sell bias under
// the engine's mean-reversion convention.
func maCrossSubScore(closes []float64, fast, slow int) float64 {
	slowAvg := sma(closes, slow)
	if slowAvg == 0 {
		return 0
	}
	diff := (sma(closes, fast) - slowAvg) / slowAvg
	return clamp(diff/maCrossFullScale, -1, 1)
}

// macdSubScore reads the histogram relative to the slow EMA.
func macdSubScore(hist, slowEMA float64) float64 {
	if slowEMA == 0 {
		return 0
	}
	return clamp(hist/slowEMA/macdFullScale, -1, 1)
}

// TemperatureFor buckets |score| for display.
func TemperatureFor(score float64) core.Temperature {
	abs := math.Abs(score)
	switch {
	case abs >= 0.3:
		return core.TempHot
	case abs >= 0.15:
		return core.TempWarm
	case abs >= 0.05:
		return core.TempCool
	default:
		return core.TempFrozen
	}
}
