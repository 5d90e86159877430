// Package indicator computes signal scores from candle series.
//
// The kernels are pure float64 functions over closing prices. Money never
// flows through here; the output is a dimensionless score.
package indicator

// rsi computes the relative strength index with Wilder smoothing.
// Requires len(closes) >= period+1. Output in [0, 100].
func rsi(closes []float64, period int) float64 {
	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// sma is the simple moving average of the last period closes.
func sma(closes []float64, period int) float64 {
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period)
}

// emaSeries returns the exponential moving average at every index from
// period-1 on, seeded with the SMA of the first period values.
func emaSeries(values []float64, period int) []float64 {
	out := make([]float64, 0, len(values)-period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	prev := seed / float64(period)
	out = append(out, prev)

	k := 2.0 / (float64(period) + 1.0)
	for _, v := range values[period:] {
		prev = v*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}

// macd returns the final MACD histogram value and the final slow EMA.
// Requires len(closes) >= slow+signal.
func macd(closes []float64, fast, slow, signal int) (hist, slowEMA float64) {
	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)

	// Align: slowSeries[i] pairs with fastSeries[i + slow - fast].
	offset := slow - fast
	line := make([]float64, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries := emaSeries(line, signal)
	macdLast := line[len(line)-1]
	signalLast := signalSeries[len(signalSeries)-1]
	return macdLast - signalLast, slowSeries[len(slowSeries)-1]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
