package market

import (
	"github.com/shopspring/decimal"

	"market_maker/internal/domain"
)

func closesOf(bars []domain.Kline) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func volumesOf(bars []domain.Kline) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

func lastN(series []decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 || n > len(series) {
		n = len(series)
	}
	return series[len(series)-n:]
}

func sma(series []decimal.Decimal) decimal.Decimal {
	if len(series) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range series {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(series))))
}

func stdDev(series []decimal.Decimal) decimal.Decimal {
	if len(series) < 2 {
		return decimal.Zero
	}
	mean := sma(series)
	sumSq := decimal.Zero
	for _, v := range series {
		d := v.Sub(mean)
		sumSq = sumSq.Add(d.Mul(d))
	}
	variance := sumSq.Div(decimal.NewFromInt(int64(len(series))))
	f, _ := variance.Float64()
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(sqrt(f))
}

func sqrt(f float64) float64 {
	if f == 0 {
		return 0
	}
	x := f
	for i := 0; i < 40; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}

// zScore computes (x - mean) / std over history; returns 0 if std is zero or
// history has fewer than two points (spec §4.2).
func zScore(x decimal.Decimal, history []decimal.Decimal) decimal.Decimal {
	if len(history) < 2 {
		return decimal.Zero
	}
	sd := stdDev(history)
	if sd.IsZero() {
		return decimal.Zero
	}
	return x.Sub(sma(history)).Div(sd)
}

func changeRateSeries(series []decimal.Decimal) []decimal.Decimal {
	if len(series) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		if series[i-1].IsZero() {
			out = append(out, decimal.Zero)
			continue
		}
		out = append(out, series[i].Sub(series[i-1]).Div(series[i-1]))
	}
	return out
}

// trueRange computes the true range of bar i against the close of bar i-1.
func trueRange(cur, prev domain.Kline) decimal.Decimal {
	hl := cur.High.Sub(cur.Low)
	hc := cur.High.Sub(prev.Close).Abs()
	lc := cur.Low.Sub(prev.Close).Abs()
	m := hl
	if hc.GreaterThan(m) {
		m = hc
	}
	if lc.GreaterThan(m) {
		m = lc
	}
	return m
}

// atr returns the mean of the last `period` true ranges; absent if the
// window is too short.
func atr(bars []domain.Kline, period int) (decimal.Decimal, bool) {
	if len(bars) < period+1 {
		return decimal.Zero, false
	}
	trs := trSeries(bars)
	if len(trs) < period {
		return decimal.Zero, false
	}
	return sma(lastN(trs, period)), true
}

func trSeries(bars []domain.Kline) []decimal.Decimal {
	if len(bars) < 2 {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		out = append(out, trueRange(bars[i], bars[i-1]))
	}
	return out
}

// atrSeries returns the rolling ATR history, one value per bar once the
// window is long enough, used as the distribution for the ATR Z-score.
func atrSeries(bars []domain.Kline, period int) []decimal.Decimal {
	trs := trSeries(bars)
	if len(trs) < period {
		return nil
	}
	out := make([]decimal.Decimal, 0, len(trs)-period+1)
	for i := period; i <= len(trs); i++ {
		out = append(out, sma(trs[i-period:i]))
	}
	return out
}

// rsiWilder computes Wilder's RSI over the given period from a close series.
func rsiWilder(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) < period+1 {
		return decimal.NewFromInt(50)
	}
	gains, losses := decimal.Zero, decimal.Zero
	for i := 1; i <= period; i++ {
		delta := closes[i].Sub(closes[i-1])
		if delta.GreaterThan(decimal.Zero) {
			gains = gains.Add(delta)
		} else {
			losses = losses.Add(delta.Abs())
		}
	}
	avgGain := gains.Div(decimal.NewFromInt(int64(period)))
	avgLoss := losses.Div(decimal.NewFromInt(int64(period)))

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i].Sub(closes[i-1])
		gain, loss := decimal.Zero, decimal.Zero
		if delta.GreaterThan(decimal.Zero) {
			gain = delta
		} else {
			loss = delta.Abs()
		}
		n := decimal.NewFromInt(int64(period))
		avgGain = avgGain.Mul(n.Sub(decimal.NewFromInt(1))).Add(gain).Div(n)
		avgLoss = avgLoss.Mul(n.Sub(decimal.NewFromInt(1))).Add(loss).Div(n)
	}

	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	hundred := decimal.NewFromInt(100)
	return hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
}

// ema computes the exponential moving average of closes over period.
func ema(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) == 0 {
		return decimal.Zero
	}
	if len(closes) < period {
		return sma(closes)
	}
	k := decimal.NewFromFloat(2.0 / float64(period+1))
	result := sma(closes[:period])
	for i := period; i < len(closes); i++ {
		result = closes[i].Sub(result).Mul(k).Add(result)
	}
	return result
}

// bollinger returns (upper, middle, lower) over period with the given
// standard-deviation multiplier.
func bollinger(closes []decimal.Decimal, period int, mult float64) (decimal.Decimal, decimal.Decimal, decimal.Decimal) {
	window := lastN(closes, period)
	mid := sma(window)
	sd := stdDev(window)
	band := sd.Mul(decimal.NewFromFloat(mult))
	return mid.Add(band), mid, mid.Sub(band)
}

// engulfing classifies the relationship between prev and cur under the
// strict engulfing rule (§4.2): cur's range strictly contains prev's range
// AND cur's body strictly contains prev's body.
func engulfing(prev, cur domain.Kline, strict bool) domain.EngulfingType {
	rangeContains := cur.High.GreaterThan(prev.High) && cur.Low.LessThan(prev.Low)
	curBodyHigh, curBodyLow := bodyBounds(cur)
	prevBodyHigh, prevBodyLow := bodyBounds(prev)
	bodyContains := curBodyHigh.GreaterThan(prevBodyHigh) && curBodyLow.LessThan(prevBodyLow)

	if !rangeContains || (strict && !bodyContains) {
		return domain.EngulfingNone
	}

	curBull := cur.Close.GreaterThan(cur.Open)
	curBear := cur.Close.LessThan(cur.Open)
	prevBull := prev.Close.GreaterThan(prev.Open)
	prevBear := prev.Close.LessThan(prev.Open)

	switch {
	case curBull && prevBear:
		return domain.EngulfingBullish
	case curBear && prevBull:
		return domain.EngulfingBearish
	default:
		return domain.EngulfingPlain
	}
}

func bodyBounds(bar domain.Kline) (decimal.Decimal, decimal.Decimal) {
	if bar.Open.GreaterThan(bar.Close) {
		return bar.Open, bar.Close
	}
	return bar.Close, bar.Open
}

// wickRatios returns (upperWickRatio, lowerWickRatio) relative to the bar's
// full range; zero range yields zero ratios.
func wickRatios(bar domain.Kline) (decimal.Decimal, decimal.Decimal) {
	full := bar.High.Sub(bar.Low)
	if full.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	bodyHigh, bodyLow := bodyBounds(bar)
	upper := bar.High.Sub(bodyHigh).Div(full)
	lower := bodyLow.Sub(bar.Low).Div(full)
	return upper, lower
}
