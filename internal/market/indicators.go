package market

import (
	"market_maker/internal/config"
	"market_maker/internal/domain"

	"github.com/shopspring/decimal"
)

// IndicatorCalculator derives an IndicatorValues snapshot from a window's
// closed bars on every bar close (spec §4.2). It is a pure function of the
// window plus its own small OI and Bollinger-width histories, with no side
// effects beyond those histories.
type IndicatorCalculator struct {
	cfg    config.IndicatorsConfig
	window *WindowStore

	// oiHistory holds one sample per bar timestamp seen, oldest first,
	// capped to the longest period any OI indicator needs.
	oiHistory map[string][]decimal.Decimal

	// bbWidthHistory tracks realised Bollinger widths for the width Z-score.
	bbWidthHistory map[string][]decimal.Decimal
}

// NewIndicatorCalculator builds a calculator bound to window, using cfg's
// periods and thresholds.
func NewIndicatorCalculator(cfg config.IndicatorsConfig, window *WindowStore) *IndicatorCalculator {
	return &IndicatorCalculator{
		cfg:            cfg,
		window:         window,
		oiHistory:      make(map[string][]decimal.Decimal),
		bbWidthHistory: make(map[string][]decimal.Decimal),
	}
}

func maxPeriod(cfg config.IndicatorsConfig) int {
	m := cfg.ATRPeriod
	for _, p := range []int{cfg.StdDevPeriod, cfg.VolumeMAPeriod, cfg.BBPeriod, cfg.RSIPeriod, cfg.EMASlowPeriod, cfg.OIMAPeriod} {
		if p > m {
			m = p
		}
	}
	return m
}

// Compute returns the indicator snapshot for the most recently closed bar on
// symbol, or ok=false if the window doesn't yet hold enough bars (I5).
func (c *IndicatorCalculator) Compute(symbol string) (*domain.IndicatorValues, bool) {
	bars := c.window.Bars(symbol)
	need := maxPeriod(c.cfg) + 1
	if len(bars) < need {
		return nil, false
	}

	cur := bars[len(bars)-1]
	prev := bars[len(bars)-2]

	closes := closesOf(bars)
	volumes := volumesOf(bars)

	out := &domain.IndicatorValues{
		Symbol:    symbol,
		Timestamp: cur.Timestamp,
	}

	out.ATR, _ = atr(bars, c.cfg.ATRPeriod)
	atrHistory := atrSeries(bars, c.cfg.ATRPeriod)
	out.ATRZScore = zScore(out.ATR, atrHistory)

	if !prev.Close.IsZero() {
		out.PriceChangeRate = cur.Close.Sub(prev.Close).Div(prev.Close)
	}
	priceChanges := changeRateSeries(closes)
	out.PriceChangeZScore = zScore(out.PriceChangeRate, priceChanges)

	out.VolumeZScore = zScore(cur.Volume, lastN(volumes, c.cfg.VolumeMAPeriod))

	out.RSI = rsiWilder(closes, c.cfg.RSIPeriod)

	out.EMAFast = ema(closes, c.cfg.EMAFastPeriod)
	out.EMASlow = ema(closes, c.cfg.EMASlowPeriod)
	if len(closes) >= 2 {
		prevFast := ema(closes[:len(closes)-1], c.cfg.EMAFastPeriod)
		prevSlow := ema(closes[:len(closes)-1], c.cfg.EMASlowPeriod)
		out.EMABullishCross = prevFast.LessThanOrEqual(prevSlow) && out.EMAFast.GreaterThan(out.EMASlow)
		out.EMABearishCross = prevFast.GreaterThanOrEqual(prevSlow) && out.EMAFast.LessThan(out.EMASlow)
	}

	// MA deviation: how far price sits from its fast EMA, Z-scored over the
	// same deviation computed at each prior bar.
	deviations := make([]decimal.Decimal, 0, len(closes))
	for i := c.cfg.EMAFastPeriod; i < len(closes); i++ {
		e := ema(closes[:i+1], c.cfg.EMAFastPeriod)
		if !e.IsZero() {
			deviations = append(deviations, closes[i].Sub(e).Div(e))
		}
	}
	if n := len(deviations); n > 0 {
		out.MADeviationZScore = zScore(deviations[n-1], deviations[:n-1])
	}

	upper, mid, lower := bollinger(closes, c.cfg.BBPeriod, c.cfg.BBStdMultiplier)
	out.BBUpper, out.BBMiddle, out.BBLower = upper, mid, lower
	var width decimal.Decimal
	if !mid.IsZero() {
		width = upper.Sub(lower).Div(mid)
	} else {
		width = upper.Sub(lower)
	}
	out.BBWidth = width

	hist := append(c.bbWidthHistory[symbol], width)
	if len(hist) > c.cfg.BBPeriod*3 {
		hist = hist[len(hist)-c.cfg.BBPeriod*3:]
	}
	c.bbWidthHistory[symbol] = hist
	out.BBWidthZScore = zScore(width, hist[:len(hist)-1])
	out.BBSqueeze = out.BBWidthZScore.LessThan(decimal.NewFromInt(-2))
	out.BBBreakoutUpper = cur.Close.GreaterThan(upper)
	out.BBBreakoutLower = cur.Close.LessThan(lower)

	out.Engulfing = engulfing(prev, cur, c.cfg.EngulfingStrictMode)
	out.UpperWickRatio, out.LowerWickRatio = wickRatios(cur)
	threshold := decimal.NewFromFloat(c.cfg.LongWickRatioThreshold)
	out.LongWick = out.UpperWickRatio.GreaterThan(threshold) || out.LowerWickRatio.GreaterThan(threshold)

	c.computeOI(symbol, cur, prev, out)

	return out, true
}

func (c *IndicatorCalculator) computeOI(symbol string, cur, prev domain.Kline, out *domain.IndicatorValues) {
	history := c.oiHistory[symbol]
	if len(history) == 0 {
		return
	}
	oiVal := history[len(history)-1]
	out.OIValue = oiVal

	if len(history) >= 2 {
		prevOI := history[len(history)-2]
		if !prevOI.IsZero() {
			out.OIChangeRate = oiVal.Sub(prevOI).Div(prevOI)
		}
	}

	changes := changeRateSeries(history)
	out.OIZScore = zScore(out.OIChangeRate, changes)
	out.OISurge = out.OIZScore.Abs().GreaterThan(decimal.NewFromFloat(2.5))

	out.OIMA = sma(lastN(history, c.cfg.OIMAPeriod))
	out.OIMomentum = oiVal.Sub(sma(lastN(history, c.cfg.OIMomentumPeriod)))

	out.OIDivergence = domain.OIDivergenceNone
	w := c.cfg.OIDivergenceWindow
	if len(history) > w && !prev.Close.IsZero() {
		priceStart := priceAt(c.window.Bars(symbol), w)
		priceDelta := cur.Close.Sub(priceStart).Div(priceStart)
		oiStart := history[len(history)-1-w]
		oiDelta := oiVal.Sub(oiStart).Div(oiStart.Abs().Add(decimal.NewFromFloat(1e-18)))

		if priceDelta.LessThan(decimal.NewFromFloat(-0.005)) && oiDelta.GreaterThan(decimal.NewFromFloat(0.01)) {
			out.OIDivergence = domain.OIDivergenceBullish
		} else if priceDelta.GreaterThan(decimal.NewFromFloat(0.005)) && oiDelta.LessThan(decimal.NewFromFloat(-0.01)) {
			out.OIDivergence = domain.OIDivergenceBearish
		}
	}
}

// RecordOpenInterest appends one REST-polled OI sample for symbol, capping the retained history to what the longest OI period needs.
func (c *IndicatorCalculator) RecordOpenInterest(symbol string, oi decimal.Decimal) {
	history := c.oiHistory[symbol]
	history = append(history, oi)
	cap := c.cfg.OIMAPeriod * 3
	if cap < 30 {
		cap = 30
	}
	if len(history) > cap {
		history = history[len(history)-cap:]
	}
	c.oiHistory[symbol] = history
}

func priceAt(bars []domain.Kline, back int) decimal.Decimal {
	idx := len(bars) - 1 - back
	if idx < 0 {
		idx = 0
	}
	return bars[idx].Close
}
