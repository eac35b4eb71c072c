package market

import (
	"github.com/shopspring/decimal"

	"market_maker/internal/config"
	"market_maker/internal/domain"
)

// Thresholds mirrors config.DetectionThresholds with the §4.3 defaults
// filled in for any zero-valued override.
type Thresholds struct {
	ATRZScoreMin    decimal.Decimal
	PriceZScoreMin  decimal.Decimal
	VolumeZScoreMin decimal.Decimal
	BBWidthZScoreMin decimal.Decimal
	OIZScoreMin     decimal.Decimal
	MADevZScoreMin  decimal.Decimal
	MinGroupA       int
	MinGroupB       int
}

func thresholdsFromConfig(cfg config.DetectionThresholds) Thresholds {
	t := Thresholds{
		ATRZScoreMin:     decimal.NewFromFloat(3),
		PriceZScoreMin:   decimal.NewFromFloat(3),
		VolumeZScoreMin:  decimal.NewFromFloat(3.5),
		BBWidthZScoreMin: decimal.NewFromFloat(3),
		OIZScoreMin:      decimal.NewFromFloat(2.5),
		MADevZScoreMin:   decimal.NewFromFloat(2.5),
		MinGroupA:        2,
		MinGroupB:        1,
	}
	if cfg.ATRZScoreMin != 0 {
		t.ATRZScoreMin = decimal.NewFromFloat(cfg.ATRZScoreMin)
	}
	if cfg.PriceZScoreMin != 0 {
		t.PriceZScoreMin = decimal.NewFromFloat(cfg.PriceZScoreMin)
	}
	if cfg.VolumeZScoreMin != 0 {
		t.VolumeZScoreMin = decimal.NewFromFloat(cfg.VolumeZScoreMin)
	}
	if cfg.MinGroupA != 0 {
		t.MinGroupA = cfg.MinGroupA
	}
	if cfg.MinGroupB != 0 {
		t.MinGroupB = cfg.MinGroupB
	}
	return t
}

// Detector implements the dual-gate Anomaly Detector (spec §4.3): fires
// only when Group A (volatility) has at least MinGroupA triggers AND Group B
// (breakout/momentum) has at least MinGroupB triggers.
type Detector struct {
	thresholds Thresholds
}

// NewDetector builds a Detector from the configured threshold overrides.
func NewDetector(cfg config.DetectionThresholds) *Detector {
	return &Detector{thresholds: thresholdsFromConfig(cfg)}
}

// Evaluate runs the dual-gate check for one closed bar's indicators,
// returning ok=false when the gate does not clear.
func (d *Detector) Evaluate(symbol string, bar domain.Kline, ind *domain.IndicatorValues) (*domain.AnomalyResult, bool) {
	if ind == nil {
		return nil, false
	}

	var groupA, groupB, triggered []string

	if ind.ATRZScore.Abs().GreaterThan(d.thresholds.ATRZScoreMin) {
		groupA = append(groupA, "ATR")
	}
	if ind.PriceChangeZScore.Abs().GreaterThan(d.thresholds.PriceZScoreMin) {
		groupA = append(groupA, "PRICE")
	}
	if ind.VolumeZScore.Abs().GreaterThan(d.thresholds.VolumeZScoreMin) {
		groupA = append(groupA, "VOLUME")
	}
	if ind.BBWidthZScore.Abs().GreaterThan(d.thresholds.BBWidthZScoreMin) {
		groupA = append(groupA, "BB_WIDTH")
	}

	if ind.BBBreakoutUpper || ind.BBBreakoutLower {
		groupB = append(groupB, "BB_BREAKOUT")
	}
	if ind.OISurge {
		groupB = append(groupB, "OI_SURGE")
	}
	if ind.OIZScore.Abs().GreaterThan(d.thresholds.OIZScoreMin) {
		groupB = append(groupB, "OI_ZSCORE")
	}
	if maDeviationZ(ind).Abs().GreaterThan(d.thresholds.MADevZScoreMin) {
		groupB = append(groupB, "MA_DEVIATION")
	}

	triggered = append(triggered, groupA...)
	triggered = append(triggered, groupB...)

	if ind.RSI.GreaterThan(decimal.NewFromInt(70)) || ind.RSI.LessThan(decimal.NewFromInt(30)) {
		triggered = append(triggered, "RSI")
	}
	if ind.EMABullishCross || ind.EMABearishCross {
		triggered = append(triggered, "MA_CROSS")
	}
	if ind.Engulfing != domain.EngulfingNone {
		triggered = append(triggered, "ENGULFING")
	}
	if ind.LongWick {
		triggered = append(triggered, "LONG_WICK")
	}
	if ind.BBSqueeze {
		triggered = append(triggered, "SQUEEZE")
	}
	if ind.OIDivergence != domain.OIDivergenceNone {
		triggered = append(triggered, "OI_DIVERGENCE")
	}

	if len(groupA) < d.thresholds.MinGroupA || len(groupB) < d.thresholds.MinGroupB {
		return nil, false
	}

	result := &domain.AnomalyResult{
		Symbol:       symbol,
		Timestamp:    bar.Timestamp,
		Price:        bar.Close,
		ChangePct:    ind.PriceChangeRate,
		ATRZScore:    ind.ATRZScore,
		PriceZScore:  ind.PriceChangeZScore,
		VolumeZScore: ind.VolumeZScore,
		Triggered:    triggered,
		Engulfing:    ind.Engulfing,
	}
	result.Level = level(result)
	return result, true
}

// maDeviationZ returns the MA-deviation Z-score that the indicator
// calculator stores on IndicatorValues.MADeviationZScore.
func maDeviationZ(ind *domain.IndicatorValues) decimal.Decimal {
	return ind.MADeviationZScore
}

// level derives the 1..5 severity from the max and mean of the headline
// Z-scores, per the explicit cutoffs in spec §4.3.
func level(r *domain.AnomalyResult) int {
	zs := []decimal.Decimal{r.ATRZScore.Abs(), r.PriceZScore.Abs(), r.VolumeZScore.Abs()}
	max := zs[0]
	sum := decimal.Zero
	for _, z := range zs {
		if z.GreaterThan(max) {
			max = z
		}
		sum = sum.Add(z)
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(zs))))

	switch {
	case max.GreaterThan(decimal.NewFromInt(5)) || mean.GreaterThan(decimal.NewFromInt(4)):
		return 5
	case max.GreaterThan(decimal.NewFromInt(4)) || mean.GreaterThan(decimal.NewFromFloat(3.5)):
		return 4
	case max.GreaterThan(decimal.NewFromFloat(3.5)) || mean.GreaterThan(decimal.NewFromInt(3)):
		return 3
	case max.GreaterThan(decimal.NewFromInt(3)) || mean.GreaterThan(decimal.NewFromFloat(2.5)):
		return 2
	default:
		return 1
	}
}
