package simulator

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"market_maker/internal/domain"
)

func bar(open, high, low, close float64) domain.Kline {
	return domain.Kline{
		Symbol: "BTCUSDT",
		Open:   decimal.NewFromFloat(open),
		High:   decimal.NewFromFloat(high),
		Low:    decimal.NewFromFloat(low),
		Close:  decimal.NewFromFloat(close),
	}
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestLimitFillPrice_GapDownFill(t *testing.T) {
	// LONG LIMIT at 100 pending; bar opens below the limit.
	b := bar(99.8, 100.2, 99.5, 100.0)
	price, ok := LimitFillPrice(domain.SideBuy, dec(100), b)
	assert.True(t, ok)
	assert.True(t, price.Equal(dec(99.8)))
}

func TestLimitFillPrice_TouchFill(t *testing.T) {
	b := bar(101, 101.5, 99.9, 100.5)
	price, ok := LimitFillPrice(domain.SideBuy, dec(100), b)
	assert.True(t, ok)
	assert.True(t, price.Equal(dec(100)))
}

func TestLimitFillPrice_NoFill(t *testing.T) {
	for _, b := range []domain.Kline{bar(101, 102, 100.5, 101.5), bar(105, 110, 103, 108)} {
		_, ok := LimitFillPrice(domain.SideBuy, dec(100), b)
		assert.False(t, ok, "must never fill a LONG LIMIT at 100 when open>100 and low>100")
	}
}

func TestLimitFillPrice_ShortMirror(t *testing.T) {
	b := bar(100.2, 100.5, 99.8, 100.0)
	price, ok := LimitFillPrice(domain.SideSell, dec(100), b)
	assert.True(t, ok)
	assert.True(t, price.Equal(dec(100.2)))
}

func TestTPSLFill_SameBarFavorsStopLoss(t *testing.T) {
	tp, sl := dec(102), dec(99)
	b := bar(100.5, 102.3, 98.9, 100.1)
	price, purpose, fired := TPSLFill(domain.SideBuy, &tp, &sl, b)
	assert.True(t, fired)
	assert.Equal(t, domain.PurposeStopLoss, purpose)
	assert.True(t, price.Equal(sl))
}

func TestTPSLFill_ShortSameBarFavorsStopLoss(t *testing.T) {
	tp, sl := dec(98), dec(101)
	b := bar(99.5, 101.3, 97.5, 99.0)
	price, purpose, fired := TPSLFill(domain.SideSell, &tp, &sl, b)
	assert.True(t, fired)
	assert.Equal(t, domain.PurposeStopLoss, purpose)
	assert.True(t, price.Equal(sl))
}

func TestTPSLFill_TakeProfitOnly(t *testing.T) {
	tp, sl := dec(102), dec(99)
	b := bar(101, 102.5, 100.8, 102.2)
	price, purpose, fired := TPSLFill(domain.SideBuy, &tp, &sl, b)
	assert.True(t, fired)
	assert.Equal(t, domain.PurposeTakeProfit, purpose)
	assert.True(t, price.Equal(tp))
}

func TestTPSLFill_NoTouch(t *testing.T) {
	tp, sl := dec(102), dec(99)
	b := bar(100, 101, 99.5, 100.2)
	_, _, fired := TPSLFill(domain.SideBuy, &tp, &sl, b)
	assert.False(t, fired)
}
