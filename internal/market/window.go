// Package market implements Core A: multiplexed kline ingestion, rolling
// windows, indicators, the dual-gate anomaly detector, and alert aggregation.
package market

import (
	"sync"

	"github.com/shopspring/decimal"

	"market_maker/internal/domain"
)

// WindowStore is the Rolling Window Store (spec §4.1): a bounded ring buffer
// of Kline per symbol, plus a non-persistent realtime-low side channel used
// for intra-bar monitoring.
type WindowStore struct {
	mu       sync.RWMutex
	capacity int
	bars     map[string][]domain.Kline
	rtLow    map[string]decimal.Decimal
	oi       map[string]oiSample
}

type oiSample struct {
	value decimal.Decimal
	ts    int64
}

// NewWindowStore builds a store with the given per-symbol ring capacity.
func NewWindowStore(capacity int) *WindowStore {
	if capacity <= 0 {
		capacity = 30
	}
	return &WindowStore{
		capacity: capacity,
		bars:     make(map[string][]domain.Kline),
		rtLow:    make(map[string]decimal.Decimal),
		oi:       make(map[string]oiSample),
	}
}

// PushBar applies a kline update: if the last stored bar shares the new
// bar's timestamp, it is replaced in place (an intra-bar update); otherwise
// it is appended and the oldest bar is dropped once capacity is exceeded.
// On a genuinely new bar (bar close rollover), the realtime-low side channel
// for the symbol is cleared.
func (w *WindowStore) PushBar(bar domain.Kline) {
	w.mu.Lock()
	defer w.mu.Unlock()

	series := w.bars[bar.Symbol]
	if n := len(series); n > 0 && series[n-1].Timestamp == bar.Timestamp {
		series[n-1] = bar
		w.bars[bar.Symbol] = series
		w.updateRealtimeLow(bar)
		return
	}

	series = append(series, bar)
	if len(series) > w.capacity {
		series = series[len(series)-w.capacity:]
	}
	w.bars[bar.Symbol] = series
	delete(w.rtLow, bar.Symbol)
	w.updateRealtimeLow(bar)
}

func (w *WindowStore) updateRealtimeLow(bar domain.Kline) {
	cur, ok := w.rtLow[bar.Symbol]
	if !ok || bar.Low.LessThan(cur) {
		w.rtLow[bar.Symbol] = bar.Low
	}
}

// Bars returns a snapshot copy of the symbol's window, oldest first.
func (w *WindowStore) Bars(symbol string) []domain.Kline {
	w.mu.RLock()
	defer w.mu.RUnlock()
	series := w.bars[symbol]
	out := make([]domain.Kline, len(series))
	copy(out, series)
	return out
}

// Len returns the number of bars currently held for symbol.
func (w *WindowStore) Len(symbol string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bars[symbol])
}

// HasEnough reports whether the window holds at least n bars — the
// precondition for indicator availability (I5).
func (w *WindowStore) HasEnough(symbol string, n int) bool {
	return w.Len(symbol) >= n
}

// RealtimeLow returns the lowest low observed within the current (possibly
// still-open) bar for symbol.
func (w *WindowStore) RealtimeLow(symbol string) (decimal.Decimal, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.rtLow[symbol]
	return v, ok
}

// UpdateOpenInterest records the latest REST-polled open-interest sample for
// symbol, keyed by the bar timestamp it was polled for (§4.2: OI is polled
// once per bar and cached).
func (w *WindowStore) UpdateOpenInterest(symbol string, oi decimal.Decimal, ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.oi[symbol] = oiSample{value: oi, ts: ts}
}

// LatestOpenInterest returns the most recent cached OI sample and the bar
// timestamp it was polled for. The indicator calculator keeps its own OI
// history (IndicatorCalculator.RecordOpenInterest), aligned with closed bars
// rather than raw polls.
func (w *WindowStore) LatestOpenInterest(symbol string) (decimal.Decimal, int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.oi[symbol]
	return s.value, s.ts, ok
}
