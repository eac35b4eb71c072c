package market

import (
	"context"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/domain"
)

// FlushCallback receives one aggregation-cycle batch: the ordered anomalies
// being sent, plus the count of entries dropped for exceeding max_batch_size.
type FlushCallback func(batch []*domain.AnomalyResult, dropped int, source string)

// Aggregator is the Alert Aggregator (spec §4.6): cooldown + debounce +
// per-cycle batching over raw anomaly results, grounded on monitor.go's
// Subscribe/broadcastAlert cooldown-map idiom generalized to a dual
// bar-cycle/debounce flush timer.
//
// Two time inputs drive a flush: a bar-cycle identifier derived from kline
// timestamps (a new cycle flushes immediately, cancelling any pending
// debounce timer) and a debounce timer reset on every new anomaly within a
// cycle. This race between "cycle changed" and "debounce fired" is
// preserved verbatim per spec §9: cycle-change always wins and flushes
// immediately.
type Aggregator struct {
	cooldown     time.Duration
	debounce     time.Duration
	maxBatchSize int
	source       string

	logger   core.ILogger
	onFlush  FlushCallback

	mu          sync.Mutex
	pending     map[string]*domain.AnomalyResult // symbol -> newest anomaly this cycle
	order       []string                         // insertion order for oldest-N batching
	lastSent    map[string]time.Time             // per-symbol cooldown
	currentCycle int64
	timer       *time.Timer
}

// NewAggregator builds an Aggregator. source tags every JSONL/email record
// (spec §4.15 "source" field) so live/reverse/sim worlds can be told apart.
func NewAggregator(cooldown, debounce time.Duration, maxBatchSize int, source string, logger core.ILogger, onFlush FlushCallback) *Aggregator {
	return &Aggregator{
		cooldown:     cooldown,
		debounce:     debounce,
		maxBatchSize: maxBatchSize,
		source:       source,
		logger:       logger.WithField("component", "alert_aggregator"),
		onFlush:      onFlush,
		pending:      make(map[string]*domain.AnomalyResult),
		lastSent:     make(map[string]time.Time),
	}
}

// Start is a no-op Runner entry point; the aggregator's timer is driven
// entirely by Submit/OnBarCycle calls, not a background ticker.
func (a *Aggregator) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Submit adds one anomaly to the current batch (a newer anomaly for the same
// symbol overwrites the older one) and restarts the debounce timer. A symbol
// whose last alert went out within the cooldown is dropped here and never
// enters the batch. Cycle changes are signalled separately via OnBarCycle.
func (a *Aggregator) Submit(result *domain.AnomalyResult) {
	if result == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastSentWithinCooldownLocked(result.Symbol) {
		return
	}

	if _, exists := a.pending[result.Symbol]; !exists {
		a.order = append(a.order, result.Symbol)
	}
	a.pending[result.Symbol] = result

	a.resetDebounceLocked()
}

func (a *Aggregator) lastSentWithinCooldownLocked(symbol string) bool {
	t, ok := a.lastSent[symbol]
	if !ok {
		return false
	}
	return time.Since(t) < a.cooldown
}

func (a *Aggregator) resetDebounceLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.debounce, func() {
		a.flush()
	})
}

// OnBarCycle is called once per closed bar timestamp seen across the
// monitored universe. A genuinely new cycle flushes immediately and cancels
// any pending debounce timer — per spec §9, cycle-change always wins the
// race against a debounce that fires on the same instant.
func (a *Aggregator) OnBarCycle(cycleTimestamp int64) {
	a.mu.Lock()
	isNew := cycleTimestamp != a.currentCycle
	a.currentCycle = cycleTimestamp
	if isNew && a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	if isNew {
		a.flush()
	}
}

// flush sends at most maxBatchSize (oldest N by arrival), logs the dropped
// count, and always calls onFlush — even with an empty batch, per (P10):
// "no alerts this cycle" still produces a JSONL record.
func (a *Aggregator) flush() {
	a.mu.Lock()
	batch, dropped := a.drainLocked()
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("alert aggregator dropped entries exceeding max_batch_size", "dropped", dropped)
	}
	if a.onFlush != nil {
		a.onFlush(batch, dropped, a.source)
	}
}

func (a *Aggregator) drainLocked() ([]*domain.AnomalyResult, int) {
	batch := make([]*domain.AnomalyResult, 0, len(a.order))
	for _, symbol := range a.order {
		if r, ok := a.pending[symbol]; ok {
			batch = append(batch, r)
		}
	}

	dropped := 0
	if len(batch) > a.maxBatchSize {
		dropped = len(batch) - a.maxBatchSize
		batch = batch[:a.maxBatchSize]
	}

	now := time.Now()
	for _, r := range batch {
		a.lastSent[r.Symbol] = now
	}

	a.pending = make(map[string]*domain.AnomalyResult)
	a.order = nil
	return batch, dropped
}

// Stop drains the pending set synchronously, flushing whatever remains.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	a.flush()
	return nil
}
