package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricAnomaliesTriggeredTotal = "trading_anomalies_triggered_total"
	MetricAnomalyLevel            = "trading_anomaly_level"
	MetricAlertsFlushedTotal      = "trading_alerts_flushed_total"
	MetricAlertsDroppedTotal      = "trading_alerts_dropped_total"
	MetricOrdersPlacedTotal       = "trading_orders_placed_total"
	MetricOrdersFilledTotal       = "trading_orders_filled_total"
	MetricOrdersRejectedTotal     = "trading_orders_rejected_total"
	MetricPositionsOpen           = "trading_positions_open"
	MetricPnLRealizedTotal        = "trading_pnl_realized_total"
	MetricPnLUnrealized           = "trading_pnl_unrealized"
	MetricCommissionTotal         = "trading_commission_total"
	MetricSyncDriftTotal          = "trading_sync_drift_total"
	MetricCriticalRiskTotal       = "trading_critical_risk_total"
	MetricWSReconnectsTotal       = "trading_ws_reconnects_total"
	MetricSimulatorFillsTotal     = "trading_simulator_fills_total"
	MetricLatencyExchange         = "trading_latency_exchange_ms"
)

// MetricsHolder holds the initialized OTel instruments backing the
// anomaly/trading metrics above, plus the per-symbol state feeding the
// observable gauges.
type MetricsHolder struct {
	AnomaliesTriggeredTotal metric.Int64Counter
	AlertsFlushedTotal      metric.Int64Counter
	AlertsDroppedTotal      metric.Int64Counter
	OrdersPlacedTotal       metric.Int64Counter
	OrdersFilledTotal       metric.Int64Counter
	OrdersRejectedTotal     metric.Int64Counter
	PnLRealizedTotal        metric.Float64Counter
	CommissionTotal         metric.Float64Counter
	SyncDriftTotal          metric.Int64Counter
	CriticalRiskTotal       metric.Int64Counter
	WSReconnectsTotal       metric.Int64Counter
	SimulatorFillsTotal     metric.Int64Counter
	LatencyExchange         metric.Float64Histogram

	AnomalyLevel    metric.Int64ObservableGauge
	PositionsOpen   metric.Int64ObservableGauge
	PnLUnrealized   metric.Float64ObservableGauge

	mu               sync.RWMutex
	anomalyLevelMap  map[string]int64
	positionsOpenMap map[string]int64
	unrealizedPnLMap map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			anomalyLevelMap:  make(map[string]int64),
			positionsOpenMap: make(map[string]int64),
			unrealizedPnLMap: make(map[string]float64),
		}
	})
	return globalMetrics
}

// InitMetrics creates every instrument against the given meter. Called once
// from telemetry.Setup for each process (monitor, engine).
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.AnomaliesTriggeredTotal, err = meter.Int64Counter(MetricAnomaliesTriggeredTotal, metric.WithDescription("Anomaly detector firings, by symbol and engulfing type"))
	if err != nil {
		return err
	}
	m.AlertsFlushedTotal, err = meter.Int64Counter(MetricAlertsFlushedTotal, metric.WithDescription("Alert aggregator flush batches"))
	if err != nil {
		return err
	}
	m.AlertsDroppedTotal, err = meter.Int64Counter(MetricAlertsDroppedTotal, metric.WithDescription("Alerts dropped past max_batch_size"))
	if err != nil {
		return err
	}
	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Orders placed via the order manager"))
	if err != nil {
		return err
	}
	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Orders reaching FILLED"))
	if err != nil {
		return err
	}
	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Orders rejected by the exchange"))
	if err != nil {
		return err
	}
	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized PnL across closed records"))
	if err != nil {
		return err
	}
	m.CommissionTotal, err = meter.Float64Counter(MetricCommissionTotal, metric.WithDescription("Cumulative commission paid"))
	if err != nil {
		return err
	}
	m.SyncDriftTotal, err = meter.Int64Counter(MetricSyncDriftTotal, metric.WithDescription("Sync manager drift corrections (StateDriftError occurrences)"))
	if err != nil {
		return err
	}
	m.CriticalRiskTotal, err = meter.Int64Counter(MetricCriticalRiskTotal, metric.WithDescription("CriticalRiskError occurrences (e.g. SL attach failure)"))
	if err != nil {
		return err
	}
	m.WSReconnectsTotal, err = meter.Int64Counter(MetricWSReconnectsTotal, metric.WithDescription("WS fleet / user-data stream reconnect attempts"))
	if err != nil {
		return err
	}
	m.SimulatorFillsTotal, err = meter.Int64Counter(MetricSimulatorFillsTotal, metric.WithDescription("Simulator limit/TP/SL fills"))
	if err != nil {
		return err
	}
	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange REST calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.AnomalyLevel, err = meter.Int64ObservableGauge(MetricAnomalyLevel, metric.WithDescription("Most recent anomaly level per symbol (0-5)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.anomalyLevelMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Currently OPEN trade records per symbol"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.positionsOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized, metric.WithDescription("Unrealized PnL per symbol from the latest mark price"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable gauge state.

func (m *MetricsHolder) SetAnomalyLevel(symbol string, level int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalyLevelMap[symbol] = level
}

func (m *MetricsHolder) SetPositionsOpen(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionsOpenMap[symbol] = count
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) GetUnrealizedPnL() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.unrealizedPnLMap))
	for k, v := range m.unrealizedPnLMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionsOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.positionsOpenMap))
	for k, v := range m.positionsOpenMap {
		res[k] = v
	}
	return res
}
