// Command monitor runs Core A: the kline ingestion fleet, rolling windows,
// indicator calculator, dual-gate anomaly detector, alert aggregator, and
// JSONL alert log (spec §6 "CLI surface"). It never places orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"market_maker/internal/bootstrap"
	"market_maker/internal/core"
	"market_maker/internal/domain"
	"market_maker/internal/exchangeclient"
	"market_maker/internal/infrastructure/health"
	"market_maker/internal/infrastructure/metrics"
	"market_maker/internal/market"
	"market_maker/pkg/concurrency"
	"market_maker/pkg/telemetry"

	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func main() {
	configPath := flag.String("config", "configs/monitor.yaml", "Path to configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "monitor: failed to start: %v\n", err)
		os.Exit(1)
	}
	log := app.Logger

	tel, err := telemetry.Setup("monitor")
	if err != nil {
		log.Warn("telemetry setup failed, continuing without it", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(ctx)
		}()
	}

	cfg := app.Cfg
	exchange := exchangeclient.NewBinanceExchange(cfg.API, cfg.Env.BinanceAPIKey.Value(), cfg.Env.BinanceAPISecret.Value(), log)

	window := market.NewWindowStore(cfg.Kline.HistorySize)
	indicators := market.NewIndicatorCalculator(cfg.Indicators, window)
	detector := market.NewDetector(cfg.Detection.Thresholds)

	alertLog, err := market.NewAlertLog(cfg.Agent.AlertsPath, cfg.Kline.Interval)
	if err != nil {
		log.Fatal("monitor: failed to open alert log", "error", err)
	}

	aggregator := market.NewAggregator(
		time.Duration(cfg.Alert.CooldownMinutes)*time.Minute,
		time.Duration(cfg.Alert.SendDelaySeconds)*time.Second,
		cfg.Alert.MaxBatchSize,
		string(domain.SourceLive),
		log,
		func(batch []*domain.AnomalyResult, dropped int, source string) {
			if err := alertLog.Write(batch, dropped, len(batch), source); err != nil {
				log.Error("monitor: alert log write failed", "error", err)
			}
			metrics := telemetry.GetGlobalMetrics()
			metrics.AlertsFlushedTotal.Add(context.Background(), 1)
			if dropped > 0 {
				metrics.AlertsDroppedTotal.Add(context.Background(), int64(dropped))
			}
		},
	)

	universe := market.NewSymbolUniverse(
		exchange,
		decimal.NewFromFloat(cfg.Symbols.MinVolume24h),
		cfg.Symbols.Exclude,
		time.Duration(cfg.Symbols.UpdateIntervalMinutes)*time.Minute,
		log,
	)

	// analysisPool bounds the "N analysis invocations" concurrency the
	// scheduling model calls for (spec §5): each symbol's indicator +
	// detector pass runs as its own pool task instead of blocking the WS
	// read goroutine that delivered the bar.
	analysisPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "bar_analysis",
		MaxWorkers:  cfg.WebSocket.MaxStreamsPerConnection,
		MaxCapacity: 1000,
		NonBlocking: true,
	}, log)
	defer analysisPool.Stop()

	fleet := market.NewFleetManager(
		cfg.WebSocket.BaseURL,
		cfg.WebSocket.MaxStreamsPerConnection,
		time.Duration(cfg.WebSocket.ReconnectDelay)*time.Second,
		cfg.WebSocket.MaxReconnectAttempts,
		log,
		func(bar domain.Kline) {
			window.PushBar(bar)
			if !bar.IsClosed {
				return
			}
			aggregator.OnBarCycle(bar.Timestamp)
			if err := analysisPool.Submit(func() { analyzeBar(exchange, window, indicators, detector, aggregator, cfg, log, bar) }); err != nil {
				log.Warn("monitor: analysis pool saturated, running inline", "symbol", bar.Symbol, "error", err)
				analyzeBar(exchange, window, indicators, detector, aggregator, cfg, log, bar)
			}
		},
	)

	universe.OnChange(func(added, removed []string) {
		log.Info("monitor: symbol universe changed", "added", added, "removed", removed)
		for _, symbol := range added {
			warmupSymbol(context.Background(), exchange, window, cfg.Kline.Interval, cfg.Kline.WarmupSize, log, symbol)
		}
		if err := fleet.UpdateSymbols(context.Background(), universe.Symbols(), cfg.Kline.Interval); err != nil {
			log.Error("monitor: fleet rebuild failed", "error", err)
		}
	})

	healthMgr := health.NewHealthManager(log)
	healthMgr.Register("symbol_universe", func() error { return nil })

	var metricsSrv *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsPort, log)
		metricsSrv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Stop(ctx)
		}()
	}

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := universe.Start(ctx); err != nil {
				return fmt.Errorf("symbol universe: %w", err)
			}
			return nil
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			for _, symbol := range universe.Symbols() {
				warmupSymbol(ctx, exchange, window, cfg.Kline.Interval, cfg.Kline.WarmupSize, log, symbol)
			}
			if err := fleet.Start(ctx, universe.Symbols(), cfg.Kline.Interval); err != nil {
				return fmt.Errorf("fleet manager: %w", err)
			}
			<-ctx.Done()
			return fleet.Stop()
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := aggregator.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return aggregator.Stop()
		}),
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

// analyzeBar runs one symbol's post-close pipeline: open-interest poll,
// indicator computation, and anomaly detection. Each call is one of the
// scheduling model's "N analysis invocations" (spec §5), dispatched through
// a bounded pool so a slow detector pass on one symbol never stalls the WS
// fleet's read loop for the others.
func analyzeBar(exchange core.IExchange, window *market.WindowStore, indicators *market.IndicatorCalculator, detector *market.Detector, aggregator *market.Aggregator, cfg *bootstrap.Config, log core.ILogger, bar domain.Kline) {
	if cfg.OpenInterest.Enabled {
		if oi, err := exchange.GetOpenInterest(context.Background(), bar.Symbol); err == nil {
			window.UpdateOpenInterest(bar.Symbol, oi, bar.Timestamp)
			indicators.RecordOpenInterest(bar.Symbol, oi)
		} else {
			log.Warn("monitor: open interest poll failed", "symbol", bar.Symbol, "error", err)
		}
	}
	ind, ok := indicators.Compute(bar.Symbol)
	if !ok {
		return
	}
	if result, fired := detector.Evaluate(bar.Symbol, bar, ind); fired {
		aggregator.Submit(result)
		metrics := telemetry.GetGlobalMetrics()
		metrics.AnomaliesTriggeredTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("symbol", bar.Symbol),
			attribute.String("engulfing", string(result.Engulfing)),
		))
		metrics.SetAnomalyLevel(bar.Symbol, int64(result.Level))
	}
}

// warmupSymbol seeds the rolling window with N-1 closed historical bars,
// dropping the still-open candle to avoid double-counting the WS stream
// (spec §4.5).
func warmupSymbol(ctx context.Context, exchange core.IExchange, window *market.WindowStore, interval string, warmupSize int, log core.ILogger, symbol string) {
	bars, err := exchange.GetHistoricalKlines(ctx, symbol, interval, warmupSize)
	if err != nil {
		log.Error("monitor: historical warmup failed", "symbol", symbol, "error", err)
		return
	}
	for i, bar := range bars {
		if i == len(bars)-1 && !bar.IsClosed {
			continue
		}
		window.PushBar(bar)
	}
}
