// Command engine starts Core B (live execution) or Core C (simulator),
// selected by trading.mode (spec §6 "CLI surface"). Both backends share the
// same Record/Order repository contract; only the fill source differs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"market_maker/internal/bootstrap"
	"market_maker/internal/core"
	"market_maker/internal/domain"
	"market_maker/internal/exchangeclient"
	"market_maker/internal/infrastructure/metrics"
	"market_maker/internal/market"
	"market_maker/internal/trading/commission"
	"market_maker/internal/trading/order"
	"market_maker/internal/trading/record"
	"market_maker/internal/trading/repository"
	"market_maker/internal/trading/simulator"
	"market_maker/internal/trading/sync"
	"market_maker/pkg/telemetry"

	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "Path to configuration file")
	flag.Parse()

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: failed to start: %v\n", err)
		os.Exit(1)
	}
	log := app.Logger
	cfg := app.Cfg

	tel, err := telemetry.Setup("engine")
	if err != nil {
		log.Warn("telemetry setup failed, continuing without it", "error", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(ctx)
		}()
	}

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

	orders := repository.NewOrderRepository(cfg.Agent.LinkedOrdersPath, log)
	records := repository.NewRecordRepository(cfg.Agent.TradeRecordsPath, log)
	pending := repository.NewPendingOrderRepository(cfg.Agent.PendingOrdersPath, log)
	_ = repository.NewLinkedOrderRepository(orders) // read-side view, consulted by reporting/UI, not wired into the write path

	var runners []bootstrap.Runner
	switch cfg.Trading.Mode {
	case "live":
		runners = buildLiveRunners(cfg, orders, records, pending, log)
	case "simulator":
		runners = buildSimulatorRunners(cfg, orders, records, pending, log)
	default:
		log.Fatal("engine: unknown trading.mode", "mode", cfg.Trading.Mode)
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

// buildLiveRunners wires Core B: the REST client, order manager, commission
// service, record service, user-data dispatcher, and sync manager.
func buildLiveRunners(cfg *bootstrap.Config, orders *repository.OrderRepository, records *repository.RecordRepository, pending *repository.PendingOrderRepository, log core.ILogger) []bootstrap.Runner {
	exchange := exchangeclient.NewBinanceExchange(cfg.API, cfg.Env.BinanceAPIKey.Value(), cfg.Env.BinanceAPISecret.Value(), log)

	commissionSvc := commission.NewService(exchange, orders, log)
	recordSvc := record.NewService(records, orders, pending, exchange, log)
	orderMgr := order.NewManager(exchange, orders, records, pending, true /* dual position mode */, true /* prefer limit TP */, log)

	if err := orderMgr.EnsureDualPositionMode(context.Background()); err != nil {
		log.Warn("engine: could not switch to dual position mode, continuing", "error", err)
	}

	audit, err := sync.NewAuditLedger(cfg.Agent.SyncAuditDBPath)
	if err != nil {
		log.Fatal("engine: failed to open sync audit ledger", "error", err)
	}
	syncMgr := sync.NewManager(exchange, orders, records, pending, recordSvc, commissionSvc, audit, cfg.Trading.Symbol, time.Duration(cfg.Trading.ReconcileInterval)*time.Second, log)

	dispatcher := exchangeclient.NewDispatcher(exchange, cfg.WebSocket, log)
	dispatcher.Subscribe(exchangeclient.UserDataListener{
		OnOrderUpdate: func(u exchangeclient.OrderUpdate) {
			applyOrderUpdate(context.Background(), orders, commissionSvc, recordSvc, log, u)
		},
	})

	return []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			return dispatcher.Start(ctx)
		}),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := syncMgr.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return syncMgr.Stop()
		}),
	}
}

// applyOrderUpdate folds one ORDER_TRADE_UPDATE event onto its local Order
// (looked up by Binance order id, falling back to the correlating client
// order id for an order whose REST placement response hasn't landed yet),
// then hands the updated order to the Record Service (spec §4.8).
func applyOrderUpdate(ctx context.Context, orders core.IOrderRepository, commissionSvc *commission.Service, recordSvc *record.Service, log core.ILogger, u exchangeclient.OrderUpdate) {
	o, ok := orders.GetByBinanceOrderID(u.Symbol, u.BinanceOrderID)
	if !ok {
		o, ok = orders.GetByClientOrderID(u.ClientOrderID)
	}
	if !ok {
		log.Warn("engine: order update for unknown local order", "symbol", u.Symbol, "binance_order_id", u.BinanceOrderID, "client_order_id", u.ClientOrderID)
		return
	}

	o.Status = domain.OrderStatus(u.Status)
	if filled, err := decimal.NewFromString(u.FilledQty); err == nil {
		o.FilledQty = filled
	}
	if avg, err := decimal.NewFromString(u.AvgPrice); err == nil {
		o.AvgFilledPrice = avg
	}

	if err := recordSvc.OnOrderUpdate(ctx, o); err != nil {
		log.Error("engine: record service order update failed", "order_id", o.ID, "error", err)
	}

	if o.Status == domain.OrderStatusFilled && o.BinanceOrderID != 0 {
		if err := commissionSvc.ReconcileOrder(ctx, o); err != nil {
			log.Error("engine: commission reconciliation failed", "order_id", o.ID, "error", err)
		}
	}
}

// buildSimulatorRunners wires Core C: the write queue, deterministic bar
// engine, and a market-data fleet subscription driving OnBar exactly the
// way the live fleet drives Core A (spec §4.14's MarketSubscriptionService).
func buildSimulatorRunners(cfg *bootstrap.Config, orders *repository.OrderRepository, records *repository.RecordRepository, pending *repository.PendingOrderRepository, log core.ILogger) []bootstrap.Runner {
	exchange := exchangeclient.NewBinanceExchange(cfg.API, cfg.Env.BinanceAPIKey.Value(), cfg.Env.BinanceAPISecret.Value(), log)

	writeQueue := simulator.NewWriteQueue(log)
	engine := simulator.NewEngine(records, orders, pending, writeQueue, cfg.Agent.Simulator, cfg.Agent.TradeStatePath, cfg.Agent.PositionHistoryPath, log)

	fleet := market.NewFleetManager(
		cfg.WebSocket.BaseURL,
		cfg.WebSocket.MaxStreamsPerConnection,
		time.Duration(cfg.WebSocket.ReconnectDelay)*time.Second,
		cfg.WebSocket.MaxReconnectAttempts,
		log,
		func(bar domain.Kline) {
			if err := engine.OnBar(context.Background(), bar); err != nil {
				log.Error("engine: simulator bar processing failed", "symbol", bar.Symbol, "error", err)
			}
		},
	)

	return []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			bars, err := exchange.GetHistoricalKlines(ctx, cfg.Trading.Symbol, cfg.Kline.Interval, cfg.Kline.WarmupSize)
			if err != nil {
				log.Warn("engine: simulator warmup klines failed", "error", err)
			}
			for _, bar := range bars {
				_ = engine.OnBar(ctx, bar)
			}
			if err := fleet.Start(ctx, []string{cfg.Trading.Symbol}, cfg.Kline.Interval); err != nil {
				return fmt.Errorf("simulator fleet: %w", err)
			}
			<-ctx.Done()
			if err := fleet.Stop(); err != nil {
				log.Warn("engine: fleet stop error", "error", err)
			}
			if err := writeQueue.Drain(5 * time.Second); err != nil {
				log.Warn("engine: write queue drain timed out", "error", err)
				return err
			}
			return nil
		}),
	}
}
