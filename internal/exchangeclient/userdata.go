package exchangeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"market_maker/internal/config"
	"market_maker/internal/core"
	ws "market_maker/pkg/websocket"
)

// OrderUpdate is the normalized payload of an ORDER_TRADE_UPDATE event.
type OrderUpdate struct {
	Symbol         string
	BinanceOrderID int64
	BinanceAlgoID  int64
	ClientOrderID  string
	Status         string
	FilledQty      string
	AvgPrice       string
	LastFilledQty  string
	LastFilledPx   string
	Commission     string
	CommissionAsst string
	RealizedPnL    string
	TradeID        int64
	TimestampMs    int64
}

// AccountUpdate is the normalized payload of an ACCOUNT_UPDATE event.
type AccountUpdate struct {
	TimestampMs int64
	Reason      string
}

// AlgoUpdate is the normalized payload of an ALGO_UPDATE event (conditional
// orders report through a separate event type on Binance futures).
type AlgoUpdate struct {
	Symbol      string
	AlgoID      int64
	Status      string
	TimestampMs int64
}

// UserDataListener is registered with Dispatcher.Subscribe and invoked in
// registration order for every event — strictly sequential, not a
// worker-pool fan-out, so the Record Service and Sync Manager observe
// updates in the exact order Binance emitted them.
type UserDataListener struct {
	OnOrderUpdate   func(OrderUpdate)
	OnAccountUpdate func(AccountUpdate)
	OnAlgoUpdate    func(AlgoUpdate)
}

// Dispatcher owns the listen-key lifecycle (create, keep-alive every 30
// minutes per §4.8) and the user-data WebSocket connection, fanning out
// parsed events to registered listeners in the order they were added.
type Dispatcher struct {
	exchange *BinanceExchange
	wsCfg    config.WebSocketConfig
	logger   core.ILogger

	mu        sync.Mutex
	listeners []UserDataListener
	wsClient  *ws.Client
	listenKey string
}

// NewDispatcher builds a Dispatcher bound to exchange for listen-key
// issuance and wsCfg for the stream's base URL.
func NewDispatcher(exchange *BinanceExchange, wsCfg config.WebSocketConfig, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		exchange: exchange,
		wsCfg:    wsCfg,
		logger:   logger.WithField("component", "user_data_dispatcher"),
	}
}

// Subscribe registers a listener. Must be called before Start.
func (d *Dispatcher) Subscribe(l UserDataListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// Start creates a listen key, opens the user-data stream, and begins the
// 30-minute keep-alive loop. Blocks until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	key, err := d.exchange.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("exchangeclient: create listen key: %w", err)
	}
	d.listenKey = key

	streamURL := strings.TrimSuffix(d.wsCfg.BaseURL, "/") + "/ws/" + key
	d.wsClient = ws.NewClient(streamURL, d.handleMessage, d.logger)
	d.wsClient.Start()

	keepAlive := time.NewTicker(30 * time.Minute)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			d.wsClient.StopAndWait(5 * time.Second)
			return nil
		case <-keepAlive.C:
			if err := d.exchange.KeepAliveListenKey(ctx, d.listenKey); err != nil {
				d.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

// Stop tears down the underlying WebSocket connection.
func (d *Dispatcher) Stop() error {
	if d.wsClient != nil {
		d.wsClient.Stop()
	}
	return nil
}

type userDataFrame struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     orderUpdateWire `json:"o"`
	Algo      algoUpdateWire  `json:"so"` // "strategy order" per futures user-data schema
}

type orderUpdateWire struct {
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	OrderID         int64  `json:"i"`
	Status          string `json:"X"`
	LastFilledQty   string `json:"l"`
	LastFilledPrice string `json:"L"`
	CumFilledQty    string `json:"z"`
	AvgPrice        string `json:"ap"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	RealizedPnL     string `json:"rp"`
	TradeID         int64  `json:"t"`
}

type algoUpdateWire struct {
	Symbol string `json:"s"`
	AlgoID int64  `json:"si"`
	Status string `json:"ss"`
}

// handleMessage parses one user-data frame and dispatches it to every
// listener, in registration order, per the top-level "e" discriminator.
func (d *Dispatcher) handleMessage(message []byte) {
	var frame userDataFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		d.logger.Warn("user data frame decode failed", "error", err)
		return
	}

	d.mu.Lock()
	listeners := append([]UserDataListener(nil), d.listeners...)
	d.mu.Unlock()

	switch frame.EventType {
	case "ORDER_TRADE_UPDATE":
		u := OrderUpdate{
			Symbol:         frame.Order.Symbol,
			BinanceOrderID: frame.Order.OrderID,
			ClientOrderID:  frame.Order.ClientOrderID,
			Status:         frame.Order.Status,
			FilledQty:      frame.Order.CumFilledQty,
			AvgPrice:       frame.Order.AvgPrice,
			LastFilledQty:  frame.Order.LastFilledQty,
			LastFilledPx:   frame.Order.LastFilledPrice,
			Commission:     frame.Order.Commission,
			CommissionAsst: frame.Order.CommissionAsset,
			RealizedPnL:    frame.Order.RealizedPnL,
			TradeID:        frame.Order.TradeID,
			TimestampMs:    frame.EventTime,
		}
		for _, l := range listeners {
			if l.OnOrderUpdate != nil {
				l.OnOrderUpdate(u)
			}
		}
	case "ACCOUNT_UPDATE":
		u := AccountUpdate{TimestampMs: frame.EventTime, Reason: frame.EventType}
		for _, l := range listeners {
			if l.OnAccountUpdate != nil {
				l.OnAccountUpdate(u)
			}
		}
	case "ALGO_UPDATE", "STRATEGY_UPDATE":
		u := AlgoUpdate{
			Symbol:      frame.Algo.Symbol,
			AlgoID:      frame.Algo.AlgoID,
			Status:      frame.Algo.Status,
			TimestampMs: frame.EventTime,
		}
		for _, l := range listeners {
			if l.OnAlgoUpdate != nil {
				l.OnAlgoUpdate(u)
			}
		}
	default:
		d.logger.Debug("ignoring unrecognised user-data event", "type", frame.EventType)
	}
}
