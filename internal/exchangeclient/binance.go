package exchangeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/domain"
	apperrors "market_maker/pkg/errors"
	"market_maker/pkg/pbu"
)

// BinanceExchange implements core.IExchange against Binance USDⓈ-M futures,
// grounded on exchange/binance/binance.go's signed-request/error-mapping
// shape, adapted from the teacher's market-maker order surface onto this
// system's entry/TP/SL/algo vocabulary.
type BinanceExchange struct {
	client *Client
	logger core.ILogger

	infoMu     sync.RWMutex
	infoByName map[string]core.SymbolInfo
	infoAt     time.Time
	infoTTL    time.Duration
}

// NewBinanceExchange builds a BinanceExchange. apiKey/secretKey are
// obtained once at composition time via config.Secret.Value() — never
// logged, never stored anywhere except this client's closure.
func NewBinanceExchange(apiCfg config.APIConfig, apiKey, secretKey string, logger core.ILogger) *BinanceExchange {
	return &BinanceExchange{
		client:     NewClient(apiCfg, apiKey, secretKey, logger),
		logger:     logger.WithField("component", "binance_exchange"),
		infoByName: make(map[string]core.SymbolInfo),
		infoTTL:    time.Hour,
	}
}

func (b *BinanceExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (*domain.Order, error) {
	info, err := b.symbolInfo(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	q.Set("type", string(req.Type))
	q.Set("quantity", roundStep(req.Quantity, info.StepSize).String())
	if req.ReduceOnly {
		q.Set("reduceOnly", "true")
	}
	if req.PositionSide != "" {
		q.Set("positionSide", string(req.PositionSide))
	}
	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		raw := pbu.GenerateCompactOrderID(req.Price, string(req.Side), info.PricePrecision)
		clientOrderID = pbu.AddBrokerPrefix("binance", raw)
	}
	q.Set("newClientOrderId", clientOrderID)

	switch req.Type {
	case domain.OrderTypeLimit:
		q.Set("price", roundTick(req.Price, info.TickSize).String())
		q.Set("timeInForce", "GTC")
	case domain.OrderTypeStop, domain.OrderTypeTakeProfit:
		q.Set("price", roundTick(req.Price, info.TickSize).String())
		q.Set("stopPrice", roundTick(req.StopPrice, info.TickSize).String())
		q.Set("timeInForce", "GTC")
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket:
		q.Set("stopPrice", roundTick(req.StopPrice, info.TickSize).String())
	}

	body, err := b.client.doSigned(ctx, "POST", "/fapi/v1/order", q, true)
	if err != nil {
		return nil, err
	}

	var raw orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode order response: %w", err))
	}
	return raw.toDomain(), nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol string, binanceOrderID int64) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", strconv.FormatInt(binanceOrderID, 10))
	_, err := b.client.doSigned(ctx, "DELETE", "/fapi/v1/order", q, true)
	if err != nil {
		if kind, ok := apperrors.KindOf(err); ok && kind == apperrors.KindInvalidOrderInput {
			return nil // already gone: cancel is idempotent
		}
	}
	return err
}

func (b *BinanceExchange) CancelAlgoOrder(ctx context.Context, symbol string, binanceAlgoID int64) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("algoId", strconv.FormatInt(binanceAlgoID, 10))
	_, err := b.client.doSigned(ctx, "DELETE", "/fapi/v1/algoOrder", q, true)
	if err != nil {
		if kind, ok := apperrors.KindOf(err); ok && kind == apperrors.KindInvalidOrderInput {
			return nil
		}
	}
	return err
}

func (b *BinanceExchange) GetOrder(ctx context.Context, symbol string, binanceOrderID int64, clientOrderID string) (*domain.Order, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if binanceOrderID != 0 {
		q.Set("orderId", strconv.FormatInt(binanceOrderID, 10))
	} else {
		q.Set("origClientOrderId", clientOrderID)
	}
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/order", q, true)
	if err != nil {
		return nil, err
	}
	var raw orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode order response: %w", err))
	}
	return raw.toDomain(), nil
}

func (b *BinanceExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/openOrders", q, true)
	if err != nil {
		return nil, err
	}
	var raws []orderResponse
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode open orders: %w", err))
	}
	out := make([]*domain.Order, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (b *BinanceExchange) GetOpenAlgoOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/openAlgoOrders", q, true)
	if err != nil {
		return nil, err
	}
	var raws []orderResponse
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode open algo orders: %w", err))
	}
	out := make([]*domain.Order, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (b *BinanceExchange) GetAccount(ctx context.Context) (*domain.Account, error) {
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v3/account", nil, true)
	if err != nil {
		return nil, err
	}
	var raw accountResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode account: %w", err))
	}
	return raw.toDomain(), nil
}

func (b *BinanceExchange) GetPositions(ctx context.Context, symbol string) ([]*domain.Position, error) {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v2/positionRisk", q, true)
	if err != nil {
		return nil, err
	}
	var raws []positionResponse
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode positions: %w", err))
	}
	out := make([]*domain.Position, 0, len(raws))
	for _, r := range raws {
		if decimalOrZero(r.PositionAmt).IsZero() {
			continue
		}
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (b *BinanceExchange) GetUserTrades(ctx context.Context, symbol string, startTime int64, fromID int64) ([]*domain.Trade, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	if startTime > 0 {
		q.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if fromID > 0 {
		q.Set("fromId", strconv.FormatInt(fromID, 10))
	}
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/userTrades", q, true)
	if err != nil {
		return nil, err
	}
	var raws []tradeResponse
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode user trades: %w", err))
	}
	out := make([]*domain.Trade, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (b *BinanceExchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/klines", q, false)
	if err != nil {
		return nil, err
	}
	var raws [][]interface{}
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode klines: %w", err))
	}
	out := make([]*domain.Kline, 0, len(raws))
	for _, row := range raws {
		k, err := klineFromRow(symbol, row)
		if err != nil {
			return nil, apperrors.New(apperrors.KindTransientExchange, err)
		}
		out = append(out, k)
	}
	return out, nil
}

func (b *BinanceExchange) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/ticker/price", q, false)
	if err != nil {
		return decimal.Zero, err
	}
	var raw struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode price: %w", err))
	}
	return decimal.NewFromString(raw.Price)
}

func (b *BinanceExchange) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("period", "5m")
	q.Set("limit", "1")
	body, err := b.client.doSigned(ctx, "GET", "/futures/data/openInterestHist", q, false)
	if err != nil {
		return decimal.Zero, err
	}
	var raws []struct {
		SumOpenInterest string `json:"sumOpenInterest"`
	}
	if err := json.Unmarshal(body, &raws); err != nil {
		return decimal.Zero, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode open interest: %w", err))
	}
	if len(raws) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raws[0].SumOpenInterest)
}

func (b *BinanceExchange) GetQuoteVolume24h(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/ticker/24hr", q, false)
	if err != nil {
		return decimal.Zero, err
	}
	var raw struct {
		QuoteVolume string `json:"quoteVolume"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return decimal.Zero, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode 24hr ticker: %w", err))
	}
	return decimal.NewFromString(raw.QuoteVolume)
}

func (b *BinanceExchange) GetExchangeInfo(ctx context.Context) ([]core.SymbolInfo, error) {
	body, err := b.client.doSigned(ctx, "GET", "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return nil, err
	}
	var raw exchangeInfoResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode exchange info: %w", err))
	}

	out := make([]core.SymbolInfo, 0, len(raw.Symbols))
	b.infoMu.Lock()
	b.infoByName = make(map[string]core.SymbolInfo, len(raw.Symbols))
	for _, s := range raw.Symbols {
		info := s.toDomain()
		out = append(out, info)
		b.infoByName[info.Symbol] = info
	}
	b.infoAt = time.Now()
	b.infoMu.Unlock()

	return out, nil
}

// symbolInfo returns a cached SymbolInfo, refreshing the whole exchange-info
// table if the TTL has elapsed or the symbol is unknown.
func (b *BinanceExchange) symbolInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	b.infoMu.RLock()
	info, ok := b.infoByName[symbol]
	stale := time.Since(b.infoAt) > b.infoTTL
	b.infoMu.RUnlock()
	if ok && !stale {
		return info, nil
	}

	if _, err := b.GetExchangeInfo(ctx); err != nil {
		return core.SymbolInfo{}, err
	}

	b.infoMu.RLock()
	defer b.infoMu.RUnlock()
	info, ok = b.infoByName[symbol]
	if !ok {
		return core.SymbolInfo{}, apperrors.New(apperrors.KindInvalidOrderInput, apperrors.ErrInvalidSymbol, "symbol", symbol)
	}
	return info, nil
}

func (b *BinanceExchange) CreateListenKey(ctx context.Context) (string, error) {
	body, err := b.client.doSigned(ctx, "POST", "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", err
	}
	var raw struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", apperrors.New(apperrors.KindTransientExchange, fmt.Errorf("decode listen key: %w", err))
	}
	return raw.ListenKey, nil
}

func (b *BinanceExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	_, err := b.client.doSigned(ctx, "PUT", "/fapi/v1/listenKey", nil, false)
	return err
}

func (b *BinanceExchange) SetDualSidePosition(ctx context.Context, dual bool) error {
	q := url.Values{}
	q.Set("dualSidePosition", strconv.FormatBool(dual))
	_, err := b.client.doSigned(ctx, "POST", "/fapi/v1/positionSide/dual", q, true)
	if err != nil {
		// -4059: "No need to change position side" — already in the desired
		// state, not a failure.
		if kind, ok := apperrors.KindOf(err); ok && kind == apperrors.KindInvalidOrderInput {
			b.logger.Debug("dual side position already set", "dual", dual)
			return nil
		}
	}
	return err
}

func (b *BinanceExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("leverage", strconv.Itoa(leverage))
	_, err := b.client.doSigned(ctx, "POST", "/fapi/v1/leverage", q, true)
	if err != nil {
		// -4028: "No need to change leverage" — already at the requested
		// leverage, not a failure.
		if kind, ok := apperrors.KindOf(err); ok && kind == apperrors.KindInvalidOrderInput {
			b.logger.Debug("leverage already set", "symbol", symbol, "leverage", leverage)
			return nil
		}
	}
	return err
}

// roundTick/roundStep truncate toward zero to the nearest exchange tick or
// lot step, matching Binance's own rejection rule for off-grid prices.
func roundTick(price, tick decimal.Decimal) decimal.Decimal {
	return roundToStep(price, tick)
}

func roundStep(qty, step decimal.Decimal) decimal.Decimal {
	return roundToStep(qty, step)
}

func roundToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Truncate(0).Mul(step)
}
