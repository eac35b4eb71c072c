package exchangeclient

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/domain"
)

// orderResponse is the wire shape of Binance's order-placement/query
// response, decoded once and mapped onto domain.Order — no callers outside
// this package ever see raw JSON.
type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	AlgoID        int64  `json:"algoId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResponse) toDomain() *domain.Order {
	return &domain.Order{
		ClientOrderID:  r.ClientOrderID,
		BinanceOrderID: r.OrderID,
		BinanceAlgoID:  r.AlgoID,
		Symbol:         r.Symbol,
		OrderType:      domain.OrderType(r.Type),
		Status:         mapOrderStatus(r.Status),
		Side:           domain.Side(r.Side),
		PositionSide:   domain.PositionSide(r.PositionSide),
		Price:          decimalOrZero(r.Price),
		StopPrice:      decimalOrZero(r.StopPrice),
		Quantity:       decimalOrZero(r.OrigQty),
		FilledQty:      decimalOrZero(r.ExecutedQty),
		AvgFilledPrice: decimalOrZero(r.AvgPrice),
		ReduceOnly:     r.ReduceOnly,
	}
}

// mapOrderStatus normalizes Binance's status vocabulary onto domain.OrderStatus,
// grounded on binance.go's mapOrderStatus switch.
func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.OrderStatusNew
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "CANCELLED":
		return domain.OrderStatusCancelled
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusExpired
	case "NEW_INSURANCE", "NEW_ADL":
		return domain.OrderStatusTriggered
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}

type accountResponse struct {
	TotalWalletBalance       string `json:"totalWalletBalance"`
	TotalMarginBalance       string `json:"totalMarginBalance"`
	TotalUnrealizedProfit    string `json:"totalUnrealizedProfit"`
	TotalInitialMargin       string `json:"totalInitialMargin"`
	TotalCrossUnPnl          string `json:"totalCrossUnPnl"`
	Positions                []positionResponse `json:"positions"`
}

func (r accountResponse) toDomain() *domain.Account {
	count := 0
	for _, p := range r.Positions {
		if !decimalOrZero(p.PositionAmt).IsZero() {
			count++
		}
	}
	return &domain.Account{
		Balance:           decimalOrZero(r.TotalWalletBalance),
		Equity:            decimalOrZero(r.TotalMarginBalance),
		UnrealizedPnL:     decimalOrZero(r.TotalUnrealizedProfit),
		ReservedMarginSum: decimalOrZero(r.TotalInitialMargin),
		PositionsCount:    count,
	}
}

type positionResponse struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

func (r positionResponse) toDomain() *domain.Position {
	lev := 0
	if n, err := decimal.NewFromString(r.Leverage); err == nil {
		lev = int(n.IntPart())
	}
	return &domain.Position{
		Symbol:        r.Symbol,
		PositionSide:  domain.PositionSide(r.PositionSide),
		Amount:        decimalOrZero(r.PositionAmt),
		EntryPrice:    decimalOrZero(r.EntryPrice),
		MarkPrice:     decimalOrZero(r.MarkPrice),
		UnrealizedPnL: decimalOrZero(r.UnRealizedProfit),
		Leverage:      lev,
	}
}

type tradeResponse struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	RealizedPnl     string `json:"realizedPnl"`
	Maker           bool   `json:"maker"`
	Time            int64  `json:"time"`
}

func (r tradeResponse) toDomain() *domain.Trade {
	return &domain.Trade{
		BinanceOrderID:  r.OrderID,
		BinanceTradeID:  r.ID,
		Price:           decimalOrZero(r.Price),
		Qty:             decimalOrZero(r.Qty),
		QuoteQty:        decimalOrZero(r.QuoteQty),
		Commission:      decimalOrZero(r.Commission),
		CommissionAsset: r.CommissionAsset,
		RealizedPnL:     decimalOrZero(r.RealizedPnl),
		Maker:           r.Maker,
		TimestampMs:     r.Time,
	}
}

type exchangeInfoResponse struct {
	Symbols []symbolResponse `json:"symbols"`
}

type symbolResponse struct {
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	QuoteAsset        string           `json:"quoteAsset"`
	ContractType      string           `json:"contractType"`
	PricePrecision    int              `json:"pricePrecision"`
	QuantityPrecision int              `json:"quantityPrecision"`
	Filters           []symbolFilter   `json:"filters"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"notional"`
}

func (s symbolResponse) toDomain() core.SymbolInfo {
	info := core.SymbolInfo{
		Symbol:            s.Symbol,
		Status:            s.Status,
		QuoteAsset:        s.QuoteAsset,
		ContractType:      s.ContractType,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
		MaxLeverage:       125,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			info.TickSize = decimalOrZero(f.TickSize)
		case "LOT_SIZE":
			info.StepSize = decimalOrZero(f.StepSize)
		case "MIN_NOTIONAL":
			info.MinNotional = decimalOrZero(f.MinNotional)
		}
	}
	return info
}

func decimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// klineFromRow decodes one row of the REST klines array response:
// [openTime, open, high, low, close, volume, closeTime, ...].
func klineFromRow(symbol string, row []interface{}) (*domain.Kline, error) {
	if len(row) < 7 {
		return nil, fmt.Errorf("exchangeclient: malformed kline row: %v", row)
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return nil, fmt.Errorf("exchangeclient: kline openTime not numeric")
	}
	open, err := strField(row[1])
	if err != nil {
		return nil, err
	}
	high, err := strField(row[2])
	if err != nil {
		return nil, err
	}
	low, err := strField(row[3])
	if err != nil {
		return nil, err
	}
	cls, err := strField(row[4])
	if err != nil {
		return nil, err
	}
	vol, err := strField(row[5])
	if err != nil {
		return nil, err
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return nil, fmt.Errorf("exchangeclient: kline closeTime not numeric")
	}

	return &domain.Kline{
		Symbol:    symbol,
		Timestamp: int64(openTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsClosed:  int64(closeTime) < time.Now().UnixMilli(),
	}, nil
}

func strField(v interface{}) (decimal.Decimal, error) {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("exchangeclient: expected string field, got %T", v)
	}
	return decimal.NewFromString(s)
}
