package simulator

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_maker/internal/config"
	"market_maker/internal/core"
	"market_maker/internal/domain"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})                {}
func (m *mockLogger) Fatal(msg string, f ...interface{})                {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type memOrders struct {
	mu   sync.Mutex
	byID map[string]*domain.Order
}

func newMemOrders() *memOrders { return &memOrders{byID: make(map[string]*domain.Order)} }

func (r *memOrders) Save(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[o.ID] = o
	return nil
}
func (r *memOrders) Get(id string) (*domain.Order, bool) { r.mu.Lock(); defer r.mu.Unlock(); o, ok := r.byID[id]; return o, ok }
func (r *memOrders) GetByBinanceOrderID(symbol string, id int64) (*domain.Order, bool) { return nil, false }
func (r *memOrders) GetByBinanceAlgoID(symbol string, id int64) (*domain.Order, bool)   { return nil, false }
func (r *memOrders) GetByClientOrderID(id string) (*domain.Order, bool)                 { return nil, false }
func (r *memOrders) ForRecord(recordID string) []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.byID {
		if o.RecordID == recordID {
			out = append(out, o)
		}
	}
	return out
}
func (r *memOrders) All() []*domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Order, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, o)
	}
	return out
}

type memRecords struct {
	mu   sync.Mutex
	byID map[string]*domain.TradeRecord
}

func newMemRecords() *memRecords { return &memRecords{byID: make(map[string]*domain.TradeRecord)} }

func (r *memRecords) Save(ctx context.Context, rec *domain.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.ID] = rec
	return nil
}
func (r *memRecords) Get(id string) (*domain.TradeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	return rec, ok
}
func (r *memRecords) Open() []*domain.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.TradeRecord
	for _, rec := range r.byID {
		if rec.Status == domain.RecordStatusOpen {
			out = append(out, rec)
		}
	}
	return out
}
func (r *memRecords) All() []*domain.TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.TradeRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}

type memPending struct {
	mu   sync.Mutex
	byID map[string]*domain.PendingOrder
}

func newMemPending() *memPending { return &memPending{byID: make(map[string]*domain.PendingOrder)} }

func (r *memPending) Save(ctx context.Context, p *domain.PendingOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[p.ID] = p
	return nil
}
func (r *memPending) Get(id string) (*domain.PendingOrder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	return p, ok
}
func (r *memPending) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}
func (r *memPending) All() []*domain.PendingOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.PendingOrder, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

func newTestEngine() (*Engine, *memRecords, *memPending) {
	orders := newMemOrders()
	records := newMemRecords()
	pending := newMemPending()
	cfg := config.SimulatorConfig{InitialBalance: 10000, TakerFeeRate: 0.0004, MakerFeeRate: 0.0002, MaxLeverage: 20}
	eng := NewEngine(records, orders, pending, nil, cfg, "", "", &mockLogger{})
	return eng, records, pending
}

func TestEngine_LimitEntryGapDownFill(t *testing.T) {
	eng, records, pending := newTestEngine()

	tp, sl := dec(102), dec(99)
	require.NoError(t, pending.Save(context.Background(), &domain.PendingOrder{
		ID: "p1", Symbol: "BTCUSDT", Kind: domain.PendingOrderLimit, Side: domain.SideBuy,
		TriggerPrice: dec(100), Qty: dec(1), TPPrice: &tp, SLPrice: &sl, Leverage: 10,
	}))

	err := eng.OnBar(context.Background(), bar(99.8, 100.2, 99.5, 100.0))
	require.NoError(t, err)

	_, stillPending := pending.Get("p1")
	assert.False(t, stillPending)

	open := records.Open()
	require.Len(t, open, 1)
	assert.True(t, open[0].EntryPrice.Equal(dec(99.8)))

	acct := eng.Account()
	assert.True(t, acct.ReservedMarginSum.GreaterThan(decimal.Zero))
	assert.True(t, acct.TotalFees.GreaterThan(decimal.Zero))
}

func TestEngine_TPSLSameBarFavorsStopLoss(t *testing.T) {
	eng, records, _ := newTestEngine()

	tp, sl := dec(102), dec(99)
	rec := &domain.TradeRecord{
		ID: "r1", Symbol: "BTCUSDT", Side: domain.SideBuy, Qty: dec(1),
		EntryPrice: dec(100), TPPrice: &tp, SLPrice: &sl, Leverage: 10,
		Margin: dec(10), Notional: dec(100), Status: domain.RecordStatusOpen, Source: domain.SourceSimulator,
	}
	require.NoError(t, records.Save(context.Background(), rec))

	err := eng.OnBar(context.Background(), bar(100.5, 102.3, 98.9, 100.1))
	require.NoError(t, err)

	closed, ok := records.Get("r1")
	require.True(t, ok)
	assert.Equal(t, domain.RecordStatusSLClosed, closed.Status)
	require.NotNil(t, closed.ClosePrice)
	assert.True(t, closed.ClosePrice.Equal(dec(99)))
}

func TestEngine_InsufficientMarginDropsPendingOrder(t *testing.T) {
	eng, _, pending := newTestEngine()
	eng.account.Balance = dec(1) // far too little for any margin requirement

	require.NoError(t, pending.Save(context.Background(), &domain.PendingOrder{
		ID: "p1", Symbol: "BTCUSDT", Kind: domain.PendingOrderLimit, Side: domain.SideBuy,
		TriggerPrice: dec(100), Qty: dec(1), Leverage: 1,
	}))

	err := eng.OnBar(context.Background(), bar(99.8, 100.2, 99.5, 100.0))
	require.NoError(t, err)

	_, stillPending := pending.Get("p1")
	assert.False(t, stillPending, "pending order should be dropped, not left stuck forever")
}

var (
	_ core.IOrderRepository        = (*memOrders)(nil)
	_ core.IRecordRepository       = (*memRecords)(nil)
	_ core.IPendingOrderRepository = (*memPending)(nil)
)
