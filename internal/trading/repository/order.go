package repository

import (
	"context"
	"fmt"
	"sync"

	"market_maker/internal/core"
	"market_maker/internal/domain"
)

// OrderRepository is the Order Repository (spec §4.10): a single
// sync.RWMutex guarding an in-memory map plus secondary indexes on
// BinanceOrderID, BinanceAlgoID, ClientOrderID, and RecordID, persisted to
// path as JSON on every Save.
type OrderRepository struct {
	path string
	log  core.ILogger

	mu   sync.RWMutex
	byID map[string]*domain.Order

	byBinanceOrderID map[string]*domain.Order // "symbol:orderID" -> order
	byBinanceAlgoID  map[string]*domain.Order // "symbol:algoID" -> order
	byClientOrderID  map[string]*domain.Order
	byRecordID       map[string][]*domain.Order
}

// NewOrderRepository loads existing state from path, or starts empty if the
// file is absent or malformed — persistence failures never block startup.
func NewOrderRepository(path string, log core.ILogger) *OrderRepository {
	r := &OrderRepository{
		path:             path,
		log:              log.WithField("component", "order_repository"),
		byID:             make(map[string]*domain.Order),
		byBinanceOrderID: make(map[string]*domain.Order),
		byBinanceAlgoID:  make(map[string]*domain.Order),
		byClientOrderID:  make(map[string]*domain.Order),
		byRecordID:       make(map[string][]*domain.Order),
	}

	var orders []*domain.Order
	found, err := loadJSON(path, &orders)
	if err != nil {
		r.log.Error("order repository load failed, starting empty", "error", err)
		return r
	}
	if found {
		for _, o := range orders {
			r.indexLocked(o)
		}
	}
	return r
}

func (r *OrderRepository) indexLocked(o *domain.Order) {
	r.byID[o.ID] = o
	if o.BinanceOrderID != 0 {
		r.byBinanceOrderID[orderKey(o.Symbol, o.BinanceOrderID)] = o
	}
	if o.BinanceAlgoID != 0 {
		r.byBinanceAlgoID[orderKey(o.Symbol, o.BinanceAlgoID)] = o
	}
	if o.ClientOrderID != "" {
		r.byClientOrderID[o.ClientOrderID] = o
	}
	if o.RecordID != "" {
		r.appendRecordIndexLocked(o)
	}
}

func (r *OrderRepository) appendRecordIndexLocked(o *domain.Order) {
	existing := r.byRecordID[o.RecordID]
	for i, e := range existing {
		if e.ID == o.ID {
			existing[i] = o
			return
		}
	}
	r.byRecordID[o.RecordID] = append(existing, o)
}

func orderKey(symbol string, id int64) string {
	return fmt.Sprintf("%s:%d", symbol, id)
}

// Save upserts o and persists the whole table. Saving twice with the same
// ID replaces the prior entry under every index key the new order carries;
// an index key that only the earlier version carried is not removed.
func (r *OrderRepository) Save(ctx context.Context, o *domain.Order) error {
	r.mu.Lock()
	r.indexLocked(o)
	snapshot := r.allLocked()
	r.mu.Unlock()

	if err := saveJSON(r.path, snapshot); err != nil {
		r.log.Error("order repository persist failed", "error", err)
		return err
	}
	return nil
}

func (r *OrderRepository) Get(id string) (*domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byID[id]
	return o, ok
}

func (r *OrderRepository) GetByBinanceOrderID(symbol string, binanceOrderID int64) (*domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byBinanceOrderID[orderKey(symbol, binanceOrderID)]
	return o, ok
}

func (r *OrderRepository) GetByBinanceAlgoID(symbol string, binanceAlgoID int64) (*domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byBinanceAlgoID[orderKey(symbol, binanceAlgoID)]
	return o, ok
}

func (r *OrderRepository) GetByClientOrderID(clientOrderID string) (*domain.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.byClientOrderID[clientOrderID]
	return o, ok
}

func (r *OrderRepository) ForRecord(recordID string) []*domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Order, len(r.byRecordID[recordID]))
	copy(out, r.byRecordID[recordID])
	return out
}

func (r *OrderRepository) All() []*domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allLocked()
}

func (r *OrderRepository) allLocked() []*domain.Order {
	out := make([]*domain.Order, 0, len(r.byID))
	for _, o := range r.byID {
		out = append(out, o)
	}
	return out
}

var _ core.IOrderRepository = (*OrderRepository)(nil)
