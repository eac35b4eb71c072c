package repository

import (
	"context"
	"sync"

	"market_maker/internal/core"
	"market_maker/internal/domain"
)

// PendingOrderRepository tracks not-yet-filled limit/conditional entries
// until they are filled, cancelled, or expire.
type PendingOrderRepository struct {
	path string
	log  core.ILogger

	mu   sync.RWMutex
	byID map[string]*domain.PendingOrder
}

func NewPendingOrderRepository(path string, log core.ILogger) *PendingOrderRepository {
	r := &PendingOrderRepository{
		path: path,
		log:  log.WithField("component", "pending_order_repository"),
		byID: make(map[string]*domain.PendingOrder),
	}

	var pending []*domain.PendingOrder
	found, err := loadJSON(path, &pending)
	if err != nil {
		r.log.Error("pending order repository load failed, starting empty", "error", err)
		return r
	}
	if found {
		for _, p := range pending {
			r.byID[p.ID] = p
		}
	}
	return r
}

func (r *PendingOrderRepository) Save(ctx context.Context, p *domain.PendingOrder) error {
	r.mu.Lock()
	r.byID[p.ID] = p
	snapshot := r.allLocked()
	r.mu.Unlock()

	if err := saveJSON(r.path, snapshot); err != nil {
		r.log.Error("pending order repository persist failed", "error", err)
		return err
	}
	return nil
}

func (r *PendingOrderRepository) Get(id string) (*domain.PendingOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	return p, ok
}

func (r *PendingOrderRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.byID, id)
	snapshot := r.allLocked()
	r.mu.Unlock()

	if err := saveJSON(r.path, snapshot); err != nil {
		r.log.Error("pending order repository persist failed", "error", err)
		return err
	}
	return nil
}

func (r *PendingOrderRepository) All() []*domain.PendingOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allLocked()
}

func (r *PendingOrderRepository) allLocked() []*domain.PendingOrder {
	out := make([]*domain.PendingOrder, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p)
	}
	return out
}

var _ core.IPendingOrderRepository = (*PendingOrderRepository)(nil)
