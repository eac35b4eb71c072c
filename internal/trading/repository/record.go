package repository

import (
	"context"
	"sync"

	"market_maker/internal/core"
	"market_maker/internal/domain"
)

// RecordRepository is the Record Repository (spec §4.10): the authoritative
// store of TradeRecord lifecycle state, open or closed.
type RecordRepository struct {
	path string
	log  core.ILogger

	mu   sync.RWMutex
	byID map[string]*domain.TradeRecord
}

func NewRecordRepository(path string, log core.ILogger) *RecordRepository {
	r := &RecordRepository{
		path: path,
		log:  log.WithField("component", "record_repository"),
		byID: make(map[string]*domain.TradeRecord),
	}

	var records []*domain.TradeRecord
	found, err := loadJSON(path, &records)
	if err != nil {
		r.log.Error("record repository load failed, starting empty", "error", err)
		return r
	}
	if found {
		for _, rec := range records {
			r.byID[rec.ID] = rec
		}
	}
	return r
}

func (r *RecordRepository) Save(ctx context.Context, rec *domain.TradeRecord) error {
	r.mu.Lock()
	r.byID[rec.ID] = rec
	snapshot := r.allLocked()
	r.mu.Unlock()

	if err := saveJSON(r.path, snapshot); err != nil {
		r.log.Error("record repository persist failed", "error", err)
		return err
	}
	return nil
}

func (r *RecordRepository) Get(id string) (*domain.TradeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	return rec, ok
}

func (r *RecordRepository) Open() []*domain.TradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.TradeRecord, 0)
	for _, rec := range r.byID {
		if rec.Status == domain.RecordStatusOpen {
			out = append(out, rec)
		}
	}
	return out
}

func (r *RecordRepository) All() []*domain.TradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allLocked()
}

func (r *RecordRepository) allLocked() []*domain.TradeRecord {
	out := make([]*domain.TradeRecord, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, rec)
	}
	return out
}

var _ core.IRecordRepository = (*RecordRepository)(nil)
