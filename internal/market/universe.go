package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
)

// universeExchange is the subset of IExchange the universe updater needs;
// kept narrow so it can be faked in tests without a full IExchange mock.
type universeExchange interface {
	GetExchangeInfo(ctx context.Context) ([]core.SymbolInfo, error)
	GetQuoteVolume24h(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SymbolUniverse is the Symbol Universe Updater (spec §4.5): periodically
// queries exchange info, filters to tradeable USDT perpetuals above a
// volume floor minus an exclude-list, and diffs against the current set.
type SymbolUniverse struct {
	exchange  universeExchange
	minVolume decimal.Decimal
	exclude   map[string]bool
	interval  time.Duration

	logger core.ILogger

	mu      sync.RWMutex
	symbols []string

	onChange func(added, removed []string)

	stop chan struct{}
}

func NewSymbolUniverse(exchange universeExchange, minVolume decimal.Decimal, exclude []string, interval time.Duration, logger core.ILogger) *SymbolUniverse {
	ex := make(map[string]bool, len(exclude))
	for _, s := range exclude {
		ex[s] = true
	}
	return &SymbolUniverse{
		exchange:  exchange,
		minVolume: minVolume,
		exclude:   ex,
		interval:  interval,
		logger:    logger.WithField("component", "symbol_universe"),
		stop:      make(chan struct{}),
	}
}

func (u *SymbolUniverse) OnChange(cb func(added, removed []string)) {
	u.onChange = cb
}

func (u *SymbolUniverse) Symbols() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, len(u.symbols))
	copy(out, u.symbols)
	return out
}

func (u *SymbolUniverse) Start(ctx context.Context) error {
	if err := u.refresh(ctx); err != nil {
		u.logger.Error("initial symbol universe refresh failed", "error", err)
	}

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-u.stop:
			return nil
		case <-ticker.C:
			if err := u.refresh(ctx); err != nil {
				u.logger.Error("symbol universe refresh failed", "error", err)
			}
		}
	}
}

func (u *SymbolUniverse) Stop() error {
	close(u.stop)
	return nil
}

func (u *SymbolUniverse) refresh(ctx context.Context) error {
	infos, err := u.exchange.GetExchangeInfo(ctx)
	if err != nil {
		return err
	}

	next := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Status != "" && info.Status != "TRADING" {
			continue
		}
		if info.ContractType != "" && info.ContractType != "PERPETUAL" {
			continue
		}
		if info.QuoteAsset != "" && info.QuoteAsset != "USDT" {
			continue
		}
		if u.exclude[info.Symbol] {
			continue
		}
		if u.minVolume.GreaterThan(decimal.Zero) {
			vol, err := u.exchange.GetQuoteVolume24h(ctx, info.Symbol)
			if err != nil || vol.LessThan(u.minVolume) {
				continue
			}
		}
		next = append(next, info.Symbol)
	}
	sort.Strings(next)

	u.mu.Lock()
	added, removed := diff(u.symbols, next)
	u.symbols = next
	u.mu.Unlock()

	if (len(added) > 0 || len(removed) > 0) && u.onChange != nil {
		u.onChange(added, removed)
	}
	return nil
}

func diff(old, next []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(old))
	for _, s := range old {
		oldSet[s] = true
	}
	nextSet := make(map[string]bool, len(next))
	for _, s := range next {
		nextSet[s] = true
	}
	for _, s := range next {
		if !oldSet[s] {
			added = append(added, s)
		}
	}
	for _, s := range old {
		if !nextSet[s] {
			removed = append(removed, s)
		}
	}
	return
}
