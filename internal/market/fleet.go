package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"market_maker/internal/core"
	"market_maker/internal/domain"
	"market_maker/pkg/websocket"
)

// KlineCallback receives a decoded kline for one symbol, closed or not.
type KlineCallback func(domain.Kline)

// FleetManager is the WS Fleet Manager (spec §4.4): partitions a symbol set
// into groups of at most maxPerConnection and opens one combined-stream
// connection per group, generalizing pkg/websocket.Client to N connections.
type FleetManager struct {
	baseURL           string
	maxPerConnection  int
	reconnectDelay    time.Duration
	maxAttempts       int

	logger   core.ILogger
	callback KlineCallback

	mu      sync.Mutex
	clients []*websocket.Client
}

// NewFleetManager builds a FleetManager dialing baseURL's combined-stream
// endpoint, dispatching every decoded bar to callback.
func NewFleetManager(baseURL string, maxPerConnection int, reconnectDelay time.Duration, maxAttempts int, logger core.ILogger, callback KlineCallback) *FleetManager {
	if maxPerConnection <= 0 || maxPerConnection > 200 {
		maxPerConnection = 200
	}
	return &FleetManager{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		maxPerConnection: maxPerConnection,
		reconnectDelay:   reconnectDelay,
		maxAttempts:      maxAttempts,
		logger:           logger.WithField("component", "fleet_manager"),
		callback:         callback,
	}
}

// Start partitions symbols into ≤200-stream groups and opens one connection
// per group against the combined-stream endpoint for interval.
func (f *FleetManager) Start(ctx context.Context, symbols []string, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebuildLocked(symbols, interval)
}

// UpdateSymbols mutates the universe and fully rebuilds every connection —
// a documented tradeoff (brief ingestion gap in exchange for simpler
// invariants than incremental subscribe/unsubscribe) per spec §4.4.
func (f *FleetManager) UpdateSymbols(ctx context.Context, symbols []string, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
	return f.rebuildLocked(symbols, interval)
}

func (f *FleetManager) rebuildLocked(symbols []string, interval string) error {
	groups := partition(symbols, f.maxPerConnection)
	for _, group := range groups {
		url := f.streamURL(group, interval)
		client := websocket.NewClient(url, f.handleMessage, f.logger)
		client.SetReconnectPolicy(f.reconnectDelay, 60*time.Second, f.maxAttempts)
		client.SetOnGiveUp(func() {
			f.logger.Error("fleet connection gave up reconnecting", "url", url)
		})
		client.Start()
		f.clients = append(f.clients, client)
	}
	return nil
}

func (f *FleetManager) streamURL(symbols []string, interval string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = fmt.Sprintf("%s@kline_%s", strings.ToLower(s), interval)
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.baseURL, strings.Join(streams, "/"))
}

func partition(symbols []string, size int) [][]string {
	var groups [][]string
	for i := 0; i < len(symbols); i += size {
		end := i + size
		if end > len(symbols) {
			end = len(symbols)
		}
		groups = append(groups, symbols[i:end])
	}
	return groups
}

// Stop closes every connection. Idempotent and safe to call from inside a
// connection's own reader goroutine (delegates to Client.Stop, never
// Client.StopAndWait).
func (f *FleetManager) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
	return nil
}

func (f *FleetManager) stopLocked() {
	for _, c := range f.clients {
		c.Stop()
	}
	f.clients = nil
}

type combinedStreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineFrame struct {
	E string `json:"e"`
	K struct {
		T int64  `json:"t"`
		S string `json:"s"`
		O string `json:"o"`
		H string `json:"h"`
		L string `json:"l"`
		C string `json:"c"`
		V string `json:"v"`
		X bool   `json:"x"`
	} `json:"k"`
}

func (f *FleetManager) handleMessage(message []byte) {
	var frame combinedStreamFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		f.logger.Warn("fleet: malformed combined-stream frame", "error", err)
		return
	}

	var kf klineFrame
	if err := json.Unmarshal(frame.Data, &kf); err != nil {
		f.logger.Warn("fleet: malformed kline payload", "error", err)
		return
	}
	if kf.E != "kline" {
		return
	}

	bar := domain.Kline{
		Symbol:    kf.K.S,
		Timestamp: kf.K.T,
		Open:      mustDecimal(kf.K.O),
		High:      mustDecimal(kf.K.H),
		Low:       mustDecimal(kf.K.L),
		Close:     mustDecimal(kf.K.C),
		Volume:    mustDecimal(kf.K.V),
		IsClosed:  kf.K.X,
	}
	if f.callback != nil {
		f.callback(bar)
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
