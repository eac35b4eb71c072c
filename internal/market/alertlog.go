package market

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"market_maker/internal/domain"
)

// AlertLogEntry is one per-symbol entry inside an aggregate JSONL record.
type AlertLogEntry struct {
	Symbol       string   `json:"symbol"`
	Price        string   `json:"price"`
	ChangePct    string   `json:"change_pct"`
	ATRZScore    string   `json:"atr_zscore"`
	PriceZScore  string   `json:"price_zscore"`
	VolumeZScore string   `json:"volume_zscore"`
	Level        int      `json:"level"`
	Triggered    []string `json:"triggered"`
	Engulfing    string   `json:"engulfing"`
}

// AlertRecord is the structured JSONL record spec §4.15 describes, one line
// per aggregation cycle — including empty cycles (P10).
type AlertRecord struct {
	Type          string          `json:"type"`
	Timestamp     string          `json:"ts"`
	Interval      string          `json:"interval"`
	Symbols       []string        `json:"symbols"`
	Entries       []AlertLogEntry `json:"entries"`
	EmailSubject  string          `json:"email_subject,omitempty"`
	EmailExcerpt  string          `json:"email_excerpt,omitempty"`
	WindowStartMs int64           `json:"window_start_ms,omitempty"`
	WindowEndMs   int64           `json:"window_end_ms,omitempty"`
	PendingCount  int             `json:"pending_count"`
	DroppedCount  int             `json:"dropped_count"`
	Source        string          `json:"source"`
}

// AlertLog appends one JSON line per aggregation cycle to a configured
// path, auto-creating the containing directory. Grounded on the
// repositories' atomic-rename write idiom (store_sqlite.go's
// marshal-then-persist shape), adapted to append mode since JSONL is
// inherently append-only and a torn final line is self-evident on replay.
type AlertLog struct {
	path     string
	interval string

	mu sync.Mutex
	f  *os.File
}

// NewAlertLog opens (creating if necessary) the JSONL file at path.
func NewAlertLog(path, interval string) (*AlertLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("alertlog: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("alertlog: open: %w", err)
	}
	return &AlertLog{path: path, interval: interval, f: f}, nil
}

// Write appends one aggregate-cycle record, even when batch is empty.
func (l *AlertLog) Write(batch []*domain.AnomalyResult, droppedCount, pendingCount int, source string) error {
	entries := make([]AlertLogEntry, 0, len(batch))
	symbols := make([]string, 0, len(batch))
	for _, r := range batch {
		entries = append(entries, AlertLogEntry{
			Symbol:       r.Symbol,
			Price:        r.Price.String(),
			ChangePct:    r.ChangePct.String(),
			ATRZScore:    r.ATRZScore.String(),
			PriceZScore:  r.PriceZScore.String(),
			VolumeZScore: r.VolumeZScore.String(),
			Level:        r.Level,
			Triggered:    r.Triggered,
			Engulfing:    string(r.Engulfing),
		})
		symbols = append(symbols, r.Symbol)
	}

	rec := AlertRecord{
		Type:         "aggregate",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Interval:     l.interval,
		Symbols:      symbols,
		Entries:      entries,
		PendingCount: pendingCount,
		DroppedCount: droppedCount,
		Source:       source,
	}
	if len(batch) > 0 {
		rec.EmailSubject = fmt.Sprintf("[%s] %d anomaly alert(s)", source, len(batch))
		rec.EmailExcerpt = summarizeExcerpt(batch)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("alertlog: marshal: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.f.Write(line)
	return err
}

func summarizeExcerpt(batch []*domain.AnomalyResult) string {
	if len(batch) == 0 {
		return ""
	}
	top := batch[0]
	for _, r := range batch {
		if r.Level > top.Level {
			top = r
		}
	}
	return fmt.Sprintf("%s level %d: %v", top.Symbol, top.Level, top.Triggered)
}

// Close closes the underlying file handle.
func (l *AlertLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
