package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"orderflow/internal/domain"
)

// EventRecord is the Parquet schema for journalled lifecycle events.
type EventRecord struct {
	BatchID   string  `parquet:"batch_id"`
	OrderID   string  `parquet:"order_id"`
	Broker    string  `parquet:"broker"`
	Symbol    string  `parquet:"symbol"`
	OldStatus string  `parquet:"old_status"`
	NewStatus string  `parquet:"new_status"`
	FillPrice float64 `parquet:"fill_price"`
	FillQty   float64 `parquet:"fill_qty"`
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// Compile-time interface check.
var _ Sink = (*JournalSink)(nil)

// JournalSink appends events to daily Parquet files under
// <dir>/events/<YYYY-MM-DD>.parquet. The journal is an audit trail for the
// at-most-once event stream: consumers that missed bus deliveries can replay
// transitions from here instead of the live feed.
type JournalSink struct {
	dir string
	mu  sync.Mutex
}

// NewJournalSink creates a JournalSink rooted at dir.
func NewJournalSink(dir string) *JournalSink {
	return &JournalSink{dir: dir}
}

// Name implements Sink.
func (s *JournalSink) Name() string { return "journal" }

// Emit implements Sink. Each event is merged into its day file; the
// publisher worker serializes calls so the read-append-write cycle is safe.
func (s *JournalSink) Emit(e domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := EventRecord{
		BatchID:   e.BatchID,
		OrderID:   e.OrderID,
		Broker:    e.Broker,
		Symbol:    e.Symbol,
		OldStatus: string(e.OldStatus),
		NewStatus: string(e.NewStatus),
		FillPrice: e.FillPrice,
		FillQty:   e.FillQty,
		Timestamp: e.Timestamp.UnixMilli(),
	}

	path := s.pathFor(e.Timestamp)
	existing, _ := parquet.ReadFile[EventRecord](path)
	merged := append(existing, rec)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, merged); err != nil {
		return fmt.Errorf("journalling event for order %s: %w", e.OrderID, err)
	}
	return nil
}

// ReadDay returns all journalled events for the given date.
func (s *JournalSink) ReadDay(date time.Time) ([]EventRecord, error) {
	records, err := parquet.ReadFile[EventRecord](s.pathFor(date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return records, nil
}

// pathFor returns the journal file path for the event's day.
// Layout: <dir>/events/<YYYY-MM-DD>.parquet
func (s *JournalSink) pathFor(t time.Time) string {
	return filepath.Join(s.dir, "events", t.UTC().Format("2006-01-02")+".parquet")
}
