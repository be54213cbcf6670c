package connector

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"orderflow/internal/domain"
)

// Compile-time interface check.
var _ Connector = (*MockConnector)(nil)

// MockConnector simulates a broker in memory. External ids are derived from
// a per-connector counter and a stable hash, so runs are reproducible and
// reconciliation tests can assert on exact ids.
type MockConnector struct {
	name   string
	prefix string

	mu      sync.Mutex
	counter int
	orders  map[string]domain.OrderStatus // extOrderID → venue-side status

	// Scripted behaviour for tests.
	failSymbols map[string]string // symbol → rejection reason
	outage      error             // non-nil fails every call
	latency     time.Duration     // artificial delay before responding
}

// NewMockConnector creates a MockConnector named name. The external id
// prefix is the upper-cased name without any "-mock" suffix, e.g.
// "zerodha-mock" issues "ZERODHA-1-..." ids.
func NewMockConnector(name string) *MockConnector {
	return &MockConnector{
		name:        name,
		prefix:      strings.ToUpper(strings.TrimSuffix(strings.ToLower(name), "-mock")),
		orders:      make(map[string]domain.OrderStatus),
		failSymbols: make(map[string]string),
	}
}

// FailSymbol scripts a rejection for every order in the given symbol.
func (m *MockConnector) FailSymbol(symbol, reason string) {
	m.mu.Lock()
	m.failSymbols[symbol] = reason
	m.mu.Unlock()
}

// SetOutage makes every subsequent call fail with err (nil clears it).
func (m *MockConnector) SetOutage(err error) {
	m.mu.Lock()
	m.outage = err
	m.mu.Unlock()
}

// SetLatency delays every call by d, for timeout tests.
func (m *MockConnector) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Name implements Connector.
func (m *MockConnector) Name() string { return m.name }

// Submit implements Connector. Orders are acked immediately unless scripted
// otherwise.
func (m *MockConnector) Submit(ctx context.Context, order *domain.Order) (SubmitResult, error) {
	if err := m.sleep(ctx); err != nil {
		return SubmitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.outage != nil {
		return SubmitResult{}, &domain.BrokerError{Broker: m.name, Reason: "outage", Err: m.outage}
	}
	if reason, ok := m.failSymbols[order.Symbol]; ok {
		return SubmitResult{}, &domain.BrokerError{Broker: m.name, Reason: reason}
	}

	m.counter++
	extID := m.extID(m.counter)
	m.orders[extID] = domain.OrderAcked
	return SubmitResult{ExtOrderID: extID, Status: domain.OrderAcked}, nil
}

// Cancel implements Connector.
func (m *MockConnector) Cancel(ctx context.Context, extOrderID string) error {
	if err := m.sleep(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outage != nil {
		return &domain.BrokerError{Broker: m.name, Reason: "outage", Err: m.outage}
	}
	if _, ok := m.orders[extOrderID]; !ok {
		return &domain.BrokerError{Broker: m.name, Reason: fmt.Sprintf("unknown order %s", extOrderID)}
	}
	m.orders[extOrderID] = domain.OrderCancelled
	return nil
}

// Poll implements Connector.
func (m *MockConnector) Poll(ctx context.Context, extOrderID string) (domain.OrderStatus, error) {
	if err := m.sleep(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outage != nil {
		return "", &domain.BrokerError{Broker: m.name, Reason: "outage", Err: m.outage}
	}
	status, ok := m.orders[extOrderID]
	if !ok {
		return "", &domain.BrokerError{Broker: m.name, Reason: fmt.Sprintf("unknown order %s", extOrderID)}
	}
	return status, nil
}

// MarkStatus overrides the venue-side status of an order, used to script
// out-of-band fills and confirmations.
func (m *MockConnector) MarkStatus(extOrderID string, status domain.OrderStatus) {
	m.mu.Lock()
	m.orders[extOrderID] = status
	m.mu.Unlock()
}

// extID builds a deterministic external order id: prefix, sequence number,
// and eight hex chars of a stable hash over both.
func (m *MockConnector) extID(n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", m.name, n)))
	return fmt.Sprintf("%s-%d-%X", m.prefix, n, sum[:4])
}

func (m *MockConnector) sleep(ctx context.Context) error {
	m.mu.Lock()
	d := m.latency
	m.mu.Unlock()
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
