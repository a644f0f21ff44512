package archimedes

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ConnectionKind distinguishes the two session kinds the manager tracks.
type ConnectionKind string

const (
	ConnectionWebSocket ConnectionKind = "websocket"
	ConnectionSSE       ConnectionKind = "sse"
)

// ConnectionRecord is one tracked session.
type ConnectionRecord struct {
	ID           string
	Kind         ConnectionKind
	ClientID     string
	AcceptedAt   time.Time
	LastActivity time.Time
	Metadata     map[string]interface{}
}

// ConnectionStats are the monotonic counters and point-in-time gauges the
// manager exposes.
type ConnectionStats struct {
	TotalAccepted int64
	TotalRejected int64
	TotalClosed   int64
	ActiveTotal   int
	ActiveByKind  map[ConnectionKind]int
}

// ErrLimitExceeded and ErrShuttingDown are the two accept() failure modes.
var (
	ErrLimitExceeded = NewCodedError("CONNECTION_LIMIT_EXCEEDED", CategoryRateLimited, "connection limit exceeded")
	ErrShuttingDown  = NewCodedError("SHUTTING_DOWN", CategoryInternal, "connection manager is shutting down").WithStatus(503)
)

// ConnectionManager tracks WebSocket/SSE sessions with global and
// per-client limits, idle eviction, and a broadcast shutdown signal.
type ConnectionManager struct {
	maxConnections int
	maxPerClient   int

	mu          sync.Mutex
	records     map[string]*ConnectionRecord
	perClient   map[string]int
	shutdown    bool
	shutdownCh  chan struct{}
	shutdownOne sync.Once

	accepted int64
	rejected int64
	closed   int64
}

// NewConnectionManager builds a manager bounded by cfg.
func NewConnectionManager(cfg ConnectionsConfig) *ConnectionManager {
	return &ConnectionManager{
		maxConnections: cfg.MaxConnections,
		maxPerClient:   cfg.MaxPerClient,
		records:        map[string]*ConnectionRecord{},
		perClient:      map[string]int{},
		shutdownCh:     make(chan struct{}),
	}
}

// Accept registers a new connection record, enforcing both limits. clientID
// may be empty when the caller has no client identity to key on.
func (m *ConnectionManager) Accept(kind ConnectionKind, clientID string) (*ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		atomic.AddInt64(&m.rejected, 1)
		return nil, ErrShuttingDown
	}
	if len(m.records) >= m.maxConnections {
		atomic.AddInt64(&m.rejected, 1)
		return nil, ErrLimitExceeded
	}
	if clientID != "" && m.maxPerClient > 0 && m.perClient[clientID] >= m.maxPerClient {
		atomic.AddInt64(&m.rejected, 1)
		return nil, ErrLimitExceeded
	}

	now := time.Now()
	rec := &ConnectionRecord{
		ID:           uuid.NewString(),
		Kind:         kind,
		ClientID:     clientID,
		AcceptedAt:   now,
		LastActivity: now,
	}
	m.records[rec.ID] = rec
	if clientID != "" {
		m.perClient[clientID]++
	}
	atomic.AddInt64(&m.accepted, 1)

	return rec, nil
}

// Remove deletes a connection record, if present.
func (m *ConnectionManager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return
	}
	delete(m.records, id)
	if rec.ClientID != "" {
		m.perClient[rec.ClientID]--
		if m.perClient[rec.ClientID] <= 0 {
			delete(m.perClient, rec.ClientID)
		}
	}
	atomic.AddInt64(&m.closed, 1)
}

// Touch updates last_activity without reordering or otherwise mutating the
// record's identity.
func (m *ConnectionManager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.LastActivity = time.Now()
	}
}

// Get returns a copy of the record for id, if present.
func (m *ConnectionManager) Get(id string) (ConnectionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// Len returns the current active connection count.
func (m *ConnectionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Stats returns the counters and gauges.
func (m *ConnectionManager) Stats() ConnectionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKind := map[ConnectionKind]int{}
	for _, rec := range m.records {
		byKind[rec.Kind]++
	}

	return ConnectionStats{
		TotalAccepted: atomic.LoadInt64(&m.accepted),
		TotalRejected: atomic.LoadInt64(&m.rejected),
		TotalClosed:   atomic.LoadInt64(&m.closed),
		ActiveTotal:   len(m.records),
		ActiveByKind:  byKind,
	}
}

// Shutdown flips the shutdown flag (refusing subsequent accepts) and
// publishes the broadcast signal exactly once. It returns the number of
// connections that were active at the moment of the call (the notified
// count); every subscriber of ShutdownSignal observes the close exactly
// once, including late subscribers arriving after this call returns.
func (m *ConnectionManager) Shutdown() int {
	m.mu.Lock()
	m.shutdown = true
	count := len(m.records)
	m.mu.Unlock()

	m.shutdownOne.Do(func() { close(m.shutdownCh) })
	return count
}

// ShutdownSignal returns the channel that closes exactly once when
// Shutdown is called. Holders of a connection record select on it at their
// suspension points to perform their kind-specific close handshake.
func (m *ConnectionManager) ShutdownSignal() <-chan struct{} {
	return m.shutdownCh
}

// CleanupIdle removes every record whose LastActivity is older than
// idleTimeout relative to now, returning the count removed. App.Run calls
// it periodically through RunIdleSweep at Connections.CleanupIntervalSecs.
func (m *ConnectionManager) CleanupIdle(idleTimeout time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, rec := range m.records {
		if now.Sub(rec.LastActivity) > idleTimeout {
			delete(m.records, id)
			if rec.ClientID != "" {
				m.perClient[rec.ClientID]--
				if m.perClient[rec.ClientID] <= 0 {
					delete(m.perClient, rec.ClientID)
				}
			}
			atomic.AddInt64(&m.closed, 1)
			removed++
		}
	}
	return removed
}

// RunIdleSweep blocks, running CleanupIdle every interval, until done is
// closed (typically the manager's own shutdown signal).
func (m *ConnectionManager) RunIdleSweep(interval, idleTimeout time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.CleanupIdle(idleTimeout)
		}
	}
}
