package archimedes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManagerAcceptUpToLimit(t *testing.T) {
	m := NewConnectionManager(ConnectionsConfig{MaxConnections: 2, MaxPerClient: 10, IdleTimeoutSecs: 60})

	_, err := m.Accept(ConnectionWebSocket, "")
	require.NoError(t, err)
	_, err = m.Accept(ConnectionWebSocket, "")
	require.NoError(t, err)

	_, err = m.Accept(ConnectionWebSocket, "")
	assert.Error(t, err)
	assert.Equal(t, 2, m.Len())
}

func TestConnectionManagerRemove(t *testing.T) {
	m := NewConnectionManager(ConnectionsConfig{MaxConnections: 10, MaxPerClient: 10})
	rec, err := m.Accept(ConnectionSSE, "client-a")
	require.NoError(t, err)

	m.Remove(rec.ID)

	_, ok := m.Get(rec.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestConnectionManagerMaxPerClient(t *testing.T) {
	m := NewConnectionManager(ConnectionsConfig{MaxConnections: 100, MaxPerClient: 1})
	_, err := m.Accept(ConnectionWebSocket, "client-a")
	require.NoError(t, err)

	_, err = m.Accept(ConnectionWebSocket, "client-a")
	assert.Error(t, err)

	_, err = m.Accept(ConnectionWebSocket, "client-b")
	assert.NoError(t, err)
}

func TestConnectionManagerShutdownRefusesAccept(t *testing.T) {
	m := NewConnectionManager(ConnectionsConfig{MaxConnections: 100, MaxPerClient: 100})
	_, err := m.Accept(ConnectionWebSocket, "")
	require.NoError(t, err)

	notified := m.Shutdown()
	assert.Equal(t, 1, notified)

	_, err = m.Accept(ConnectionWebSocket, "")
	assert.ErrorIs(t, err, error(ErrShuttingDown))

	select {
	case <-m.ShutdownSignal():
	default:
		t.Fatal("shutdown signal should be closed")
	}
}

func TestConnectionManagerCleanupIdle(t *testing.T) {
	m := NewConnectionManager(ConnectionsConfig{MaxConnections: 100, MaxPerClient: 100})
	rec, err := m.Accept(ConnectionWebSocket, "")
	require.NoError(t, err)

	m.mu.Lock()
	m.records[rec.ID].LastActivity = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	removed := m.CleanupIdle(time.Minute)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, m.Len())
}

func TestConnectionManagerStatsCountersNeverReset(t *testing.T) {
	m := NewConnectionManager(ConnectionsConfig{MaxConnections: 100, MaxPerClient: 100})
	rec, _ := m.Accept(ConnectionWebSocket, "")
	m.Remove(rec.ID)
	_, _ = m.Accept(ConnectionWebSocket, "")

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.TotalAccepted)
	assert.Equal(t, int64(1), stats.TotalClosed)
	assert.Equal(t, 1, stats.ActiveTotal)
}
