package server

import (
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// DefaultMaxConnections is used when Config.MaxConnections is not positive.
const DefaultMaxConnections = 10000

// ConnectionTracker tracks open client connections for metrics and
// graceful shutdown.
type ConnectionTracker struct {
	connections sync.Map // net.Conn -> *TrackedConnection
	maxConns    int
	connCount   atomic.Int64
	logger      observability.Logger
}

// TrackedConnection is an accepted connection with its metadata.
type TrackedConnection struct {
	ID         string
	RemoteAddr string
	StartTime  time.Time
	conn       net.Conn

	mu         sync.RWMutex
	serverName string
	leaf       *x509.Certificate
}

// NewConnectionTracker creates a new connection tracker.
func NewConnectionTracker(maxConns int, logger observability.Logger) *ConnectionTracker {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &ConnectionTracker{
		maxConns: maxConns,
		logger:   logger,
	}
}

// Add starts tracking conn. It fails when the connection limit is reached.
func (t *ConnectionTracker) Add(conn net.Conn) (*TrackedConnection, error) {
	if int(t.connCount.Load()) >= t.maxConns {
		return nil, fmt.Errorf("maximum connections reached: %d", t.maxConns)
	}

	tracked := &TrackedConnection{
		ID:         uuid.New().String(),
		RemoteAddr: conn.RemoteAddr().String(),
		StartTime:  time.Now(),
		conn:       conn,
	}

	t.connections.Store(conn, tracked)
	t.connCount.Add(1)

	t.logger.Debug("connection added",
		observability.String("id", tracked.ID),
		observability.String("remoteAddr", tracked.RemoteAddr),
	)

	return tracked, nil
}

// Lookup returns the tracked connection for conn, or nil.
func (t *ConnectionTracker) Lookup(conn net.Conn) *TrackedConnection {
	if v, ok := t.connections.Load(conn); ok {
		return v.(*TrackedConnection)
	}
	return nil
}

// Remove stops tracking conn. It reports whether conn was tracked.
func (t *ConnectionTracker) Remove(conn net.Conn) bool {
	v, loaded := t.connections.LoadAndDelete(conn)
	if !loaded {
		return false
	}
	t.connCount.Add(-1)
	t.logger.Debug("connection removed",
		observability.String("id", v.(*TrackedConnection).ID),
	)
	return true
}

// Count returns the number of tracked connections.
func (t *ConnectionTracker) Count() int {
	return int(t.connCount.Load())
}

// CloseAll closes every tracked connection.
func (t *ConnectionTracker) CloseAll() {
	t.connections.Range(func(_, value interface{}) bool {
		tracked := value.(*TrackedConnection)
		if err := tracked.conn.Close(); err != nil {
			t.logger.Debug("error closing connection",
				observability.String("id", tracked.ID),
				observability.Error(err),
			)
		}
		return true
	})
}

// SetServerName records the SNI the client requested.
func (tc *TrackedConnection) SetServerName(name string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.serverName = name
}

// ServerName returns the SNI the client requested, if any.
func (tc *TrackedConnection) ServerName() string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.serverName
}

// Duration returns how long the connection has been open.
func (tc *TrackedConnection) Duration() time.Duration {
	return time.Since(tc.StartTime)
}

func (tc *TrackedConnection) setLeaf(cert *x509.Certificate) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.leaf = cert
}

// Leaf returns the certificate served on the connection, if known.
func (tc *TrackedConnection) Leaf() *x509.Certificate {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.leaf
}
