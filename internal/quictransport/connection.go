package quictransport

import (
	"sync"
	"time"
)

// TransportType names the underlying transport backing a Connection.
type TransportType int

const (
	TransportQUIC TransportType = iota
	TransportWebSocket
)

func (t TransportType) String() string {
	if t == TransportQUIC {
		return "quic"
	}
	return "websocket"
}

// MigrationState is the per-connection QUIC path-migration state machine:
// Stable -> Migrating -> {Completed -> Stable | Failed}. Completed is
// transient: completeMigration collapses it back to Stable in the same
// call, after bumping the migration counter.
type MigrationState int

const (
	MigrationStable MigrationState = iota
	MigrationInProgress
	MigrationCompleted
	MigrationFailed
)

func (s MigrationState) String() string {
	switch s {
	case MigrationStable:
		return "stable"
	case MigrationInProgress:
		return "migrating"
	case MigrationCompleted:
		return "completed"
	case MigrationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// QUICConn is the subset of a live QUIC connection the registry needs: its
// current remote address and the ability to open an outgoing stream for
// sends/keep-alives. Migration detection (TransportServer.watchMigration)
// samples RawConnection.RemoteAddr, not RemoteAddrString.
type QUICConn interface {
	OpenSendStream() (SendStream, error)
	RemoteAddrString() string
}

// quicConnection tracks one QUIC connection and its migration state. It is
// registered before authentication; hasPrincipal records whether a
// principal has been attached since.
type quicConnection struct {
	mu sync.Mutex

	id          ConnectionID
	principal   Principal
	hasPrincipal bool
	conn        QUICConn

	connectedAt  time.Time
	lastActivity time.Time

	migrationState   MigrationState
	migrationCount   uint32
	lastMigration    time.Time
	migrationStarted time.Time
	hasMigrationStart bool
}

func newQUICConnection(id ConnectionID, conn QUICConn, now time.Time) *quicConnection {
	return &quicConnection{
		id:           id,
		conn:         conn,
		connectedAt:  now,
		lastActivity: now,
	}
}

func (c *quicConnection) updateActivity(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

func (c *quicConnection) setPrincipal(p Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
	c.hasPrincipal = true
}

func (c *quicConnection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasPrincipal
}

func (c *quicConnection) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

// startMigration transitions Stable -> Migrating, recording the start time.
// A connection already Migrating is left untouched (started_at must not be
// reset by a repeated call); any other state is not a valid starting point.
func (c *quicConnection) startMigration(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migrationState == MigrationInProgress {
		return nil
	}
	if c.migrationState != MigrationStable {
		return ErrNotStable
	}
	c.migrationState = MigrationInProgress
	c.migrationStarted = now
	c.hasMigrationStart = true
	return nil
}

// completeMigration transitions Migrating -> Completed -> Stable, bumping
// the migration counter and clearing the start time. Completed collapses
// immediately: callers never observe it as a resting state.
func (c *quicConnection) completeMigration(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migrationState != MigrationInProgress {
		return ErrNotMigrating
	}
	c.migrationState = MigrationCompleted
	c.migrationCount++
	c.lastMigration = now
	c.hasMigrationStart = false
	c.migrationState = MigrationStable
	return nil
}

func (c *quicConnection) failMigration() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migrationState != MigrationInProgress {
		return ErrNotMigrating
	}
	c.migrationState = MigrationFailed
	c.hasMigrationStart = false
	return nil
}

func (c *quicConnection) hasMigrationTimedOut(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.migrationState != MigrationInProgress || !c.hasMigrationStart {
		return false
	}
	return now.Sub(c.migrationStarted) >= timeout
}

func (c *quicConnection) snapshot() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:             c.id,
		Transport:      TransportQUIC,
		Principal:      c.principal,
		Authenticated:  c.hasPrincipal,
		ConnectedAt:    c.connectedAt,
		LastActivity:   c.lastActivity,
		MigrationState: c.migrationState,
		MigrationCount: c.migrationCount,
	}
}

// websocketConnection tracks one WebSocket connection. WebSocket
// connections are always authenticated at registration time and never
// migrate.
type websocketConnection struct {
	mu sync.Mutex

	id        ConnectionID
	principal Principal

	connectedAt  time.Time
	lastActivity time.Time
}

func newWebSocketConnection(id ConnectionID, principal Principal, now time.Time) *websocketConnection {
	return &websocketConnection{
		id:           id,
		principal:    principal,
		connectedAt:  now,
		lastActivity: now,
	}
}

func (c *websocketConnection) updateActivity(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

func (c *websocketConnection) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

func (c *websocketConnection) snapshot() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:            c.id,
		Transport:     TransportWebSocket,
		Principal:     c.principal,
		Authenticated: true,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
	}
}

// connection is the tagged-variant wrapper over the two transport-specific
// connection types: a small sum type rather than an interface hierarchy.
type connection struct {
	quic *quicConnection
	ws   *websocketConnection
}

func (c connection) id() ConnectionID {
	if c.quic != nil {
		return c.quic.id
	}
	return c.ws.id
}

func (c connection) transportType() TransportType {
	if c.quic != nil {
		return TransportQUIC
	}
	return TransportWebSocket
}

func (c connection) principal() (Principal, bool) {
	if c.quic != nil {
		c.quic.mu.Lock()
		defer c.quic.mu.Unlock()
		return c.quic.principal, c.quic.hasPrincipal
	}
	return c.ws.principal, true
}

func (c connection) updateActivity(now time.Time) {
	if c.quic != nil {
		c.quic.updateActivity(now)
		return
	}
	c.ws.updateActivity(now)
}

func (c connection) idleSince(now time.Time) time.Duration {
	if c.quic != nil {
		return c.quic.idleSince(now)
	}
	return c.ws.idleSince(now)
}

func (c connection) snapshot() ConnectionInfo {
	if c.quic != nil {
		return c.quic.snapshot()
	}
	return c.ws.snapshot()
}

// ConnectionInfo is the read-only view of a connection exposed to callers
// and diagnostics.
type ConnectionInfo struct {
	ID             ConnectionID
	Transport      TransportType
	Principal      Principal
	Authenticated  bool
	ConnectedAt    time.Time
	LastActivity   time.Time
	MigrationState MigrationState
	MigrationCount uint32
}
