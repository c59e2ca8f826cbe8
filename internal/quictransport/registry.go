package quictransport

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConnectionRegistry is the single source of truth for every live connection
// across both transports. It keeps two indexes in lockstep: by_id maps a
// ConnectionID to its exclusive owning connection, and by_principal maps a
// Principal to its ordered list of ConnectionIDs.
type ConnectionRegistry struct {
	mu sync.RWMutex

	byID        map[ConnectionID]connection
	byPrincipal map[Principal][]ConnectionID

	wsSender  WebSocketSender
	now       Clock
	log       *zap.Logger
	metrics   *Metrics
	allocator *StreamAllocator

	keepAliveInterval time.Duration
	idleTimeout       time.Duration
	migrationTimeout  time.Duration
}

// NewConnectionRegistry builds an empty registry. now defaults to time.Now
// and log to zap.NewNop() when nil, so callers aren't required to supply
// every collaborator.
func NewConnectionRegistry(cfg Config, opts ...RegistryOption) *ConnectionRegistry {
	r := &ConnectionRegistry{
		byID:              make(map[ConnectionID]connection),
		byPrincipal:       make(map[Principal][]ConnectionID),
		now:               time.Now,
		log:               zap.NewNop(),
		keepAliveInterval: cfg.KeepAliveInterval,
		idleTimeout:       cfg.IdleTimeout,
		migrationTimeout:  cfg.IdleTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegistryOption configures optional ConnectionRegistry collaborators.
type RegistryOption func(*ConnectionRegistry)

func WithLogger(log *zap.Logger) RegistryOption {
	return func(r *ConnectionRegistry) {
		if log != nil {
			r.log = log
		}
	}
}

func WithClock(now Clock) RegistryOption {
	return func(r *ConnectionRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithWebSocketSender(send WebSocketSender) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.wsSender = send
	}
}

func WithMigrationTimeout(d time.Duration) RegistryOption {
	return func(r *ConnectionRegistry) {
		if d > 0 {
			r.migrationTimeout = d
		}
	}
}

// WithRegistryMetrics wires a Metrics collector so the registry can account
// for sent-message bytes/counts and failed migrations at their single
// natural chokepoints (SendMessage and RunMigrationMonitor).
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.metrics = metrics
	}
}

// WithStreamAllocator wires a StreamAllocator so every stream the registry
// opens on a send path reserves an id first and releases it once the stream
// closes.
func WithStreamAllocator(allocator *StreamAllocator) RegistryOption {
	return func(r *ConnectionRegistry) {
		r.allocator = allocator
	}
}

// allocateStream reserves a stream id of type t for id when an allocator is
// configured. It is a no-op (allocated=false) when the registry has none, so
// tests that build a bare ConnectionRegistry keep working unmodified.
func (r *ConnectionRegistry) allocateStream(id ConnectionID, t MessageType) (streamID uint64, allocated bool, err error) {
	if r.allocator == nil {
		return 0, false, nil
	}
	streamID, err = r.allocator.AllocateStream(id, t)
	if err != nil {
		return 0, false, err
	}
	if r.metrics != nil {
		r.metrics.RecordStreamAllocated(id, t)
	}
	return streamID, true, nil
}

// releaseStream returns a previously allocated stream id to the pool. It is
// a no-op unless allocateStream actually reserved one.
func (r *ConnectionRegistry) releaseStream(id ConnectionID, streamID uint64, t MessageType, allocated bool) {
	if !allocated || r.allocator == nil {
		return
	}
	if err := r.allocator.ReleaseStream(id, streamID); err != nil {
		r.log.Debug("failed to release allocator stream", zap.String("connection", id.String()), zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.RecordStreamReleased(id, t)
	}
}

// RegisterQUIC adds a new, not-yet-authenticated QUIC connection to the
// registry. The principal is attached later via Authenticate once the
// handshake completes.
func (r *ConnectionRegistry) RegisterQUIC(id ConnectionID, conn QUICConn) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return ErrConnectionAlreadyRegistered
	}
	r.byID[id] = connection{quic: newQUICConnection(id, conn, now)}
	return nil
}

// RegisterWebSocket adds an already-authenticated WebSocket connection.
func (r *ConnectionRegistry) RegisterWebSocket(id ConnectionID, principal Principal) error {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[id]; exists {
		return ErrConnectionAlreadyRegistered
	}
	r.byID[id] = connection{ws: newWebSocketConnection(id, principal, now)}
	r.byPrincipal[principal] = append(r.byPrincipal[principal], id)
	return nil
}

// Authenticate attaches principal to a previously-registered QUIC
// connection and indexes it under that principal.
func (r *ConnectionRegistry) Authenticate(id ConnectionID, principal Principal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return ErrConnectionUnknown
	}
	if c.quic == nil {
		return ErrInvalidConnectionType
	}
	c.quic.setPrincipal(principal)
	r.byPrincipal[principal] = append(r.byPrincipal[principal], id)
	return nil
}

// Unregister removes a connection from both indexes, dropping any now-empty
// principal entry.
func (r *ConnectionRegistry) Unregister(id ConnectionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(id)
}

func (r *ConnectionRegistry) unregisterLocked(id ConnectionID) error {
	c, ok := r.byID[id]
	if !ok {
		return ErrConnectionUnknown
	}
	delete(r.byID, id)

	if p, ok := c.principal(); ok && !p.IsZero() {
		ids := r.byPrincipal[p]
		for i, existing := range ids {
			if existing == id {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(r.byPrincipal, p)
		} else {
			r.byPrincipal[p] = ids
		}
	}
	return nil
}

// ConnectionsFor returns the (copied) list of connection ids owned by
// principal.
func (r *ConnectionRegistry) ConnectionsFor(principal Principal) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byPrincipal[principal]
	out := make([]ConnectionID, len(ids))
	copy(out, ids)
	return out
}

// IsConnected reports whether principal owns at least one connection.
func (r *ConnectionRegistry) IsConnected(principal Principal) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrincipal[principal]) > 0
}

// Count returns the total number of registered connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CountByTransport returns how many connections use the given transport.
func (r *ConnectionRegistry) CountByTransport(t TransportType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.byID {
		if c.transportType() == t {
			n++
		}
	}
	return n
}

// UniquePrincipals returns the number of distinct authenticated principals
// currently holding at least one connection.
func (r *ConnectionRegistry) UniquePrincipals() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPrincipal)
}

// Info returns a snapshot of one connection.
func (r *ConnectionRegistry) Info(id ConnectionID) (ConnectionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return ConnectionInfo{}, ErrConnectionUnknown
	}
	return c.snapshot(), nil
}

// UpdateActivity stamps the connection's last-activity time to now. Called
// on every received frame.
func (r *ConnectionRegistry) UpdateActivity(id ConnectionID) error {
	now := r.now()
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}
	c.updateActivity(now)
	return nil
}

// SendMessage delivers payload to a single connection, dispatching to the
// QUIC unidirectional-stream path or the WebSocket callback depending on
// transport.
func (r *ConnectionRegistry) SendMessage(id ConnectionID, payload []byte) error {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}

	if c.quic != nil {
		start := r.now()
		streamID, allocated, err := r.allocateStream(id, ChatMessage)
		if err != nil {
			return err
		}
		stream, err := c.quic.conn.OpenSendStream()
		if err != nil {
			r.releaseStream(id, streamID, ChatMessage, allocated)
			return err
		}
		if _, err := stream.Write(payload); err != nil {
			r.releaseStream(id, streamID, ChatMessage, allocated)
			return err
		}
		if err := stream.Close(); err != nil {
			r.releaseStream(id, streamID, ChatMessage, allocated)
			return err
		}
		r.releaseStream(id, streamID, ChatMessage, allocated)
		r.recordSent(id, len(payload))
		r.recordLatency(id, r.now().Sub(start))
		return nil
	}

	if r.wsSender == nil {
		return errors.New("no websocket sender configured")
	}
	if err := r.wsSender(id, payload); err != nil {
		return err
	}
	r.recordSent(id, len(payload))
	return nil
}

func (r *ConnectionRegistry) recordSent(id ConnectionID, bytes int) {
	if r.metrics != nil {
		r.metrics.RecordMessageSent(id, bytes)
	}
}

// recordLatency reports d as a round-trip sample for id: the time to open,
// write, and close a stream for SendMessage, or to open and close one for
// SendKeepAlive.
func (r *ConnectionRegistry) recordLatency(id ConnectionID, d time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordLatency(id, d)
	}
}

// Broadcast sends payload to every connection owned by principal. It is a
// best-effort fan-out: it succeeds if at least one send succeeds, and
// otherwise returns the first error encountered.
func (r *ConnectionRegistry) Broadcast(principal Principal, payload []byte) error {
	ids := r.ConnectionsFor(principal)
	if len(ids) == 0 {
		return ErrNoPrincipalConnections
	}

	var firstErr error
	sent := 0
	for _, id := range ids {
		if err := r.SendMessage(id, payload); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	if sent > 0 {
		return nil
	}
	return firstErr
}

// InactiveConnections returns the ids of connections idle for at least
// timeout.
func (r *ConnectionRegistry) InactiveConnections(timeout time.Duration) []ConnectionID {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConnectionID
	for id, c := range r.byID {
		if c.idleSince(now) >= timeout {
			out = append(out, id)
		}
	}
	return out
}

// ConnectionsNeedingKeepAlive returns the QUIC connections whose idle time
// has reached the configured keep-alive interval. WebSocket connections
// never need a QUIC-style keep-alive frame.
func (r *ConnectionRegistry) ConnectionsNeedingKeepAlive() []ConnectionID {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConnectionID
	for id, c := range r.byID {
		if c.quic == nil {
			continue
		}
		if c.idleSince(now) >= r.keepAliveInterval {
			out = append(out, id)
		}
	}
	return out
}

// SendKeepAlive sends a liveness signal on id: an empty unidirectional
// stream for QUIC, a no-op for WebSocket. A successful send stamps the
// connection's own activity clock, the same as an inbound frame would, so a
// keep-alive never trips the idle timeout it exists to prevent.
func (r *ConnectionRegistry) SendKeepAlive(id ConnectionID) error {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}
	if c.quic == nil {
		return nil
	}

	start := r.now()
	streamID, allocated, err := r.allocateStream(id, Control)
	if err != nil {
		return err
	}
	stream, err := c.quic.conn.OpenSendStream()
	if err != nil {
		r.releaseStream(id, streamID, Control, allocated)
		return err
	}
	if err := stream.Close(); err != nil {
		r.releaseStream(id, streamID, Control, allocated)
		return err
	}
	r.releaseStream(id, streamID, Control, allocated)
	now := r.now()
	c.quic.updateActivity(now)
	r.recordLatency(id, now.Sub(start))
	return nil
}

// StartMigration marks a QUIC connection as mid-migration.
func (r *ConnectionRegistry) StartMigration(id ConnectionID) error {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}
	if c.quic == nil {
		return ErrInvalidConnectionType
	}
	return c.quic.startMigration(r.now())
}

// CompleteMigration marks a migration as finished, bumping the migration
// counter and collapsing back to Stable.
func (r *ConnectionRegistry) CompleteMigration(id ConnectionID) error {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}
	if c.quic == nil {
		return ErrInvalidConnectionType
	}
	return c.quic.completeMigration(r.now())
}

// FailMigration marks a migration as failed.
func (r *ConnectionRegistry) FailMigration(id ConnectionID) error {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrConnectionUnknown
	}
	if c.quic == nil {
		return ErrInvalidConnectionType
	}
	return c.quic.failMigration()
}

// MigratingConnections returns the ids of QUIC connections currently
// mid-migration.
func (r *ConnectionRegistry) MigratingConnections() []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConnectionID
	for id, c := range r.byID {
		if c.quic == nil {
			continue
		}
		c.quic.mu.Lock()
		migrating := c.quic.migrationState == MigrationInProgress
		c.quic.mu.Unlock()
		if migrating {
			out = append(out, id)
		}
	}
	return out
}

// TimedOutMigrations returns ids of connections whose migration exceeded
// the configured migration timeout.
func (r *ConnectionRegistry) TimedOutMigrations() []ConnectionID {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConnectionID
	for id, c := range r.byID {
		if c.quic == nil {
			continue
		}
		if c.quic.hasMigrationTimedOut(now, r.migrationTimeout) {
			out = append(out, id)
		}
	}
	return out
}

// RunMigrationMonitor runs until the stop channel closes, failing any
// migration that has timed out and then unregistering every connection
// whose most recent migration attempt failed.
func (r *ConnectionRegistry) RunMigrationMonitor(stop <-chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range r.TimedOutMigrations() {
				if err := r.FailMigration(id); err != nil {
					r.log.Warn("failed to mark migration as failed", zap.String("connection", id.String()), zap.Error(err))
					continue
				}
				if r.metrics != nil {
					r.metrics.RecordMigrationFailed(id)
				}
			}
			for _, id := range r.failedMigrations() {
				if err := r.Unregister(id); err != nil {
					r.log.Warn("failed to unregister connection with failed migration", zap.String("connection", id.String()), zap.Error(err))
					continue
				}
				if r.metrics != nil {
					r.metrics.RecordConnectionClosed(id)
				}
			}
		}
	}
}

func (r *ConnectionRegistry) failedMigrations() []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConnectionID
	for id, c := range r.byID {
		if c.quic == nil {
			continue
		}
		c.quic.mu.Lock()
		failed := c.quic.migrationState == MigrationFailed
		c.quic.mu.Unlock()
		if failed {
			out = append(out, id)
		}
	}
	return out
}

// RunKeepAliveLoop periodically sends keep-alive frames to every QUIC
// connection that has been idle for at least the configured interval.
func (r *ConnectionRegistry) RunKeepAliveLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(r.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range r.ConnectionsNeedingKeepAlive() {
				if err := r.SendKeepAlive(id); err != nil {
					r.log.Warn("keep-alive send failed", zap.String("connection", id.String()), zap.Error(err))
				}
			}
		}
	}
}

// RunIdleTimeoutLoop periodically tears down connections that have been
// idle for at least the configured idle timeout. It ticks every 5 seconds.
func (r *ConnectionRegistry) RunIdleTimeoutLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, id := range r.InactiveConnections(r.idleTimeout) {
				if err := r.Unregister(id); err != nil {
					r.log.Warn("failed to unregister idle connection", zap.String("connection", id.String()), zap.Error(err))
					continue
				}
				if r.metrics != nil {
					r.metrics.RecordConnectionTimeout(id)
				}
			}
		}
	}
}
