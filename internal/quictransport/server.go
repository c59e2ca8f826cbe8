package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/xmidt-org/retry"
	"go.uber.org/zap"
)

// ServerState is the TransportServer lifecycle: NotInitialized ->
// Initialized -> Running -> ShuttingDown -> Stopped.
type ServerState int

const (
	StateNotInitialized ServerState = iota
	StateInitialized
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s ServerState) String() string {
	switch s {
	case StateNotInitialized:
		return "not_initialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// migrationPollInterval is how often each connection's migration watcher
// samples RemoteAddr.
const migrationPollInterval = time.Second

// acceptCloseErrorCode is the application error code used to close a
// connection whose authentication handshake failed.
const acceptCloseErrorCode quic.ApplicationErrorCode = 1

// listener is the subset of *quic.Listener the server depends on, narrowed
// so tests can substitute an in-memory fake instead of binding a UDP socket.
type listener interface {
	Accept(ctx context.Context) (RawConnection, error)
	Close() error
	Addr() net.Addr
}

type quicListenerAdapter struct {
	ln *quic.Listener
}

func (a quicListenerAdapter) Accept(ctx context.Context) (RawConnection, error) {
	conn, err := a.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return wrapConnection(conn), nil
}

func (a quicListenerAdapter) Close() error   { return a.ln.Close() }
func (a quicListenerAdapter) Addr() net.Addr { return a.ln.Addr() }

// listenFunc opens a QUIC listener; overridable in tests.
type listenFunc func(addr string, tlsConf *tls.Config, quicConf *quic.Config) (listener, error)

func defaultListen(addr string, tlsConf *tls.Config, quicConf *quic.Config) (listener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	return quicListenerAdapter{ln: ln}, nil
}

// TransportServer owns the QUIC endpoint lifecycle: binding, the accept
// loop, per-connection authentication and registration, and the migration
// watcher.
type TransportServer struct {
	mu    sync.Mutex
	state ServerState

	cfg   Config
	log   *zap.Logger
	now   Clock

	verifier      TokenVerifier
	participation ChatParticipation

	registry  *ConnectionRegistry
	allocator *StreamAllocator
	auth      *Authenticator
	router    *MessageRouter
	metrics   *Metrics

	retryPolicyFactory retry.PolicyFactory
	wsSender           WebSocketSender
	migrationTimeout   time.Duration

	listen    listenFunc
	ln        listener
	boundAddr net.Addr

	stop chan struct{}
	wg   sync.WaitGroup
}

// ServerOption configures a TransportServer at construction time.
type ServerOption func(*TransportServer)

func WithServerLogger(log *zap.Logger) ServerOption {
	return func(s *TransportServer) {
		if log != nil {
			s.log = log
		}
	}
}

func WithServerClock(now Clock) ServerOption {
	return func(s *TransportServer) {
		if now != nil {
			s.now = now
		}
	}
}

func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *TransportServer) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

func WithWebSocketSendCallback(send WebSocketSender) ServerOption {
	return func(s *TransportServer) {
		s.wsSender = send
	}
}

func WithRetryPolicyFactory(pf retry.PolicyFactory) ServerOption {
	return func(s *TransportServer) {
		if pf != nil {
			s.retryPolicyFactory = pf
		}
	}
}

// WithServerMigrationTimeout overrides how long a connection may stay in
// the Migrating state before the monitor marks it Failed. Defaults to the
// configured idle timeout.
func WithServerMigrationTimeout(d time.Duration) ServerOption {
	return func(s *TransportServer) {
		if d > 0 {
			s.migrationTimeout = d
		}
	}
}

// withListener overrides how the endpoint is bound; used by tests to avoid
// real UDP sockets.
func withListener(fn listenFunc) ServerOption {
	return func(s *TransportServer) {
		s.listen = fn
	}
}

// NewTransportServer builds a TransportServer in state NotInitialized.
// verifier and participation are the external collaborators the transport
// core depends on; both are required.
func NewTransportServer(cfg Config, verifier TokenVerifier, participation ChatParticipation, opts ...ServerOption) *TransportServer {
	s := &TransportServer{
		cfg:                cfg,
		log:                zap.NewNop(),
		now:                time.Now,
		verifier:           verifier,
		participation:      participation,
		retryPolicyFactory: retry.Config{Interval: 100 * time.Millisecond, Multiplier: 2.0, Jitter: 1.0 / 3.0, MaxInterval: 5 * time.Second},
		listen:             defaultListen,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.allocator = NewStreamAllocator()
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	s.auth = NewAuthenticator(verifier)

	registryOpts := []RegistryOption{WithLogger(s.log), WithClock(s.now), WithRegistryMetrics(s.metrics), WithStreamAllocator(s.allocator)}
	if s.wsSender != nil {
		registryOpts = append(registryOpts, WithWebSocketSender(s.wsSender))
	}
	if s.migrationTimeout > 0 {
		registryOpts = append(registryOpts, WithMigrationTimeout(s.migrationTimeout))
	}
	s.registry = NewConnectionRegistry(cfg, registryOpts...)
	s.router = NewMessageRouter(s.registry, participation, nil, WithRouterLogger(s.log), WithRouterMetrics(s.metrics))
	return s
}

// Registry exposes the ConnectionRegistry for send/broadcast from outside
// the accept loop (e.g. the REST collaborator pushing a chat message).
func (s *TransportServer) Registry() *ConnectionRegistry { return s.registry }

// Router exposes the MessageRouter, mainly for tests.
func (s *TransportServer) Router() *MessageRouter { return s.router }

// Metrics exposes the Metrics collector.
func (s *TransportServer) Metrics() *Metrics { return s.metrics }

// TransportSnapshot is the read-only diagnostics view: connection/migration
// counts, latency performance, the QUIC-to-WebSocket mix, and server uptime.
// The HTTP collaborator decides how to expose it.
type TransportSnapshot struct {
	ConnectionsTotal        int
	ConnectionsQUIC         int
	ConnectionsWebSocket    int
	UniquePrincipals        int
	MigrationsInProgress    int
	MigrationsCompletedTotal uint64
	MigrationsFailedTotal   uint64
	Performance             Snapshot
	QUICToWebSocketRatio    float64
	UptimeSeconds           float64
	Timestamp               time.Time
}

// Snapshot assembles the current TransportSnapshot from the registry and
// metrics collector.
func (s *TransportServer) Snapshot() TransportSnapshot {
	now := s.now()
	quicCount := s.registry.CountByTransport(TransportQUIC)
	wsCount := s.registry.CountByTransport(TransportWebSocket)

	ratio := 0.0
	if wsCount > 0 {
		ratio = float64(quicCount) / float64(wsCount)
	} else if quicCount > 0 {
		ratio = float64(quicCount)
	}

	perf := s.metrics.Snapshot()
	return TransportSnapshot{
		ConnectionsTotal:         s.registry.Count(),
		ConnectionsQUIC:          quicCount,
		ConnectionsWebSocket:     wsCount,
		UniquePrincipals:         s.registry.UniquePrincipals(),
		MigrationsInProgress:     len(s.registry.MigratingConnections()),
		MigrationsCompletedTotal: perf.MigrationsCompleted,
		MigrationsFailedTotal:    perf.MigrationsFailed,
		Performance:              perf,
		QUICToWebSocketRatio:     ratio,
		UptimeSeconds:            s.metrics.Uptime(now).Seconds(),
		Timestamp:                now,
	}
}

// State reports the current lifecycle state.
func (s *TransportServer) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr reports the bound local address once Initialize has succeeded.
func (s *TransportServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Initialize loads TLS material, builds QUIC transport parameters from
// Config, and binds the UDP listener. It is idempotent only from
// NotInitialized; calling it again returns ErrAlreadyRunning once Running.
func (s *TransportServer) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.CertPath, s.cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("%w: loading TLS material: %w", ErrEndpoint, err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3"},
	}
	quicConf := &quic.Config{
		MaxIncomingStreams:    int64(s.cfg.MaxStreamsPerConnection),
		MaxIncomingUniStreams: int64(s.cfg.MaxStreamsPerConnection),
		MaxIdleTimeout:        s.cfg.IdleTimeout,
		KeepAlivePeriod:       s.cfg.KeepAliveInterval,
	}

	ln, err := s.listen(s.cfg.SocketAddr(), tlsConf, quicConf)
	if err != nil {
		return fmt.Errorf("%w: binding UDP listener: %w", ErrEndpoint, err)
	}

	s.ln = ln
	s.boundAddr = ln.Addr()
	s.state = StateInitialized
	s.log.Info("quic transport initialized", zap.Stringer("addr", s.boundAddr))
	return nil
}

// Start requires Initialized state and cfg.Enabled, then launches the
// accept loop and the registry's background loops.
func (s *TransportServer) Start() error {
	s.mu.Lock()
	if s.state != StateInitialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return fmt.Errorf("%w: quic transport disabled", ErrNotRunning)
	}
	s.state = StateRunning
	s.stop = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(5)
	go func() { defer s.wg.Done(); s.registry.RunKeepAliveLoop(s.stop) }()
	go func() { defer s.wg.Done(); s.registry.RunIdleTimeoutLoop(s.stop) }()
	go func() { defer s.wg.Done(); s.registry.RunMigrationMonitor(s.stop, time.Second) }()
	go func() { defer s.wg.Done(); s.metrics.RunThroughputMonitor(s.stop, 5*time.Second) }()
	go func() { defer s.wg.Done(); s.acceptLoop() }()

	s.metrics.RecordServerStarted(s.now())
	s.log.Info("quic transport started")
	return nil
}

// Stop closes the listener and waits for every spawned task to observe the
// close and exit. The listener is closed with Close, which carries no
// application error code.
func (s *TransportServer) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.state = StateShuttingDown
	stop := s.stop
	ln := s.ln
	s.mu.Unlock()

	close(stop)
	if ln != nil {
		_ = ln.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.metrics.RecordServerStopped(s.now())
	s.log.Info("quic transport stopped")
	return nil
}

// acceptLoop accepts incoming QUIC handshakes until the listener closes,
// spawning one handleConnection task per accepted connection. A transient
// Accept error is logged and retried with backoff instead of spinning; an
// Accept error seen after Stop has closed the stop channel ends the loop
// ("poison pill" exit), as does the retry policy giving up.
func (s *TransportServer) acceptLoop() {
	ctx := context.Background()
	policy := s.retryPolicyFactory.NewPolicy(ctx)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn, err := s.ln.Accept(ctx)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			next, retryOK := policy.Next()
			if !retryOK {
				s.log.Error("accept loop giving up after repeated errors", zap.Error(err))
				return
			}
			s.log.Warn("accept error, retrying", zap.Error(err), zap.Duration("backoff", next))
			select {
			case <-time.After(next):
			case <-s.stop:
				return
			}
			continue
		}

		policy = s.retryPolicyFactory.NewPolicy(ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the full per-connection lifecycle: accept the
// control stream, authenticate, register, spawn the migration watcher, and
// serve subsequent streams until the connection closes.
func (s *TransportServer) handleConnection(conn RawConnection) {
	ctx := context.Background()
	id := NewConnectionID()

	if err := s.registry.RegisterQUIC(id, quicConnAdapter{raw: conn}); err != nil {
		s.log.Error("failed to register pre-auth connection", zap.Error(err))
		_ = conn.CloseWithError(acceptCloseErrorCode, "registration failed")
		return
	}
	if err := s.allocator.RegisterConnection(id); err != nil {
		s.log.Error("failed to register stream allocator state", zap.Error(err))
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.log.Warn("failed to accept control stream", zap.Error(err))
		s.teardown(id, Principal{}, conn, "control stream accept failed")
		return
	}
	controlStreamID := uint64(stream.StreamID())
	controlType, controlTracked := s.allocator.ObserveAcceptedStream(id, controlStreamID)
	if controlTracked {
		s.metrics.RecordStreamAllocated(id, controlType)
	}

	s.metrics.RecordAuthAttempt(id)
	identity, err := s.auth.AuthenticateConnection(ctx, stream)
	if controlTracked {
		if relErr := s.allocator.ReleaseStream(id, controlStreamID); relErr == nil {
			s.metrics.RecordStreamReleased(id, controlType)
		}
	}
	if err != nil {
		s.metrics.RecordAuthFailure(id, authErrorCode(err))
		s.log.Info("authentication failed", zap.Error(err))
		s.teardown(id, Principal{}, conn, "authentication failed")
		_ = conn.CloseWithError(acceptCloseErrorCode, "authentication failed")
		return
	}

	if err := s.registry.Authenticate(id, identity.Principal); err != nil {
		s.log.Error("failed to authenticate registered connection", zap.Error(err))
		s.teardown(id, identity.Principal, conn, "post-auth registration failed")
		return
	}
	s.metrics.RecordConnectionEstablished(id)
	s.metrics.RecordAuthSuccess(id, identity.Principal)
	s.log.Info("connection authenticated",
		zap.String("connection", id.String()),
		zap.String("principal", identity.Principal.String()))

	connStop := make(chan struct{})
	var watcherWG sync.WaitGroup
	watcherWG.Add(1)
	go func() {
		defer watcherWG.Done()
		s.watchMigration(id, conn, connStop)
	}()

	s.serveStreams(ctx, id, identity.Principal, conn)

	close(connStop)
	watcherWG.Wait()
	s.teardown(id, identity.Principal, conn, "connection closed")
}

// serveStreams accepts every subsequent stream on conn and dispatches each
// to the router, until AcceptStream fails (the connection is closing).
func (s *TransportServer) serveStreams(ctx context.Context, id ConnectionID, principal Principal, conn RawConnection) {
	var streamsWG sync.WaitGroup
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			break
		}
		streamsWG.Add(1)
		go func() {
			defer streamsWG.Done()
			s.handleStream(ctx, id, principal, stream)
		}()
	}
	streamsWG.Wait()
}

// handleStream reads exactly one length-prefixed frame from stream and
// routes it; a handler error terminates only this stream.
func (s *TransportServer) handleStream(ctx context.Context, id ConnectionID, principal Principal, stream Stream) {
	streamID := uint64(stream.StreamID())
	streamType, tracked := s.allocator.ObserveAcceptedStream(id, streamID)
	if tracked {
		s.metrics.RecordStreamAllocated(id, streamType)
	}
	defer func() {
		stream.Close()
		if !tracked {
			return
		}
		if err := s.allocator.ReleaseStream(id, streamID); err != nil {
			s.log.Debug("failed to release stream allocation", zap.String("connection", id.String()), zap.Error(err))
			return
		}
		s.metrics.RecordStreamReleased(id, streamType)
	}()

	payload, err := ReadFrame(stream, maxControlFrameBytes)
	if err != nil {
		s.log.Debug("failed to read application frame", zap.String("connection", id.String()), zap.Error(err))
		return
	}

	if err := s.registry.UpdateActivity(id); err != nil {
		s.log.Debug("activity update failed for unknown connection", zap.String("connection", id.String()), zap.Error(err))
		return
	}

	if err := s.router.HandleFrame(ctx, id, principal, payload); err != nil {
		s.log.Debug("router rejected frame", zap.String("connection", id.String()), zap.Error(err))
	}
}

// watchMigration polls RemoteAddr once per second, transitioning the
// connection Stable -> Migrating -> Stable the instant a change is observed.
// quic-go exposes no migration-event callback, so detection is driven by
// this poller rather than the handshake layer.
func (s *TransportServer) watchMigration(id ConnectionID, conn RawConnection, stop <-chan struct{}) {
	ticker := time.NewTicker(migrationPollInterval)
	defer ticker.Stop()

	last := conn.RemoteAddr().String()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := conn.RemoteAddr().String()
			if current == last {
				continue
			}
			last = current

			if err := s.registry.StartMigration(id); err != nil {
				continue
			}
			s.metrics.RecordMigrationStarted(id)
			if err := s.registry.CompleteMigration(id); err != nil {
				s.log.Warn("migration completion failed", zap.String("connection", id.String()), zap.Error(err))
				continue
			}
			s.metrics.RecordMigrationCompleted(id)
		}
	}
}

func (s *TransportServer) teardown(id ConnectionID, principal Principal, conn RawConnection, reason string) {
	s.allocator.UnregisterConnection(id)
	if !principal.IsZero() {
		s.router.EndCallsFor(principal)
	}
	if err := s.registry.Unregister(id); err != nil {
		s.log.Debug("unregister on teardown failed", zap.String("connection", id.String()), zap.Error(err))
	}
	s.metrics.RecordConnectionClosed(id)
	s.log.Info("connection torn down", zap.String("connection", id.String()), zap.String("reason", reason))
}
