package quictransport

import (
	"fmt"
	"sync"
	"time"

	"github.com/xmidt-org/eventor"
)

// latencyRingSize bounds the window kept for the latency histogram: 1000
// samples.
const latencyRingSize = 1000

// highLatencyThreshold is the round-trip sample above which RecordLatency
// also publishes a "high_latency" diagnostic event.
const highLatencyThreshold = 500 * time.Millisecond

// lowThroughputThreshold is the messages-per-second floor below which
// RunThroughputMonitor publishes a "low_throughput" diagnostic event.
const lowThroughputThreshold = 1.0

// DiagnosticEvent is published whenever a notable lifecycle transition
// happens: connection established/closed/timed out, auth attempt/success/
// failure, stream allocation, message send/receive, migration start/end,
// and latency/throughput threshold crossings.
type DiagnosticEvent struct {
	Kind       string
	Connection ConnectionID
	Principal  Principal
	At         time.Time
	Detail     string
}

// DiagnosticListener observes DiagnosticEvents, registered through an
// eventor.Eventor[T].
type DiagnosticListener func(DiagnosticEvent)

// Metrics aggregates counters and a bounded latency window for the
// transport server, and fans lifecycle events out to registered listeners.
type Metrics struct {
	mu sync.Mutex

	connectionsTotal       uint64
	disconnectsTotal       uint64
	connectionTimeoutsTotal uint64
	authAttemptsTotal      uint64
	authSuccessesTotal     uint64
	authFailuresTotal      uint64
	migrationsStarted      uint64
	migrationsCompleted    uint64
	migrationsFailed       uint64

	messagesSent     uint64
	messagesReceived uint64
	bytesSent        uint64
	bytesReceived    uint64

	streamsAllocated uint64
	streamsReleased  uint64

	latencies    [latencyRingSize]time.Duration
	latencyCount int
	latencyNext  int
	latencySum   time.Duration
	latencyPeak  time.Duration

	listeners eventor.Eventor[DiagnosticListener]
	now       Clock

	startedAt  time.Time
	hasStarted bool
}

// NewMetrics builds an empty Metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{now: time.Now}
}

// RecordServerStarted stamps the uptime clock and publishes a
// "server_started" diagnostic event.
func (m *Metrics) RecordServerStarted(now time.Time) {
	m.mu.Lock()
	m.startedAt = now
	m.hasStarted = true
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "server_started", At: now})
}

// RecordServerStopped publishes a "server_stopped" diagnostic event.
func (m *Metrics) RecordServerStopped(now time.Time) {
	m.publish(DiagnosticEvent{Kind: "server_stopped", At: now})
}

// Uptime reports the duration since RecordServerStarted, or zero if the
// server has not started.
func (m *Metrics) Uptime(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasStarted {
		return 0
	}
	return now.Sub(m.startedAt)
}

// AddListener registers a DiagnosticListener, returning a CancelFunc that
// removes it.
func (m *Metrics) AddListener(l DiagnosticListener) func() {
	return m.listeners.Add(l)
}

func (m *Metrics) publish(evt DiagnosticEvent) {
	if evt.At.IsZero() {
		evt.At = m.clock()()
	}
	m.listeners.Visit(func(l DiagnosticListener) {
		l(evt)
	})
}

func (m *Metrics) clock() Clock {
	if m.now != nil {
		return m.now
	}
	return time.Now
}

// RecordConnectionEstablished increments the connection counter and
// publishes a "connection_established" diagnostic event.
func (m *Metrics) RecordConnectionEstablished(id ConnectionID) {
	m.mu.Lock()
	m.connectionsTotal++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "connection_established", Connection: id})
}

// RecordConnectionClosed increments the disconnect counter and publishes a
// "connection_closed" diagnostic event.
func (m *Metrics) RecordConnectionClosed(id ConnectionID) {
	m.mu.Lock()
	m.disconnectsTotal++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "connection_closed", Connection: id})
}

// RecordConnectionTimeout increments the disconnect counter and publishes a
// "connection_timeout" diagnostic event, for a connection unregistered by
// the idle-timeout loop rather than an explicit close.
func (m *Metrics) RecordConnectionTimeout(id ConnectionID) {
	m.mu.Lock()
	m.disconnectsTotal++
	m.connectionTimeoutsTotal++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "connection_timeout", Connection: id})
}

// RecordAuthAttempt increments the auth-attempt counter and publishes an
// "auth_attempt" diagnostic event, fired before the token is verified.
func (m *Metrics) RecordAuthAttempt(id ConnectionID) {
	m.mu.Lock()
	m.authAttemptsTotal++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "auth_attempt", Connection: id})
}

// RecordAuthSuccess increments the auth-success counter and publishes an
// "auth_success" diagnostic event carrying the principal.
func (m *Metrics) RecordAuthSuccess(id ConnectionID, principal Principal) {
	m.mu.Lock()
	m.authSuccessesTotal++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "auth_success", Connection: id, Principal: principal})
}

// RecordAuthFailure increments the auth-failure counter and publishes an
// "auth_failure" diagnostic event carrying the error code as Detail.
func (m *Metrics) RecordAuthFailure(id ConnectionID, code string) {
	m.mu.Lock()
	m.authFailuresTotal++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "auth_failure", Connection: id, Detail: code})
}

// RecordStreamAllocated publishes a "stream_allocated" diagnostic event
// carrying the MessageType as Detail, fired whenever the stream allocator
// hands out or registers a stream id.
func (m *Metrics) RecordStreamAllocated(id ConnectionID, t MessageType) {
	m.mu.Lock()
	m.streamsAllocated++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "stream_allocated", Connection: id, Detail: t.String()})
}

// RecordStreamReleased publishes a "stream_released" diagnostic event
// carrying the MessageType as Detail.
func (m *Metrics) RecordStreamReleased(id ConnectionID, t MessageType) {
	m.mu.Lock()
	m.streamsReleased++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "stream_released", Connection: id, Detail: t.String()})
}

// RecordMigrationStarted increments the migration-started counter.
func (m *Metrics) RecordMigrationStarted(id ConnectionID) {
	m.mu.Lock()
	m.migrationsStarted++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "migration_started", Connection: id})
}

// RecordMigrationCompleted increments the migration-completed counter.
func (m *Metrics) RecordMigrationCompleted(id ConnectionID) {
	m.mu.Lock()
	m.migrationsCompleted++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "migration_completed", Connection: id})
}

// RecordMigrationFailed increments the migration-failed counter.
func (m *Metrics) RecordMigrationFailed(id ConnectionID) {
	m.mu.Lock()
	m.migrationsFailed++
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "migration_failed", Connection: id})
}

// RecordMessageReceived accounts for one inbound application frame of size
// bytes, counted at the point the router accepts a frame off the wire, and
// publishes a "message_received" diagnostic event.
func (m *Metrics) RecordMessageReceived(id ConnectionID, bytes int) {
	m.mu.Lock()
	m.messagesReceived++
	m.bytesReceived += uint64(bytes)
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "message_received", Connection: id, Detail: fmt.Sprintf("%d bytes", bytes)})
}

// RecordMessageSent accounts for one outbound payload of size bytes, counted
// at the registry's single send chokepoint (ConnectionRegistry.SendMessage),
// and publishes a "message_sent" diagnostic event.
func (m *Metrics) RecordMessageSent(id ConnectionID, bytes int) {
	m.mu.Lock()
	m.messagesSent++
	m.bytesSent += uint64(bytes)
	m.mu.Unlock()
	m.publish(DiagnosticEvent{Kind: "message_sent", Connection: id, Detail: fmt.Sprintf("%d bytes", bytes)})
}

// RecordLatency adds a sample to the bounded latency window, overwriting the
// oldest sample once the window fills, and publishes a "high_latency"
// diagnostic event when the sample exceeds highLatencyThreshold. The
// registry calls this with the open-write-close duration of a SendMessage
// stream and the open-close duration of a SendKeepAlive stream.
func (m *Metrics) RecordLatency(id ConnectionID, d time.Duration) {
	m.mu.Lock()
	if m.latencyCount == latencyRingSize {
		m.latencySum -= m.latencies[m.latencyNext]
	} else {
		m.latencyCount++
	}
	m.latencies[m.latencyNext] = d
	m.latencySum += d
	if d > m.latencyPeak {
		m.latencyPeak = d
	}
	m.latencyNext = (m.latencyNext + 1) % latencyRingSize
	m.mu.Unlock()

	if d > highLatencyThreshold {
		m.publish(DiagnosticEvent{Kind: "high_latency", Connection: id, Detail: d.String()})
	}
}

// RunThroughputMonitor samples the combined send/receive message rate every
// interval and publishes a "low_throughput" diagnostic event whenever it
// falls below lowThroughputThreshold messages per second. It never fires
// before the first message has been recorded, so a freshly started, still-
// idle server does not spam the listener.
func (m *Metrics) RunThroughputMonitor(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSent, lastReceived uint64
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			sent, received := m.messagesSent, m.messagesReceived
			m.mu.Unlock()

			total := (sent - lastSent) + (received - lastReceived)
			lastSent, lastReceived = sent, received
			if sent == 0 && received == 0 {
				continue
			}

			rate := float64(total) / interval.Seconds()
			if rate < lowThroughputThreshold {
				m.publish(DiagnosticEvent{Kind: "low_throughput", Detail: fmt.Sprintf("%.2f msg/s", rate)})
			}
		}
	}
}

// Snapshot is a point-in-time view of the accumulated counters, suitable
// for exposing via a diagnostics endpoint.
type Snapshot struct {
	ConnectionsTotal        uint64
	DisconnectsTotal        uint64
	ConnectionTimeoutsTotal uint64
	AuthAttemptsTotal       uint64
	AuthSuccessesTotal      uint64
	AuthFailuresTotal       uint64
	MigrationsStarted       uint64
	MigrationsCompleted     uint64
	MigrationsFailed        uint64
	MessagesSent            uint64
	MessagesReceived        uint64
	BytesSent               uint64
	BytesReceived           uint64
	StreamsAllocated        uint64
	StreamsReleased         uint64
	LatencySamples          int
	LatencyMean             time.Duration
	LatencyPeak             time.Duration
}

// Snapshot returns the current counters and latency statistics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		ConnectionsTotal:        m.connectionsTotal,
		DisconnectsTotal:        m.disconnectsTotal,
		ConnectionTimeoutsTotal: m.connectionTimeoutsTotal,
		AuthAttemptsTotal:       m.authAttemptsTotal,
		AuthSuccessesTotal:      m.authSuccessesTotal,
		AuthFailuresTotal:       m.authFailuresTotal,
		MigrationsStarted:       m.migrationsStarted,
		MigrationsCompleted:     m.migrationsCompleted,
		MigrationsFailed:        m.migrationsFailed,
		MessagesSent:            m.messagesSent,
		MessagesReceived:        m.messagesReceived,
		BytesSent:               m.bytesSent,
		BytesReceived:           m.bytesReceived,
		StreamsAllocated:        m.streamsAllocated,
		StreamsReleased:         m.streamsReleased,
		LatencySamples:          m.latencyCount,
		LatencyPeak:             m.latencyPeak,
	}
	if m.latencyCount > 0 {
		s.LatencyMean = m.latencySum / time.Duration(m.latencyCount)
	}
	return s
}
