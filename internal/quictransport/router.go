package quictransport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxControlFrameBytes bounds an ordinary application frame read off a
// stream once its length prefix has been read. Control-class messages
// (typing, join/leave, call signalling) are small; file-transfer streams are
// handled by the external collaborator and are not read through this path.
const maxControlFrameBytes = 1 << 20 // 1 MiB

// ReadFrame reads one length-prefixed frame from r: a 4-byte big-endian
// length followed by that many bytes. It is the same framing the
// Authenticator uses on the control stream, reused here for every other
// stream with a larger ceiling.
func ReadFrame(r io.Reader, maxBytes uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxBytes {
		return nil, ErrInvalidFormat
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// InboundEvent is the shape of every client->server application frame: a
// snake_case event tag plus an opaque payload decoded per-tag.
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is the shape of every server->client frame.
type ServerEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type chatIDPayload struct {
	ChatID string `json:"chatId"`
}

type initiateCallPayload struct {
	TargetUserID string `json:"targetUserId"`
	ChatID       string `json:"chatId"`
	CallType     string `json:"callType"`
}

type callIDPayload struct {
	CallID string `json:"callId"`
}

type typingEventData struct {
	ChatID    string `json:"chatId"`
	Principal string `json:"userId"`
	Typing    bool   `json:"typing"`
}

type errorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type callInitiatedEventData struct {
	CallID string `json:"callId"`
	RoomID string `json:"roomId"`
}

type incomingCallEventData struct {
	CallID   string `json:"callId"`
	RoomID   string `json:"roomId"`
	CallerID string `json:"callerId"`
	CallType string `json:"callType"`
}

type callAcceptedEventData struct {
	CallID         string `json:"callId"`
	RoomID         string `json:"roomId"`
	MediaServerURL string `json:"mediaServerUrl"`
}

type callDeclinedEventData struct {
	CallID string `json:"callId"`
}

type callEndedEventData struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

// IDGenerator produces opaque identifiers for call sessions and rooms. In
// production this is NewConnectionID().String(); tests may substitute a
// deterministic sequence.
type IDGenerator func() string

// MessageRouter decodes length-delimited JSON frames from authenticated
// connections and dispatches them to chat/call handling. It owns the
// transient call-session table and the in-memory chat-room membership used
// for typing broadcasts; durable chat data lives in the ChatParticipation
// collaborator.
type MessageRouter struct {
	registry      *ConnectionRegistry
	participation ChatParticipation
	metrics       *Metrics
	log           *zap.Logger
	now           Clock

	calls *callSessionStore

	roomsMu sync.Mutex
	rooms   map[Principal]map[Principal]struct{}
}

// RouterOption configures optional MessageRouter collaborators.
type RouterOption func(*MessageRouter)

func WithRouterLogger(log *zap.Logger) RouterOption {
	return func(m *MessageRouter) {
		if log != nil {
			m.log = log
		}
	}
}

func WithRouterMetrics(metrics *Metrics) RouterOption {
	return func(m *MessageRouter) {
		m.metrics = metrics
	}
}

func WithRouterClock(now Clock) RouterOption {
	return func(m *MessageRouter) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMessageRouter builds a MessageRouter. idGen defaults to generating
// random UUIDs via NewConnectionID when nil.
func NewMessageRouter(registry *ConnectionRegistry, participation ChatParticipation, idGen IDGenerator, opts ...RouterOption) *MessageRouter {
	if idGen == nil {
		idGen = func() string { return NewConnectionID().String() }
	}
	m := &MessageRouter{
		registry:      registry,
		participation: participation,
		log:           zap.NewNop(),
		now:           time.Now,
		calls:         newCallSessionStore(idGen),
		rooms:         make(map[Principal]map[Principal]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleFrame parses one application frame from sender and dispatches it.
// Parse failures and policy rejections are reported back to senderConn as a
// structured error event and are also returned, wrapped, to the caller;
// router-level failures never close the connection.
func (m *MessageRouter) HandleFrame(ctx context.Context, senderConn ConnectionID, sender Principal, payload []byte) error {
	if m.metrics != nil {
		m.metrics.RecordMessageReceived(senderConn, len(payload))
	}

	var evt InboundEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed event frame")
		return fmt.Errorf("%w: %w", ErrParse, err)
	}

	var err error
	switch evt.Event {
	case "start_typing":
		err = m.handleTyping(ctx, senderConn, sender, evt.Data, true)
	case "stop_typing":
		err = m.handleTyping(ctx, senderConn, sender, evt.Data, false)
	case "join_chat":
		err = m.handleJoinLeave(ctx, senderConn, sender, evt.Data, true)
	case "leave_chat":
		err = m.handleJoinLeave(ctx, senderConn, sender, evt.Data, false)
	case "ping":
		// Activity is already stamped by the caller before HandleFrame runs.
		return nil
	case "initiate_call":
		err = m.handleInitiateCall(ctx, senderConn, sender, evt.Data)
	case "accept_call":
		err = m.handleAcceptCall(senderConn, sender, evt.Data)
	case "decline_call":
		err = m.handleDeclineCall(senderConn, sender, evt.Data)
	case "end_call":
		err = m.handleEndCall(senderConn, sender, evt.Data)
	default:
		m.sendError(senderConn, "UNKNOWN_EVENT", "unrecognized event: "+evt.Event)
		return fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Event)
	}

	if err != nil {
		m.log.Debug("router handler returned error", zap.String("event", evt.Event), zap.Error(err))
	}
	return err
}

func (m *MessageRouter) handleTyping(ctx context.Context, senderConn ConnectionID, sender Principal, raw json.RawMessage, typing bool) error {
	var p chatIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed chat payload")
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	chatID, err := ParsePrincipal(p.ChatID)
	if err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed chatId")
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	ok, err := m.participation.IsParticipant(ctx, chatID, sender)
	if err != nil || !ok {
		m.sendError(senderConn, "NOT_PARTICIPANT", "not a participant of this chat")
		return ErrNotParticipant
	}

	m.broadcastToRoom(chatID, sender, ServerEvent{
		Event: "typing",
		Data:  typingEventData{ChatID: p.ChatID, Principal: sender.String(), Typing: typing},
	})
	return nil
}

func (m *MessageRouter) handleJoinLeave(ctx context.Context, senderConn ConnectionID, sender Principal, raw json.RawMessage, join bool) error {
	var p chatIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed chat payload")
		return fmt.Errorf("%w: %w", ErrParse, err)
	}
	chatID, err := ParsePrincipal(p.ChatID)
	if err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed chatId")
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	ok, err := m.participation.IsParticipant(ctx, chatID, sender)
	if err != nil || !ok {
		m.sendError(senderConn, "NOT_PARTICIPANT", "not a participant of this chat")
		return ErrNotParticipant
	}

	m.roomsMu.Lock()
	defer m.roomsMu.Unlock()
	if join {
		members, ok := m.rooms[chatID]
		if !ok {
			members = make(map[Principal]struct{})
			m.rooms[chatID] = members
		}
		members[sender] = struct{}{}
		return nil
	}
	if members, ok := m.rooms[chatID]; ok {
		delete(members, sender)
		if len(members) == 0 {
			delete(m.rooms, chatID)
		}
	}
	return nil
}

// broadcastToRoom sends evt to every member of chatID's room except
// excluding, ignoring per-member delivery failures.
func (m *MessageRouter) broadcastToRoom(chatID, excluding Principal, evt ServerEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		m.log.Warn("failed to serialize server event", zap.String("event", evt.Event), zap.Error(err))
		return
	}

	m.roomsMu.Lock()
	members := make([]Principal, 0, len(m.rooms[chatID]))
	for p := range m.rooms[chatID] {
		if p != excluding {
			members = append(members, p)
		}
	}
	m.roomsMu.Unlock()

	for _, member := range members {
		if err := m.registry.Broadcast(member, payload); err != nil {
			m.log.Debug("room broadcast failed for member", zap.String("principal", member.String()), zap.Error(err))
		}
	}
}

func (m *MessageRouter) handleInitiateCall(ctx context.Context, senderConn ConnectionID, caller Principal, raw json.RawMessage) error {
	var p initiateCallPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed call payload")
		return fmt.Errorf("%w: %w", ErrParse, err)
	}

	kind := CallKind(p.CallType)
	if kind != CallVoice && kind != CallVideo {
		m.sendError(senderConn, "INVALID_CALL_TYPE", "call type must be voice or video")
		return ErrInvalidCallType
	}

	callee, err := ParsePrincipal(p.TargetUserID)
	if err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed targetUserId")
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	chatID, err := ParsePrincipal(p.ChatID)
	if err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed chatId")
		return fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}

	if callerOK, err := m.participation.IsParticipant(ctx, chatID, caller); err != nil || !callerOK {
		m.sendError(senderConn, "NOT_PARTICIPANT", "caller is not a participant of this chat")
		return ErrNotParticipant
	}
	if calleeOK, err := m.participation.IsParticipant(ctx, chatID, callee); err != nil || !calleeOK {
		m.sendError(senderConn, "NOT_PARTICIPANT", "callee is not a participant of this chat")
		return ErrNotParticipant
	}

	if !m.registry.IsConnected(callee) {
		m.sendError(senderConn, "USER_OFFLINE", "target user is offline")
		return ErrUserOffline
	}

	if m.calls.busy(caller) {
		m.sendError(senderConn, "ALREADY_IN_CALL", "caller is already in a call")
		return ErrAlreadyInCall
	}

	if m.calls.busy(callee) {
		// Create a transient session purely to report its call id to the
		// caller, then tear it down immediately.
		transient := m.calls.create(chatID, caller, callee, kind, m.now())
		m.calls.end(transient.CallID)
		m.sendTo(caller, ServerEvent{Event: "error", Data: errorEventData{Code: "USER_BUSY", Message: transient.CallID}})
		return ErrCalleeBusy
	}

	session := m.calls.create(chatID, caller, callee, kind, m.now())
	m.sendTo(caller, ServerEvent{Event: "call_initiated", Data: callInitiatedEventData{CallID: session.CallID, RoomID: session.RoomID}})
	m.sendTo(callee, ServerEvent{Event: "incoming_call", Data: incomingCallEventData{
		CallID:   session.CallID,
		RoomID:   session.RoomID,
		CallerID: caller.String(),
		CallType: string(kind),
	}})
	return nil
}

func (m *MessageRouter) handleAcceptCall(senderConn ConnectionID, sender Principal, raw json.RawMessage) error {
	var p callIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed call payload")
		return fmt.Errorf("%w: %w", ErrParse, err)
	}

	session, ok := m.calls.get(p.CallID)
	if !ok {
		m.sendError(senderConn, "CALL_NOT_FOUND", "call not found")
		return ErrCallNotFound
	}
	if session.Callee != sender {
		m.sendError(senderConn, "NOT_CALLEE", "only the callee may accept a call")
		return ErrNotCallee
	}

	if _, err := m.calls.activate(p.CallID); err != nil {
		m.sendError(senderConn, "CALL_NOT_FOUND", "call not found")
		return err
	}

	data := callAcceptedEventData{CallID: session.CallID, RoomID: session.RoomID, MediaServerURL: m.participation.MediaSoupURL()}
	m.sendTo(session.Caller, ServerEvent{Event: "call_accepted", Data: data})
	m.sendTo(session.Callee, ServerEvent{Event: "call_accepted", Data: data})
	return nil
}

func (m *MessageRouter) handleDeclineCall(senderConn ConnectionID, sender Principal, raw json.RawMessage) error {
	var p callIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed call payload")
		return fmt.Errorf("%w: %w", ErrParse, err)
	}

	session, ok := m.calls.get(p.CallID)
	if !ok {
		m.sendError(senderConn, "CALL_NOT_FOUND", "call not found")
		return ErrCallNotFound
	}
	if session.Callee != sender {
		m.sendError(senderConn, "NOT_CALLEE", "only the callee may decline a call")
		return ErrNotCallee
	}

	if _, err := m.calls.end(p.CallID); err != nil {
		m.sendError(senderConn, "CALL_NOT_FOUND", "call not found")
		return err
	}

	m.sendTo(session.Caller, ServerEvent{Event: "call_declined", Data: callDeclinedEventData{CallID: session.CallID}})
	return nil
}

func (m *MessageRouter) handleEndCall(senderConn ConnectionID, sender Principal, raw json.RawMessage) error {
	var p callIDPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		m.sendError(senderConn, "INVALID_FORMAT", "malformed call payload")
		return fmt.Errorf("%w: %w", ErrParse, err)
	}

	session, ok := m.calls.get(p.CallID)
	if !ok {
		m.sendError(senderConn, "CALL_NOT_FOUND", "call not found")
		return ErrCallNotFound
	}
	if session.Caller != sender && session.Callee != sender {
		m.sendError(senderConn, "NOT_CALL_PARTY", "not a party to this call")
		return ErrNotCallParty
	}

	if _, err := m.calls.end(p.CallID); err != nil {
		m.sendError(senderConn, "CALL_NOT_FOUND", "call not found")
		return err
	}

	data := callEndedEventData{CallID: session.CallID, Reason: "ended"}
	m.sendTo(session.Caller, ServerEvent{Event: "call_ended", Data: data})
	m.sendTo(session.Callee, ServerEvent{Event: "call_ended", Data: data})
	return nil
}

// EndCallsFor tears down every in-flight call session belonging to
// principal, notifying the other party. TransportServer calls this when a
// connection disconnects so an in-progress call doesn't hang silently.
func (m *MessageRouter) EndCallsFor(principal Principal) {
	for _, session := range m.calls.endAllFor(principal) {
		other := session.Caller
		if other == principal {
			other = session.Callee
		}
		m.sendTo(other, ServerEvent{Event: "call_ended", Data: callEndedEventData{CallID: session.CallID, Reason: "peer disconnected"}})
	}
}

func (m *MessageRouter) sendTo(principal Principal, evt ServerEvent) {
	payload, err := json.Marshal(evt)
	if err != nil {
		m.log.Warn("failed to serialize server event", zap.String("event", evt.Event), zap.Error(err))
		return
	}
	if err := m.registry.Broadcast(principal, payload); err != nil {
		m.log.Debug("send to principal failed", zap.String("principal", principal.String()), zap.String("event", evt.Event), zap.Error(err))
	}
}

func (m *MessageRouter) sendError(conn ConnectionID, code, message string) {
	payload, err := json.Marshal(ServerEvent{Event: "error", Data: errorEventData{Code: code, Message: message}})
	if err != nil {
		return
	}
	if err := m.registry.SendMessage(conn, payload); err != nil {
		m.log.Debug("failed to deliver error event", zap.String("connection", conn.String()), zap.Error(err))
	}
}
