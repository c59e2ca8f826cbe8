package quictransport

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeParticipation is an in-memory ChatParticipation stand-in: every
// principal in members[chatID] is treated as a participant.
type fakeParticipation struct {
	members map[Principal]map[Principal]bool
	err     error
	url     string
}

func (f *fakeParticipation) IsParticipant(_ context.Context, chatID, principal Principal) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.members[chatID][principal], nil
}

func (f *fakeParticipation) MediaSoupURL() string { return f.url }

func sequentialIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return prefix + string(rune('0'+n))
	}
}

func newTestRouter(t *testing.T, part *fakeParticipation, idGen IDGenerator) (*MessageRouter, *ConnectionRegistry) {
	t.Helper()
	registry := NewConnectionRegistry(testConfig())
	router := NewMessageRouter(registry, part, idGen)
	return router, registry
}

func connectPrincipal(t *testing.T, registry *ConnectionRegistry, p Principal) *stubQUICConn {
	t.Helper()
	conn := &stubQUICConn{}
	id := NewConnectionID()
	require.NoError(t, registry.RegisterQUIC(id, conn))
	require.NoError(t, registry.Authenticate(id, p))
	return conn
}

func lastFrame(t *testing.T, conn *stubQUICConn) ServerEvent {
	t.Helper()
	require.NotNil(t, conn.lastStream)
	require.NotEmpty(t, conn.lastStream.written)
	var evt ServerEvent
	require.NoError(t, json.Unmarshal(conn.lastStream.written[len(conn.lastStream.written)-1], &evt))
	return evt
}

func TestRouter_TypingBroadcastsToRoomMembers(t *testing.T) {
	chatID := Principal(NewConnectionID())
	alice := Principal(NewConnectionID())
	bob := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{
		chatID: {alice: true, bob: true},
	}}

	router, registry := newTestRouter(t, part, sequentialIDs("x"))
	connectPrincipal(t, registry, alice)
	bobConn := connectPrincipal(t, registry, bob)

	join := encodeEvent(t, "join_chat", chatIDPayload{ChatID: chatID.String()})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), alice, join))
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), bob, join))

	typing := encodeEvent(t, "start_typing", chatIDPayload{ChatID: chatID.String()})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), alice, typing))

	evt := lastFrame(t, bobConn)
	assert.Equal(t, "typing", evt.Event)
}

func TestRouter_TypingRejectsNonParticipant(t *testing.T) {
	chatID := Principal(NewConnectionID())
	outsider := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{}}

	router, registry := newTestRouter(t, part, sequentialIDs("x"))
	conn := connectPrincipal(t, registry, outsider)

	senderConnID := registry.ConnectionsFor(outsider)[0]
	typing := encodeEvent(t, "start_typing", chatIDPayload{ChatID: chatID.String()})
	err := router.HandleFrame(context.Background(), senderConnID, outsider, typing)
	require.ErrorIs(t, err, ErrNotParticipant)

	evt := lastFrame(t, conn)
	assert.Equal(t, "error", evt.Event)
}

func TestRouter_UnknownEventReportsError(t *testing.T) {
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{}}
	router, registry := newTestRouter(t, part, sequentialIDs("x"))
	sender := Principal(NewConnectionID())
	conn := connectPrincipal(t, registry, sender)
	senderConnID := registry.ConnectionsFor(sender)[0]

	frame, err := json.Marshal(InboundEvent{Event: "do_a_barrel_roll"})
	require.NoError(t, err)

	err = router.HandleFrame(context.Background(), senderConnID, sender, frame)
	require.ErrorIs(t, err, ErrUnknownEvent)
	assert.Equal(t, "error", lastFrame(t, conn).Event)
}

func TestRouter_InitiateCallHappyPath(t *testing.T) {
	chatID := Principal(NewConnectionID())
	caller := Principal(NewConnectionID())
	callee := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{
		chatID: {caller: true, callee: true},
	}}

	router, registry := newTestRouter(t, part, sequentialIDs("call"))
	callerConn := connectPrincipal(t, registry, caller)
	calleeConn := connectPrincipal(t, registry, callee)

	payload := encodeEvent(t, "initiate_call", initiateCallPayload{
		TargetUserID: callee.String(),
		ChatID:       chatID.String(),
		CallType:     "voice",
	})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), caller, payload))

	callerEvt := lastFrame(t, callerConn)
	assert.Equal(t, "call_initiated", callerEvt.Event)

	calleeEvt := lastFrame(t, calleeConn)
	assert.Equal(t, "incoming_call", calleeEvt.Event)
}

func TestRouter_InitiateCallRejectsOfflineCallee(t *testing.T) {
	chatID := Principal(NewConnectionID())
	caller := Principal(NewConnectionID())
	callee := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{
		chatID: {caller: true, callee: true},
	}}

	router, registry := newTestRouter(t, part, sequentialIDs("call"))
	callerConn := connectPrincipal(t, registry, caller)

	payload := encodeEvent(t, "initiate_call", initiateCallPayload{
		TargetUserID: callee.String(),
		ChatID:       chatID.String(),
		CallType:     "voice",
	})
	senderConnID := registry.ConnectionsFor(caller)[0]
	err := router.HandleFrame(context.Background(), senderConnID, caller, payload)
	require.ErrorIs(t, err, ErrUserOffline)
	assert.Equal(t, "error", lastFrame(t, callerConn).Event)
}

func TestRouter_InitiateCallBusyCalleeReportsTransientCallID(t *testing.T) {
	chatID := Principal(NewConnectionID())
	caller := Principal(NewConnectionID())
	callee := Principal(NewConnectionID())
	thirdParty := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{
		chatID: {caller: true, callee: true, thirdParty: true},
	}}

	router, registry := newTestRouter(t, part, sequentialIDs("call"))
	callerConn := connectPrincipal(t, registry, caller)
	connectPrincipal(t, registry, callee)
	connectPrincipal(t, registry, thirdParty)

	// Put callee into an existing call with thirdParty first.
	first := encodeEvent(t, "initiate_call", initiateCallPayload{
		TargetUserID: callee.String(),
		ChatID:       chatID.String(),
		CallType:     "voice",
	})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), thirdParty, first))

	second := encodeEvent(t, "initiate_call", initiateCallPayload{
		TargetUserID: callee.String(),
		ChatID:       chatID.String(),
		CallType:     "voice",
	})
	err := router.HandleFrame(context.Background(), NewConnectionID(), caller, second)
	require.ErrorIs(t, err, ErrCalleeBusy)

	evt := lastFrame(t, callerConn)
	assert.Equal(t, "error", evt.Event)
	data, ok := evt.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "USER_BUSY", data["code"])
	assert.NotEmpty(t, data["message"])

	// thirdParty's earlier call with callee is still in flight.
	assert.True(t, router.calls.busy(thirdParty))
}

func TestRouter_AcceptCallRequiresCallee(t *testing.T) {
	chatID := Principal(NewConnectionID())
	caller := Principal(NewConnectionID())
	callee := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{
		chatID: {caller: true, callee: true},
	}, url: "wss://media.example/room"}

	router, registry := newTestRouter(t, part, sequentialIDs("call"))
	callerConn := connectPrincipal(t, registry, caller)
	calleeConn := connectPrincipal(t, registry, callee)

	initiate := encodeEvent(t, "initiate_call", initiateCallPayload{
		TargetUserID: callee.String(),
		ChatID:       chatID.String(),
		CallType:     "video",
	})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), caller, initiate))
	callID := lastFrame(t, callerConn).Data.(map[string]any)["callId"].(string)

	// Caller may not accept their own call.
	accept := encodeEvent(t, "accept_call", callIDPayload{CallID: callID})
	err := router.HandleFrame(context.Background(), NewConnectionID(), caller, accept)
	require.ErrorIs(t, err, ErrNotCallee)

	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), callee, accept))
	evt := lastFrame(t, calleeConn)
	assert.Equal(t, "call_accepted", evt.Event)
	data := evt.Data.(map[string]any)
	assert.Equal(t, "wss://media.example/room", data["mediaServerUrl"])
}

func TestRouter_EndCallUnknownIDAfterCleanup(t *testing.T) {
	chatID := Principal(NewConnectionID())
	caller := Principal(NewConnectionID())
	callee := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{
		chatID: {caller: true, callee: true},
	}}

	router, registry := newTestRouter(t, part, sequentialIDs("call"))
	callerConn := connectPrincipal(t, registry, caller)
	connectPrincipal(t, registry, callee)

	initiate := encodeEvent(t, "initiate_call", initiateCallPayload{
		TargetUserID: callee.String(),
		ChatID:       chatID.String(),
		CallType:     "voice",
	})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), caller, initiate))
	callID := lastFrame(t, callerConn).Data.(map[string]any)["callId"].(string)

	end := encodeEvent(t, "end_call", callIDPayload{CallID: callID})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), caller, end))

	err := router.HandleFrame(context.Background(), NewConnectionID(), caller, end)
	require.ErrorIs(t, err, ErrCallNotFound)
}

func TestRouter_EndCallsForNotifiesOtherParty(t *testing.T) {
	chatID := Principal(NewConnectionID())
	caller := Principal(NewConnectionID())
	callee := Principal(NewConnectionID())
	part := &fakeParticipation{members: map[Principal]map[Principal]bool{
		chatID: {caller: true, callee: true},
	}}

	router, registry := newTestRouter(t, part, sequentialIDs("call"))
	callerConn := connectPrincipal(t, registry, caller)
	connectPrincipal(t, registry, callee)

	initiate := encodeEvent(t, "initiate_call", initiateCallPayload{
		TargetUserID: callee.String(),
		ChatID:       chatID.String(),
		CallType:     "voice",
	})
	require.NoError(t, router.HandleFrame(context.Background(), NewConnectionID(), caller, initiate))

	router.EndCallsFor(callee)
	evt := lastFrame(t, callerConn)
	assert.Equal(t, "call_ended", evt.Event)
}

func TestRouter_HandleFrameMalformedJSON(t *testing.T) {
	part := &fakeParticipation{}
	router, registry := newTestRouter(t, part, sequentialIDs("x"))
	sender := Principal(NewConnectionID())
	conn := connectPrincipal(t, registry, sender)
	senderConnID := registry.ConnectionsFor(sender)[0]

	err := router.HandleFrame(context.Background(), senderConnID, sender, []byte("{not json"))
	require.ErrorIs(t, err, ErrParse)
	assert.Equal(t, "error", lastFrame(t, conn).Event)
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("payload")))
	got, err := ReadFrame(&buf, maxControlFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))
	_, err := ReadFrame(&buf, 10)
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestRouterClock_OptionOverridesDefault(t *testing.T) {
	part := &fakeParticipation{}
	called := false
	router := NewMessageRouter(NewConnectionRegistry(testConfig()), part, sequentialIDs("x"), WithRouterClock(func() time.Time {
		called = true
		return time.Unix(0, 0)
	}))
	_ = router.now()
	assert.True(t, called)
}

func encodeEvent(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(InboundEvent{Event: event, Data: raw})
	require.NoError(t, err)
	return frame
}
