package quictransport

import (
	"context"
	"time"
)

// VerifiedIdentity is what a TokenVerifier produces from a valid token.
type VerifiedIdentity struct {
	Principal   Principal
	DisplayName string
}

// TokenVerifier authenticates the token presented in an AuthRequest. A
// concrete implementation lives in internal/authjwt; it is kept as an
// interface here so the handshake can be tested without real JWTs and so
// alternative verification schemes can be swapped in.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (VerifiedIdentity, error)
}

// ChatParticipation is the external collaborator that knows which chats a
// principal belongs to and how to reach call-signaling infrastructure. Real
// deployments back this with a database; the check is fail-closed on
// infrastructure errors.
type ChatParticipation interface {
	IsParticipant(ctx context.Context, chatID, principal Principal) (bool, error)
	MediaSoupURL() string
}

// WebSocketSender delivers an already-framed payload to a WebSocket
// connection. It is the seam the registry uses for the non-QUIC half of
// SendMessage/Broadcast.
type WebSocketSender func(id ConnectionID, payload []byte) error

// Clock abstracts time.Now for deterministic tests of the idle-timeout and
// migration-timeout loops.
type Clock func() time.Time
