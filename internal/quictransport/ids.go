package quictransport

import "github.com/google/uuid"

// ConnectionID uniquely identifies one transport connection (QUIC or
// WebSocket) for the lifetime of that connection.
type ConnectionID uuid.UUID

// NewConnectionID generates a fresh, random ConnectionID.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New())
}

func (id ConnectionID) String() string {
	return uuid.UUID(id).String()
}

// Principal identifies the authenticated user/device that owns zero or
// more connections.
type Principal uuid.UUID

// ParsePrincipal parses a textual UUID into a Principal.
func ParsePrincipal(s string) (Principal, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Principal{}, err
	}
	return Principal(u), nil
}

func (p Principal) String() string {
	return uuid.UUID(p).String()
}

func (p Principal) IsZero() bool {
	return p == Principal{}
}
