package quictransport

import "errors"

var (
	// ErrMisconfigured names a misconfigured transport. The functional
	// Options in this package return no error: an invalid value (a nil
	// logger or clock, a non-positive timeout) is ignored instead.
	ErrMisconfigured = errors.New("misconfigured quic transport")

	// Config validation errors.
	ErrInvalidPort              = errors.New("invalid port")
	ErrInvalidMaxConnections    = errors.New("invalid max connections")
	ErrInvalidMaxStreams        = errors.New("invalid max streams per connection")
	ErrInvalidIdleTimeout       = errors.New("invalid idle timeout")
	ErrInvalidKeepAliveInterval = errors.New("keep-alive interval must be smaller than idle timeout")

	// Stream allocator errors.
	ErrConnectionNotRegistered = errors.New("connection not registered")
	ErrConnectionExists        = errors.New("connection already registered")
	ErrStreamRangeExhausted    = errors.New("no stream id available in range")
	ErrStreamNotFound          = errors.New("stream not found")
	ErrUnknownMessageType      = errors.New("unknown message type")

	// Auth errors.
	ErrAuthFrameTooLarge = errors.New("auth frame exceeds maximum size")
	ErrInvalidToken      = errors.New("invalid token")
	ErrTokenExpired      = errors.New("token expired")

	// Registry errors.
	ErrConnectionAlreadyRegistered = errors.New("connection id already registered")
	ErrConnectionUnknown           = errors.New("unknown connection id")
	ErrInvalidConnectionType       = errors.New("operation not valid for this connection type")
	ErrNotMigrating                = errors.New("connection is not migrating")
	ErrNotStable                   = errors.New("connection is not in a stable state")
	ErrNoPrincipalConnections      = errors.New("principal has no active connections")

	// Router errors.
	ErrParse            = errors.New("failed to parse client event")
	ErrSerialize        = errors.New("failed to serialize server event")
	ErrNotAuthorized    = errors.New("handler rejected event")
	ErrInvalidFormat    = errors.New("invalid event format")
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrNotParticipant   = errors.New("principal is not a chat participant")
	ErrUnknownEvent     = errors.New("unrecognized event tag")

	// Call-signalling errors.
	ErrCallNotFound     = errors.New("call not found")
	ErrCallNotPending   = errors.New("call is not pending")
	ErrUserOffline      = errors.New("target user is offline")
	ErrAlreadyInCall    = errors.New("caller is already in a call")
	ErrCalleeBusy       = errors.New("callee is already in a call")
	ErrInvalidCallType  = errors.New("invalid call type")
	ErrNotCallParty     = errors.New("principal is not a party to this call")
	ErrNotCallee        = errors.New("only the callee may perform this action")

	// Server lifecycle errors.
	ErrNotInitialized = errors.New("transport server not initialized")
	ErrAlreadyRunning = errors.New("transport server already running")
	ErrNotRunning     = errors.New("transport server not running")
	ErrEndpoint       = errors.New("transport endpoint error")
)
