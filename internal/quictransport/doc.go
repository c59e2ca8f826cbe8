// Package quictransport implements the QUIC transport core: connection
// registration across QUIC and WebSocket transports, per-connection stream
// allocation, a length-prefixed JSON auth handshake, connection migration
// tracking, message routing for chat/call events, and basic metrics.
package quictransport
