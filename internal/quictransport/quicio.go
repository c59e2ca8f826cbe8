package quictransport

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"
)

// SendStream is the subset of quic.SendStream used for outgoing-only
// traffic (keep-alives, fire-and-forget sends).
type SendStream interface {
	Write([]byte) (int, error)
	Close() error
}

// Stream is the subset of quic.Stream used for the bidirectional control
// stream (the auth handshake).
type Stream interface {
	StreamID() quic.StreamID
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
	CancelRead(quic.StreamErrorCode)
	Context() context.Context
}

// RawConnection is the subset of quic.Connection the server depends on.
// Keeping it narrow lets tests substitute a mock instead of a real UDP
// socket.
type RawConnection interface {
	AcceptStream(context.Context) (Stream, error)
	OpenStream() (Stream, error)
	OpenUniStream() (SendStream, error)
	RemoteAddr() net.Addr
	CloseWithError(quic.ApplicationErrorCode, string) error
}

// rawConnectionWrapper adapts a quic.Connection to RawConnection.
type rawConnectionWrapper struct {
	conn quic.Connection
}

func wrapConnection(conn quic.Connection) RawConnection {
	return rawConnectionWrapper{conn: conn}
}

func (w rawConnectionWrapper) AcceptStream(ctx context.Context) (Stream, error) {
	return w.conn.AcceptStream(ctx)
}

func (w rawConnectionWrapper) OpenStream() (Stream, error) {
	return w.conn.OpenStream()
}

func (w rawConnectionWrapper) OpenUniStream() (SendStream, error) {
	return w.conn.OpenUniStream()
}

func (w rawConnectionWrapper) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}

func (w rawConnectionWrapper) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	return w.conn.CloseWithError(code, reason)
}

// quicConnAdapter implements QUICConn (connection.go) over a RawConnection,
// bridging the migration/keep-alive logic to the narrow interface above.
type quicConnAdapter struct {
	raw RawConnection
}

func (a quicConnAdapter) OpenSendStream() (SendStream, error) {
	return a.raw.OpenUniStream()
}

func (a quicConnAdapter) RemoteAddrString() string {
	return a.raw.RemoteAddr().String()
}
