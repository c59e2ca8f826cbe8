package quictransport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestCert writes a throwaway self-signed certificate/key pair to
// t.TempDir() so Initialize can load TLS material without a real PKI.
func generateTestCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "quictransport-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

// fakeAppStream is a length-prefixed-framed duplex stream standing in for
// both the auth control stream and an ordinary application stream.
type fakeAppStream struct {
	id     quic.StreamID
	in     *bytes.Buffer
	out    *bytes.Buffer
	closed bool
}

func (s *fakeAppStream) StreamID() quic.StreamID        { return s.id }
func (s *fakeAppStream) Read(b []byte) (int, error)     { return s.in.Read(b) }
func (s *fakeAppStream) Write(b []byte) (int, error)    { return s.out.Write(b) }
func (s *fakeAppStream) Close() error                   { s.closed = true; return nil }
func (s *fakeAppStream) CancelRead(quic.StreamErrorCode) {}
func (s *fakeAppStream) Context() context.Context       { return context.Background() }

type fakeUniStream struct {
	written [][]byte
	closed  bool
}

func (s *fakeUniStream) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	s.written = append(s.written, cp)
	return len(b), nil
}
func (s *fakeUniStream) Close() error { s.closed = true; return nil }

// fakeRawConn hands out a fixed queue of streams from AcceptStream, then
// reports the connection closed (io.EOF), mirroring what quic-go does once a
// peer goes away.
type fakeRawConn struct {
	mu         sync.Mutex
	streams    []Stream
	idx        int
	remoteAddr net.Addr
	uniStreams []*fakeUniStream
	closeCode  quic.ApplicationErrorCode
	closeErr   error
}

func (c *fakeRawConn) AcceptStream(context.Context) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx >= len(c.streams) {
		return nil, io.EOF
	}
	s := c.streams[c.idx]
	c.idx++
	return s, nil
}

func (c *fakeRawConn) OpenStream() (Stream, error) {
	return nil, errors.New("fakeRawConn: OpenStream not supported")
}

func (c *fakeRawConn) OpenUniStream() (SendStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &fakeUniStream{}
	c.uniStreams = append(c.uniStreams, s)
	return s, nil
}

func (c *fakeRawConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *fakeRawConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	c.closeCode = code
	return c.closeErr
}

func encodeAuthFrame(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf := &bytes.Buffer{}
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return buf
}

func decodeAuthResponse(t *testing.T, buf *bytes.Buffer) AuthResponse {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(buf, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	_, err = io.ReadFull(buf, payload)
	require.NoError(t, err)

	var resp AuthResponse
	require.NoError(t, json.Unmarshal(payload, &resp))
	return resp
}

func newControlStream(t *testing.T, token string) *fakeAppStream {
	return &fakeAppStream{id: 0, in: encodeAuthFrame(t, AuthRequest{Token: token}), out: &bytes.Buffer{}}
}

func newAppFrameStream(t *testing.T, id quic.StreamID, event string, data any) *fakeAppStream {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(InboundEvent{Event: event, Data: raw})
	require.NoError(t, err)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	in := &bytes.Buffer{}
	in.Write(lenBuf[:])
	in.Write(frame)
	return &fakeAppStream{id: id, in: in, out: &bytes.Buffer{}}
}

func testServerConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.IdleTimeout = 100 * time.Millisecond
	return cfg
}

func TestTransportServer_HandleConnectionAuthenticatesAndRoutesFrame(t *testing.T) {
	identity := VerifiedIdentity{Principal: Principal(NewConnectionID()), DisplayName: "ada"}
	control := newControlStream(t, "good-token")
	app := newAppFrameStream(t, 4, "do_a_barrel_roll", struct{}{})

	conn := &fakeRawConn{streams: []Stream{control, app}, remoteAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}}

	part := &fakeParticipation{}
	srv := NewTransportServer(testServerConfig(), fakeVerifier{identity: identity}, part)

	srv.handleConnection(conn)

	resp := decodeAuthResponse(t, control.out)
	assert.Equal(t, "success", resp.Type)
	assert.Equal(t, identity.Principal.String(), resp.Principal)
	assert.True(t, control.closed)

	require.Len(t, conn.uniStreams, 1)
	var evt ServerEvent
	require.NoError(t, json.Unmarshal(conn.uniStreams[0].written[0], &evt))
	assert.Equal(t, "error", evt.Event)

	assert.Equal(t, 0, srv.Registry().Count())
}

func TestTransportServer_HandleConnectionAuthFailureClosesWithoutRegistering(t *testing.T) {
	control := newControlStream(t, "bad-token")
	conn := &fakeRawConn{streams: []Stream{control}, remoteAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}}

	part := &fakeParticipation{}
	srv := NewTransportServer(testServerConfig(), fakeVerifier{err: ErrInvalidToken}, part)

	srv.handleConnection(conn)

	resp := decodeAuthResponse(t, control.out)
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "INVALID_TOKEN", resp.Code)
	assert.True(t, control.closed)
	assert.Equal(t, acceptCloseErrorCode, conn.closeCode)
	assert.Equal(t, 0, srv.Registry().Count())
}

func TestTransportServer_LifecycleRequiresInitializeBeforeStart(t *testing.T) {
	part := &fakeParticipation{}
	srv := NewTransportServer(testServerConfig(), fakeVerifier{}, part)

	err := srv.Start()
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, StateNotInitialized, srv.State())
}

func TestTransportServer_StopRequiresRunning(t *testing.T) {
	part := &fakeParticipation{}
	srv := NewTransportServer(testServerConfig(), fakeVerifier{}, part)

	err := srv.Stop()
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestTransportServer_StartRejectsDisabledConfig(t *testing.T) {
	cfg := testServerConfig()
	cfg.Enabled = false
	cfg.CertPath, cfg.KeyPath = generateTestCert(t)
	part := &fakeParticipation{}

	fakeListener := newFakeServerListener()
	srv := NewTransportServer(cfg, fakeVerifier{}, part, withListener(func(string, *tls.Config, *quic.Config) (listener, error) {
		return fakeListener, nil
	}))

	require.NoError(t, srv.Initialize())
	err := srv.Start()
	require.ErrorIs(t, err, ErrNotRunning)
}

// fakeServerListener is a no-op listener so Initialize/Start tests never
// touch a real UDP socket. Accept blocks until Close is called, mirroring
// quic.Listener.Close unblocking an in-flight Accept.
type fakeServerListener struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeServerListener() *fakeServerListener {
	return &fakeServerListener{done: make(chan struct{})}
}

func (l *fakeServerListener) Accept(ctx context.Context) (RawConnection, error) {
	select {
	case <-l.done:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeServerListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

func (l *fakeServerListener) Addr() net.Addr { return &net.UDPAddr{IP: net.IPv4(0, 0, 0, 0), Port: 0} }

func TestTransportServer_StartAndStopRunsBackgroundLoops(t *testing.T) {
	cfg := testServerConfig()
	cfg.CertPath, cfg.KeyPath = generateTestCert(t)
	part := &fakeParticipation{}

	fakeListener := newFakeServerListener()
	srv := NewTransportServer(cfg, fakeVerifier{}, part, withListener(func(string, *tls.Config, *quic.Config) (listener, error) {
		return fakeListener, nil
	}))

	require.NoError(t, srv.Initialize())
	require.Equal(t, StateInitialized, srv.State())

	require.NoError(t, srv.Start())
	assert.Equal(t, StateRunning, srv.State())

	require.NoError(t, srv.Stop())
	assert.Equal(t, StateStopped, srv.State())
	assert.True(t, fakeListener.closed)
}

func TestTransportServer_SnapshotReflectsRegistryAndMetrics(t *testing.T) {
	part := &fakeParticipation{}
	srv := NewTransportServer(testServerConfig(), fakeVerifier{}, part)

	principal := Principal(NewConnectionID())
	id := NewConnectionID()
	require.NoError(t, srv.Registry().RegisterQUIC(id, &stubQUICConn{}))
	require.NoError(t, srv.Registry().Authenticate(id, principal))

	snap := srv.Snapshot()
	assert.Equal(t, 1, snap.ConnectionsTotal)
	assert.Equal(t, 1, snap.ConnectionsQUIC)
	assert.Equal(t, 1, snap.UniquePrincipals)
}
