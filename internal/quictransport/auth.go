package quictransport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxAuthFrameBytes bounds the length-prefixed auth handshake frame, to
// guard against a peer claiming an absurd payload size.
const maxAuthFrameBytes = 4096

// AuthRequest is the client's opening frame on the control stream.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse is the tagged-union response the server writes back: exactly
// one of Success/Error is populated, distinguished by Type.
type AuthResponse struct {
	Type string `json:"type"`

	// Success fields.
	Principal   string `json:"user_id,omitempty"`
	DisplayName string `json:"user_name,omitempty"`

	// Error fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func authSuccess(identity VerifiedIdentity) AuthResponse {
	return AuthResponse{
		Type:        "success",
		Principal:   identity.Principal.String(),
		DisplayName: identity.DisplayName,
	}
}

func authError(code, message string) AuthResponse {
	return AuthResponse{Type: "error", Code: code, Message: message}
}

// AuthStream is the minimal duplex byte stream the handshake needs; the
// control stream returned by RawConnection.AcceptStream satisfies it. Close
// finishes the send side only, mirroring quic.Stream.Close.
type AuthStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Authenticator performs the length-prefixed JSON auth handshake on a
// connection's control stream.
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator builds an Authenticator that delegates token validation
// to verifier.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// AuthenticateConnection reads one length-prefixed AuthRequest frame from
// stream, verifies the token, writes back a length-prefixed AuthResponse,
// and returns the verified identity. A verification failure still produces
// a well-formed error response before returning the error to the caller, so
// the caller can decide whether to tear down the connection. After writing
// either response it finishes the send side of stream.
func (a *Authenticator) AuthenticateConnection(ctx context.Context, stream AuthStream) (VerifiedIdentity, error) {
	req, err := readAuthFrame[AuthRequest](stream)
	if err != nil {
		return VerifiedIdentity{}, err
	}

	identity, verifyErr := a.verifier.Verify(ctx, req.Token)
	if verifyErr != nil {
		resp := authError(authErrorCode(verifyErr), verifyErr.Error())
		writeErr := writeAuthFrame(stream, resp)
		_ = stream.Close()
		if writeErr != nil {
			return VerifiedIdentity{}, writeErr
		}
		return VerifiedIdentity{}, verifyErr
	}

	writeErr := writeAuthFrame(stream, authSuccess(identity))
	_ = stream.Close()
	if writeErr != nil {
		return VerifiedIdentity{}, writeErr
	}
	return identity, nil
}

func authErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return "TOKEN_EXPIRED"
	case errors.Is(err, ErrInvalidToken):
		return "INVALID_TOKEN"
	default:
		return "AUTH_ERROR"
	}
}

func readAuthFrame[T any](r io.Reader) (T, error) {
	var zero T

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return zero, fmt.Errorf("reading auth frame length: %w", err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxAuthFrameBytes {
		return zero, ErrAuthFrameTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return zero, fmt.Errorf("reading auth frame payload: %w", err)
	}

	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	return value, nil
}

func writeAuthFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling auth frame: %w", err)
	}
	if len(payload) > maxAuthFrameBytes {
		return ErrAuthFrameTooLarge
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing auth frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing auth frame payload: %w", err)
	}
	return nil
}
