// Package sealer encrypts a SOAP body under a negotiated
// SPNEGO/Kerberos/NTLM security context and frames it as the
// multipart/encrypted HTTP body WinRM expects (MS-WSMV 2.2.9.1), plus
// the reverse on receipt.
//
// The raw sign-and-seal primitive (GSS Wrap/Unwrap) is provided by the
// negotiated security context in wsman/auth; this package owns the
// wire-exact multipart layout and the monotonic, per-direction sequence
// counters (unsigned, wrapping at 2^32).
package sealer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Provider performs the raw sign-and-seal / verify-and-unseal operation
// for a negotiated security context. Wrap takes plaintext and returns the
// combined `<token_len:4 LE><token><ciphertext>` buffer that goes on the
// wire; Unwrap takes that same buffer and returns the plaintext.
//
// Concrete implementations (NTLM, pure-Go Kerberos, Windows SSPI) live in
// wsman/auth.
type Provider interface {
	Wrap(plaintext []byte) ([]byte, error)
	Unwrap(sealed []byte) ([]byte, error)
}

// ErrNotFramed is returned by Unseal when the body does not look like a
// multipart/encrypted structure at all (the caller should treat the body
// as plaintext instead of calling Unseal).
var ErrNotFramed = errors.New("sealer: body is not multipart/encrypted")

const (
	// Boundary is the MIME boundary WinRM uses for encrypted bodies.
	Boundary = "--Encrypted Boundary"

	protocolName = "application/HTTP-SPNEGO-session-encrypted"

	// ContentType is the HTTP Content-Type header value for a sealed body.
	ContentType = `multipart/encrypted;protocol="` + protocolName + `";boundary="Encrypted Boundary"`

	// OriginalContentType is the Content-Type the sealed body carries once
	// unwrapped (and the Content-Type of a body before it is sealed).
	OriginalContentType = "application/soap+xml;charset=UTF-8"

	octetStreamHeader = "Content-Type: application/octet-stream"
)

// Sealer wraps a Provider with the multipart framing and sequence-number
// bookkeeping. A Sealer is not safe for concurrent use; callers pin it to
// one connection, matching the rest of psrpcore's single-threaded model.
type Sealer struct {
	provider Provider
	sendSeq  uint32
	recvSeq  uint32
}

// New returns a Sealer backed by the given Provider. A nil Provider means
// sealing is not required (e.g. an HTTPS endpoint using Basic auth); Seal
// then returns the plaintext body unchanged and Unseal is never called.
func New(provider Provider) *Sealer {
	return &Sealer{provider: provider}
}

// Enabled reports whether this Sealer has a Provider to seal through.
func (s *Sealer) Enabled() bool {
	return s != nil && s.provider != nil
}

// SendSeq returns the next outbound sequence number without consuming it.
func (s *Sealer) SendSeq() uint32 { return s.sendSeq }

// RecvSeq returns the next inbound sequence number without consuming it.
func (s *Sealer) RecvSeq() uint32 { return s.recvSeq }

// Seal encrypts plaintext under the current send sequence number and
// returns the multipart/encrypted body plus its Content-Type header. If
// the Sealer has no Provider, it returns plaintext unchanged with
// OriginalContentType.
func (s *Sealer) Seal(plaintext []byte) (body []byte, contentType string, err error) {
	if !s.Enabled() {
		return plaintext, OriginalContentType, nil
	}

	sealed, err := s.provider.Wrap(plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("sealer: wrap seq=%d: %w", s.sendSeq, err)
	}
	s.sendSeq++ // unsigned, wraps to 0 on overflow

	return buildMultipart(sealed, len(plaintext)), ContentType, nil
}

// Unseal reverses Seal: it locates the binary part of a multipart/encrypted
// body, hands the extracted `<token_len><token><ciphertext>` buffer to the
// Provider, and returns the decrypted plaintext.
func (s *Sealer) Unseal(body []byte) ([]byte, error) {
	if !s.Enabled() {
		return body, nil
	}

	sealed, err := ExtractBinaryPayload(body)
	if err != nil {
		return nil, err
	}

	plaintext, err := s.provider.Unwrap(sealed)
	if err != nil {
		return nil, fmt.Errorf("sealer: unwrap seq=%d: %w", s.recvSeq, err)
	}
	s.recvSeq++

	return plaintext, nil
}

// buildMultipart renders the MS-WSMV 2.2.9.1 multipart layout around an
// already sealed `<token_len><token><ciphertext>` buffer. The opening
// boundary begins the body (no leading CRLF) and the closing boundary has
// no preceding CRLF either; the binary part is raw, with no
// Content-Transfer-Encoding.
func buildMultipart(sealed []byte, plainLen int) []byte {
	const overhead = 256
	buf := bytes.NewBuffer(make([]byte, 0, len(sealed)+overhead))

	buf.WriteString(Boundary)
	buf.WriteString("\r\n")
	buf.WriteString("Content-Type: ")
	buf.WriteString(protocolName)
	buf.WriteString("\r\n")
	fmt.Fprintf(buf, "OriginalContent: type=%s;Length=%d\r\n", OriginalContentType, plainLen)

	buf.WriteString(Boundary)
	buf.WriteString("\r\n")
	buf.WriteString(octetStreamHeader)
	buf.WriteString("\r\n")
	buf.Write(sealed)

	buf.WriteString(Boundary)
	buf.WriteString("--\r\n")

	return buf.Bytes()
}

// ExtractBinaryPayload locates the second (application/octet-stream) part
// of a multipart/encrypted body, skips the single CRLF following its
// header, and returns the raw bytes up to the next boundary. Those bytes
// are themselves `<token_len:4 LE><token><ciphertext>` as produced by
// buildMultipart/a Provider.Wrap call.
func ExtractBinaryPayload(body []byte) ([]byte, error) {
	idx := bytes.Index(body, []byte(octetStreamHeader))
	if idx == -1 {
		return nil, ErrNotFramed
	}

	lineEnd := bytes.Index(body[idx:], []byte("\r\n"))
	if lineEnd == -1 {
		return nil, errors.New("sealer: InternalError: could not find binary payload in multipart body")
	}
	dataStart := idx + lineEnd + 2

	end := bytes.Index(body[dataStart:], []byte("\r\n"+Boundary))
	if end == -1 {
		end = bytes.Index(body[dataStart:], []byte(Boundary))
		if end == -1 {
			return nil, errors.New("sealer: InternalError: could not find binary payload in multipart body")
		}
	}

	return body[dataStart : dataStart+end], nil
}

// SplitSealed separates a `<token_len:4 LE><token><ciphertext>` buffer into
// its token and ciphertext components, for Providers that need the pieces
// apart rather than the combined wire format.
func SplitSealed(sealed []byte) (token, ciphertext []byte, err error) {
	if len(sealed) < 4 {
		return nil, nil, fmt.Errorf("sealer: InternalError: sealed buffer too short: %d bytes", len(sealed))
	}
	tokenLen := binary.LittleEndian.Uint32(sealed[0:4])
	if uint64(4+tokenLen) > uint64(len(sealed)) {
		return nil, nil, fmt.Errorf("sealer: InternalError: token length %d exceeds buffer of %d bytes", tokenLen, len(sealed))
	}
	token = sealed[4 : 4+tokenLen]
	ciphertext = sealed[4+tokenLen:]
	return token, ciphertext, nil
}

// JoinSealed is the inverse of SplitSealed: it builds the
// `<token_len:4 LE><token><ciphertext>` buffer from separate parts.
func JoinSealed(token, ciphertext []byte) []byte {
	buf := make([]byte, 4+len(token)+len(ciphertext))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(token)))
	copy(buf[4:], token)
	copy(buf[4+len(token):], ciphertext)
	return buf
}
