package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"
)

// StreamTransport posts SOAP requests as raw HTTP/1.1 over an arbitrary
// byte stream — a Hyper-V socket, a WebSocket bridge, anything that
// delivers response bytes in arbitrary framings — and recovers responses
// incrementally with a ResponseDecoder. Requests are serialized: one
// Post at a time per stream, which matches how WS-Man operations are
// driven anyway.
type StreamTransport struct {
	mu      sync.Mutex
	rw      io.ReadWriter
	decoder *ResponseDecoder
}

// NewStreamTransport wraps rw. maxResponseSize <= 0 selects
// DefaultMaxResponseSize.
func NewStreamTransport(rw io.ReadWriter, maxResponseSize int) *StreamTransport {
	return &StreamTransport{
		rw:      rw,
		decoder: NewResponseDecoder(maxResponseSize),
	}
}

// Post sends a SOAP request over the stream and returns the response
// body, mirroring HTTPTransport.Post's contract so either can back a
// WSMan client.
func (t *StreamTransport) Post(ctx context.Context, rawURL string, body []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid URL %q: %w", rawURL, err)
	}
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var req []byte
	req = append(req, fmt.Sprintf("POST %s HTTP/1.1\r\n", path)...)
	req = append(req, fmt.Sprintf("Host: %s\r\n", u.Host)...)
	req = append(req, "Content-Type: "+ContentTypeSOAP+"\r\n"...)
	req = append(req, fmt.Sprintf("Content-Length: %d\r\n", len(body))...)
	req = append(req, "\r\n"...)
	req = append(req, body...)

	if err := t.applyDeadline(ctx); err != nil {
		return nil, err
	}
	if _, err := t.rw.Write(req); err != nil {
		return nil, fmt.Errorf("transport: stream write failed: %w", err)
	}

	resp, err := t.readResponse(ctx)
	if err != nil {
		return nil, err
	}

	respBody := []byte(resp.Body.Text)
	if resp.Body.Kind == BodyEncrypted {
		respBody = resp.Body.Data
	}

	if resp.StatusCode == 401 {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode == 403 {
		return nil, fmt.Errorf("transport: access denied (403 Forbidden)")
	}
	if resp.StatusCode >= 400 {
		bodyPreview := string(respBody)
		if len(bodyPreview) > 3000 {
			bodyPreview = bodyPreview[:3000] + "..."
		}
		return nil, fmt.Errorf("transport: HTTP %d: %s", resp.StatusCode, bodyPreview)
	}

	return respBody, nil
}

// readResponse feeds stream bytes to the decoder until one response
// completes.
func (t *StreamTransport) readResponse(ctx context.Context) (*DecodedResponse, error) {
	defer t.decoder.Reset()

	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("transport: stream read cancelled: %w", err)
		}
		n, err := t.rw.Read(buf)
		if n > 0 {
			resp, ferr := t.decoder.Feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if resp != nil {
				return resp, nil
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("transport: stream closed mid-response: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("transport: stream read failed: %w", err)
		}
	}
}

// applyDeadline propagates a context deadline to the stream when it is a
// net.Conn; plain io.ReadWriters rely on the ctx.Err check between reads.
func (t *StreamTransport) applyDeadline(ctx context.Context) error {
	conn, ok := t.rw.(net.Conn)
	if !ok {
		return nil
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	return conn.SetDeadline(deadline)
}

// CloseIdleConnections is a no-op; the stream's lifetime belongs to the
// caller that dialed it.
func (t *StreamTransport) CloseIdleConnections() {}
