package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseDecoderFixedLength(t *testing.T) {
	d := NewResponseDecoder(0)

	resp, err := d.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/soap+xml;charset=UTF-8\r\nContent-Length: 11\r\n\r\nhello world"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, BodyText, resp.Body.Kind)
	assert.Equal(t, "hello world", resp.Body.Text)
	assert.Equal(t, "application/soap+xml;charset=UTF-8", resp.Header("content-type"))
}

func TestResponseDecoderIncrementalFeeds(t *testing.T) {
	d := NewResponseDecoder(0)
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\nbody"

	// Feed one byte at a time; only the final byte completes the response.
	for i := 0; i < len(raw)-1; i++ {
		resp, err := d.Feed([]byte{raw[i]})
		require.NoError(t, err)
		assert.Nil(t, resp)
	}
	resp, err := d.Feed([]byte{raw[len(raw)-1]})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "body", resp.Body.Text)
}

func TestResponseDecoderNoBodyStatuses(t *testing.T) {
	for _, status := range []string{"100 Continue", "204 No Content", "304 Not Modified"} {
		d := NewResponseDecoder(0)
		resp, err := d.Feed([]byte("HTTP/1.1 " + status + "\r\nServer: Microsoft-HTTPAPI/2.0\r\n\r\n"))
		require.NoError(t, err, status)
		require.NotNil(t, resp, status)
		assert.Equal(t, BodyNone, resp.Body.Kind, status)
	}
}

func TestResponseDecoderChunked(t *testing.T) {
	d := NewResponseDecoder(0)

	resp, err := d.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "hello world", resp.Body.Text)
}

func TestResponseDecoderChunkedSplitMidChunk(t *testing.T) {
	d := NewResponseDecoder(0)

	resp, err := d.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nb\r\nhel"))
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = d.Feed([]byte("lo world\r\n0\r\n"))
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = d.Feed([]byte("\r\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "hello world", resp.Body.Text)
}

func TestResponseDecoderChunkedExtensionAndTrailers(t *testing.T) {
	d := NewResponseDecoder(0)

	resp, err := d.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4;name=value\r\ndata\r\n0\r\nX-Trailer: yes\r\n\r\n"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "data", resp.Body.Text)
	assert.Equal(t, "yes", resp.Header("X-Trailer"))
}

func TestResponseDecoderRejectsUnframedBody(t *testing.T) {
	d := NewResponseDecoder(0)
	_, err := d.Feed([]byte("HTTP/1.1 200 OK\r\nServer: x\r\n\r\nwho knows when this ends"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Content-Length")
}

func TestResponseDecoderTooLarge(t *testing.T) {
	d := NewResponseDecoder(64)
	_, err := d.Feed(make([]byte, 65))
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestResponseDecoderInvalidChunkSize(t *testing.T) {
	d := NewResponseDecoder(0)
	_, err := d.Feed([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk size")
}

func TestResponseDecoderReset(t *testing.T) {
	d := NewResponseDecoder(0)
	resp, err := d.Feed([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	require.NoError(t, err)
	require.NotNil(t, resp)

	d.Reset()
	resp, err = d.Feed([]byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 4\r\n\r\nboom"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 500, resp.StatusCode)
}

func TestClassifyBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        []byte
		want        BodyKind
	}{
		{"soap text", "application/soap+xml;charset=UTF-8", []byte("<s:Envelope/>"), BodyText},
		{"multipart encrypted", `multipart/encrypted;protocol="application/HTTP-SPNEGO-session-encrypted"`, []byte("--Encrypted Boundary"), BodyEncrypted},
		{"octet stream", "application/octet-stream", []byte{0x01, 0x02}, BodyEncrypted},
		{"other text", "text/html", []byte("<html/>"), BodyText},
		{"no content type, binary", "", []byte{0xff, 0xfe, 0x00}, BodyEncrypted},
		{"no content type, text", "", []byte("plain"), BodyText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyBody(tt.body, tt.contentType)
			assert.Equal(t, tt.want, got.Kind)
		})
	}
}
