package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStream hands back canned response bytes in fixed-size slices,
// simulating a tunnel that fragments responses arbitrarily.
type scriptedStream struct {
	wrote    bytes.Buffer
	response []byte
	offset   int
	sliceLen int
}

func (s *scriptedStream) Write(p []byte) (int, error) {
	return s.wrote.Write(p)
}

func (s *scriptedStream) Read(p []byte) (int, error) {
	if s.offset >= len(s.response) {
		return 0, io.EOF
	}
	n := s.sliceLen
	if n <= 0 || n > len(p) {
		n = len(p)
	}
	if s.offset+n > len(s.response) {
		n = len(s.response) - s.offset
	}
	copy(p, s.response[s.offset:s.offset+n])
	s.offset += n
	return n, nil
}

func TestStreamTransportPost(t *testing.T) {
	stream := &scriptedStream{
		response: []byte("HTTP/1.1 200 OK\r\nContent-Type: application/soap+xml;charset=UTF-8\r\nContent-Length: 13\r\n\r\n<s:Envelope/>"),
		sliceLen: 7, // deliver the response seven bytes at a time
	}
	tr := NewStreamTransport(stream, 0)

	body, err := tr.Post(context.Background(), "http://host:5985/wsman", []byte("<request/>"))
	require.NoError(t, err)
	assert.Equal(t, "<s:Envelope/>", string(body))

	request := stream.wrote.String()
	assert.True(t, strings.HasPrefix(request, "POST /wsman HTTP/1.1\r\n"))
	assert.Contains(t, request, "Host: host:5985\r\n")
	assert.Contains(t, request, "Content-Length: 10\r\n")
	assert.True(t, strings.HasSuffix(request, "\r\n\r\n<request/>"))
}

func TestStreamTransportPostChunkedResponse(t *testing.T) {
	stream := &scriptedStream{
		response: []byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n6\r\n<a></a\r\n1\r\n>\r\n0\r\n\r\n"),
		sliceLen: 3,
	}
	tr := NewStreamTransport(stream, 0)

	body, err := tr.Post(context.Background(), "http://host:5985/wsman", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "<a></a>", string(body))
}

func TestStreamTransportUnauthorized(t *testing.T) {
	stream := &scriptedStream{
		response: []byte("HTTP/1.1 401 Unauthorized\r\nContent-Length: 0\r\n\r\n"),
	}
	tr := NewStreamTransport(stream, 0)

	_, err := tr.Post(context.Background(), "http://host:5985/wsman", []byte("x"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStreamTransportTruncatedResponse(t *testing.T) {
	stream := &scriptedStream{
		response: []byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort"),
	}
	tr := NewStreamTransport(stream, 0)

	_, err := tr.Post(context.Background(), "http://host:5985/wsman", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
