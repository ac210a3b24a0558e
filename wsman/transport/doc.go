// Package transport provides HTTP/TLS transport for WSMan communication.
//
// The transport layer handles:
//   - HTTP/HTTPS connections
//   - TLS configuration
//   - Request/response handling
//   - Raw HTTP over arbitrary byte streams (StreamTransport), with
//     incremental response decoding for tunnelled framings
package transport
