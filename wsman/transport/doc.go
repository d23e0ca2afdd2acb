// Package transport provides HTTP/TLS transport for WSMan communication.
//
// The transport layer handles:
//   - HTTP/HTTPS connections with a TLS 1.2 floor
//   - client certificates for certificate authentication
//   - wrapping requests in an auth.Authenticator handshake
package transport
