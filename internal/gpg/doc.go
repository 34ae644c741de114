// Package gpg bridges a byte stream to gpg-agent on Windows.
//
// gpg-agent on Windows does not listen on a Unix socket. Its socket file
// instead holds a loopback TCP port and a 16-byte nonce. ReadDescriptor
// decodes that file and Bridge relays a stream to the port after
// presenting the nonce.
package gpg
