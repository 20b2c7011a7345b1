// Package connection tracks websocket peers: per-connection metrics,
// named pools with load balancing, heartbeat latency, health scoring,
// and bounded offline queues for unwritable peers.
package connection

// Transport is the capability interface over a concrete socket. The
// read side stays with the owner of the socket's read loop, which
// reports inbound traffic, pongs, and closure to the Manager; the
// Manager only ever drives the write side through this interface.
type Transport interface {
	// Send writes one message frame. Implementations serialize
	// concurrent writers.
	Send(data []byte) error
	Close() error
	IsOpen() bool
	Ping() error
}
