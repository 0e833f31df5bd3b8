package mcp

import "context"

// InboundHandler receives envelopes delivered by a Transport's Connect call, strictly in
// arrival order. The handler itself must not block on anything the session hasn't
// already made concurrency-safe; long-running work belongs on its own goroutine (see
// session.go's per-request dispatch).
type InboundHandler func(Envelope)

// Transport is the symmetric capability set both the client side and the server side of
// a single bidirectional conversation are built on. Both the stdio binding and each
// per-connection leg of the HTTP+SSE binding implement it; a Session (C3) is constructed
// around exactly one Transport and never reaches past it.
type Transport interface {
	// Connect starts inbound delivery. It must return once delivery has started (or
	// failed to start); it must not block for the lifetime of the connection.
	// Connect must be called at most once.
	Connect(handler InboundHandler) error

	// Send enqueues an envelope for writing. A nil error means the envelope was
	// buffered for write, not that it was flushed to the peer. Both bindings express
	// backpressure by blocking until ctx is done rather than failing fast.
	Send(ctx context.Context, env Envelope) error

	// CloseGracefully stops accepting new sends, drains the outbound queue
	// best-effort, then releases resources. It must tolerate an unreachable peer.
	CloseGracefully(ctx context.Context) error

	// Close releases resources immediately, without draining.
	Close() error
}
