package mcp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// memTransport is an in-process Transport used by tests to exercise the session and
// protocol layers without a real stdio or HTTP+SSE binding underneath.
type memTransport struct {
	peer      *memTransport
	handler   atomic.Pointer[InboundHandler]
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemTransportPair() (*memTransport, *memTransport) {
	a := &memTransport{closed: make(chan struct{})}
	b := &memTransport{closed: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

func (t *memTransport) Connect(handler InboundHandler) error {
	t.handler.Store(&handler)
	return nil
}

func (t *memTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case <-t.closed:
		return errClosed()
	default:
	}
	h := t.peer.handler.Load()
	if h == nil {
		return fmt.Errorf("mcp: peer transport not connected")
	}
	(*h)(env)
	return nil
}

func (t *memTransport) CloseGracefully(ctx context.Context) error { return t.Close() }

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
