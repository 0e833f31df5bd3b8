package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	sse "github.com/tmaxmax/go-sse"
)

// SSEClientTransport is the client side of the HTTP+SSE binding described in §4.2 and
// §6.2: it opens a single long-lived SSE GET to discover its message-posting URL, then
// posts every outgoing envelope to that URL as a JSON body. It is a single-session
// Transport — one SSEClientTransport talks to exactly one server connection.
type SSEClientTransport struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	endpointWait time.Duration
	maxEventSize int

	endpointReady chan struct{}
	endpointOnce  sync.Once
	messageURL    string
	connectErr    error

	done      chan struct{}
	closeOnce sync.Once
}

// SSEClientOption configures an SSEClientTransport at construction time.
type SSEClientOption func(*SSEClientTransport)

// WithSSEHTTPClient overrides the default http.DefaultClient.
func WithSSEHTTPClient(c *http.Client) SSEClientOption {
	return func(t *SSEClientTransport) { t.httpClient = c }
}

// WithSSEEndpointWait overrides the default 10s bound on waiting for the server's
// "endpoint" event before Send fails.
func WithSSEEndpointWait(d time.Duration) SSEClientOption {
	return func(t *SSEClientTransport) { t.endpointWait = d }
}

// WithSSEMaxEventSize bounds the size of a single SSE event the client will buffer.
func WithSSEMaxEventSize(n int) SSEClientOption {
	return func(t *SSEClientTransport) { t.maxEventSize = n }
}

// WithSSELogger overrides the default slog.Default() logger.
func WithSSELogger(logger *slog.Logger) SSEClientOption {
	return func(t *SSEClientTransport) { t.logger = logger }
}

// NewSSEClientTransport connects to a server's SSE endpoint, e.g. "http://host/sse".
func NewSSEClientTransport(connectURL string, opts ...SSEClientOption) *SSEClientTransport {
	t := &SSEClientTransport{
		httpClient:    http.DefaultClient,
		connectURL:    connectURL,
		logger:        slog.Default(),
		endpointWait:  10 * time.Second,
		endpointReady: make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect implements Transport: it opens the GET request, fails fatally on a non-2xx
// status (§6.2), records the URL carried by the "endpoint" event for Send, and hands
// each "message" event's envelope to the handler as it arrives. Close cancels the GET.
func (t *SSEClientTransport) Connect(handler InboundHandler) error {
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp: build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp: connect to SSE server: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp: SSE connect returned status %d", resp.StatusCode)
	}

	go func() {
		<-t.done
		cancel()
	}()
	go t.readEvents(resp.Body, handler)
	return nil
}

func (t *SSEClientTransport) readEvents(body io.ReadCloser, handler InboundHandler) {
	defer body.Close()

	var cfg *sse.ReadConfig
	if t.maxEventSize > 0 {
		cfg = &sse.ReadConfig{MaxEventSize: t.maxEventSize}
	}

	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.logger.Error("SSE read failed", slog.String("err", err.Error()))
			}
			t.failEndpointWait(fmt.Errorf("mcp: SSE stream ended: %w", err))
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil || u.String() == "" {
				t.failEndpointWait(fmt.Errorf("mcp: invalid endpoint URL %q", ev.Data))
				return
			}
			t.messageURL = u.String()
			t.endpointOnce.Do(func() { close(t.endpointReady) })
		case "message":
			env, err := decode([]byte(ev.Data))
			if err != nil {
				t.logger.Error("SSE decode failed", slog.String("err", err.Error()))
				continue
			}
			handler(env)
		default:
			t.logger.Warn("unhandled SSE event type", slog.String("type", string(ev.Type)))
		}
	}
}

func (t *SSEClientTransport) failEndpointWait(err error) {
	t.endpointOnce.Do(func() {
		t.connectErr = err
		close(t.endpointReady)
	})
}

// Send implements Transport. It blocks until the server's "endpoint" event has arrived
// (bounded by WithSSEEndpointWait, default 10s) and then POSTs the envelope as JSON.
// Per §6.2, statuses 200/201/202/206 are all accepted.
func (t *SSEClientTransport) Send(ctx context.Context, env Envelope) error {
	select {
	case <-t.endpointReady:
		if t.connectErr != nil {
			return newError(KindTransportFailure, "SSE endpoint never became ready: %v", t.connectErr)
		}
	case <-time.After(t.endpointWait):
		return newError(KindTransportFailure, "timed out waiting for SSE endpoint event")
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errClosed()
	}

	bs, err := encode(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.messageURL, bytes.NewReader(bs))
	if err != nil {
		return fmt.Errorf("mcp: build POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return newError(KindTransportFailure, "POST message: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusPartialContent:
		return nil
	default:
		return newError(KindTransportFailure, "POST message returned status %d", resp.StatusCode)
	}
}

// CloseGracefully implements Transport.
func (t *SSEClientTransport) CloseGracefully(ctx context.Context) error {
	return t.Close()
}

// Close implements Transport.
func (t *SSEClientTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
