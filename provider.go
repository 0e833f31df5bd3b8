package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	sse "github.com/tmaxmax/go-sse"
)

// ServerSessionProvider is the C5 server-side multi-session HTTP+SSE binding: it serves
// one GET endpoint that upgrades to an SSE stream and mints a session, and one POST
// endpoint that accepts that session's inbound envelopes. Every accepted connection gets
// its own Session built from the embedded Server's registries, so many clients can be
// connected at once.
type ServerSessionProvider struct {
	server *Server

	baseURL     string
	ssePath     string
	messagePath string
	sessionOpts []SessionOption
	corsHandler *cors.Cors
	logger      *slog.Logger

	transports sync.Map // map[string]*sseServerTransport

	closing atomic.Bool
}

// ProviderOption configures a ServerSessionProvider at construction time.
type ProviderOption func(*ServerSessionProvider)

// WithProviderSessionOptions passes SessionOptions through to every session the provider
// constructs.
func WithProviderSessionOptions(opts ...SessionOption) ProviderOption {
	return func(p *ServerSessionProvider) { p.sessionOpts = append(p.sessionOpts, opts...) }
}

// WithProviderCORS enables permissive-by-default CORS handling for both endpoints,
// overridable via opts. Browser-based MCP clients need this since the SSE GET and
// message POST are cross-origin from the page serving the client.
func WithProviderCORS(opts cors.Options) ProviderOption {
	return func(p *ServerSessionProvider) { p.corsHandler = cors.New(opts) }
}

// WithProviderLogger overrides the default slog.Default() logger.
func WithProviderLogger(logger *slog.Logger) ProviderOption {
	return func(p *ServerSessionProvider) { p.logger = logger }
}

// NewServerSessionProvider constructs a provider serving baseURL+ssePath for connection
// setup and baseURL+messagePath for inbound messages. server's registries and
// capabilities are shared by every session the provider mints.
func NewServerSessionProvider(server *Server, baseURL, ssePath, messagePath string, opts ...ProviderOption) *ServerSessionProvider {
	p := &ServerSessionProvider{
		server:      server,
		baseURL:     baseURL,
		ssePath:     ssePath,
		messagePath: messagePath,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handler returns an http.Handler that multiplexes both the SSE and message endpoints,
// wrapped in CORS handling if WithProviderCORS was used.
func (p *ServerSessionProvider) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(p.ssePath, p.handleSSE())
	mux.Handle(p.messagePath, p.handleMessage())
	if p.corsHandler != nil {
		return p.corsHandler.Handler(mux)
	}
	return mux
}

func (p *ServerSessionProvider) handleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.closing.Load() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			p.logger.Error("failed to upgrade SSE session", slog.String("err", err.Error()))
			http.Error(w, fmt.Sprintf("failed to upgrade session: %v", err), http.StatusInternalServerError)
			return
		}

		sessionID := uuid.New().String()
		messageURL := fmt.Sprintf("%s%s?sessionId=%s", p.baseURL, p.messagePath, url.QueryEscape(sessionID))

		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(messageURL)
		if err := sess.Send(&msg); err != nil || sess.Flush() != nil {
			p.logger.Error("failed to send endpoint event", slog.String("err", fmt.Sprint(err)))
			return
		}

		transport := newSSEServerTransport(sess, p.logger)
		p.transports.Store(sessionID, transport)
		defer p.transports.Delete(sessionID)

		session, err := p.server.NewSession(transport, append(p.sessionOpts, WithSessionID(sessionID))...)
		if err != nil {
			p.logger.Error("failed to start session", slog.String("err", err.Error()))
			return
		}
		defer p.server.forgetSession(sessionID)

		<-transport.done
		_ = session.Close()
	})
}

func (p *ServerSessionProvider) handleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
			return
		}

		v, ok := p.transports.Load(sessionID)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown session: %s", sessionID), http.StatusNotFound)
			return
		}
		transport := v.(*sseServerTransport)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to read body: %v", err), http.StatusBadRequest)
			return
		}

		env, err := decode(body)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
			return
		}

		handler := transport.handler.Load()
		if handler == nil {
			http.Error(w, "session not ready", http.StatusInternalServerError)
			return
		}
		(*handler)(env)

		w.WriteHeader(http.StatusAccepted)
	})
}

// CloseGracefully stops accepting new SSE connections, closes every active session in
// parallel, and returns once all have finished or ctx expires.
func (p *ServerSessionProvider) CloseGracefully(ctx context.Context) error {
	p.closing.Store(true)

	var wg sync.WaitGroup
	p.transports.Range(func(_, v any) bool {
		transport := v.(*sseServerTransport)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = transport.CloseGracefully(ctx)
		}()
		return true
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyAll broadcasts method/params to every currently connected session. This is a thin
// wrapper over Server.broadcastNotification, exposed here since the provider, not the
// embedder, usually owns the decision about when all sessions should be told something
// (e.g. a shared resource changed).
func (p *ServerSessionProvider) NotifyAll(method string, params any) {
	p.server.broadcastNotification(method, params)
}

type sseServerSendRequest struct {
	msg  *sse.Message
	errs chan error
}

// sseServerTransport is one accepted SSE connection's Transport. Outbound sends are
// serialized through a single writer goroutine, matching the source SDK's single-flight
// write discipline, because the underlying sse.Session is not safe for concurrent Send.
type sseServerTransport struct {
	sess   *sse.Session
	logger *slog.Logger

	handler atomic.Pointer[InboundHandler]

	sendQueue chan sseServerSendRequest
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEServerTransport(sess *sse.Session, logger *slog.Logger) *sseServerTransport {
	t := &sseServerTransport{
		sess:      sess,
		logger:    logger,
		sendQueue: make(chan sseServerSendRequest, 16),
		done:      make(chan struct{}),
	}
	go t.processSends()
	return t
}

func (t *sseServerTransport) Connect(handler InboundHandler) error {
	t.handler.Store(&handler)
	return nil
}

func (t *sseServerTransport) Send(ctx context.Context, env Envelope) error {
	bs, err := encode(env)
	if err != nil {
		return err
	}

	msg := &sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(bs))

	errs := make(chan error, 1)
	select {
	case t.sendQueue <- sseServerSendRequest{msg: msg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errClosed()
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errClosed()
	}
}

func (t *sseServerTransport) processSends() {
	for {
		select {
		case req := <-t.sendQueue:
			err := t.sess.Send(req.msg)
			if err == nil {
				err = t.sess.Flush()
			}
			select {
			case req.errs <- err:
			default:
			}
		case <-t.done:
			return
		}
	}
}

func (t *sseServerTransport) CloseGracefully(ctx context.Context) error {
	timer := time.NewTimer(200 * time.Millisecond)
	defer timer.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for len(t.sendQueue) > 0 {
		select {
		case <-tick.C:
		case <-timer.C:
			return t.Close()
		case <-ctx.Done():
			return t.Close()
		}
	}
	return t.Close()
}

func (t *sseServerTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
