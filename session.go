package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// sessionState is the three-state lifecycle described in §3: a session starts
// Uninitialized; a server-side session moves to Initializing once it has accepted
// "initialize" and reaches Initialized once "notifications/initialized" has been
// observed. A client-side session moves straight to Initialized (MarkInitialized) after
// it has sent "notifications/initialized".
type sessionState int32

const (
	stateUninitialized sessionState = iota
	stateInitializing
	stateInitialized
)

// RequestHandlerFunc answers an inbound request. A returned error that is itself an
// *RPCError is sent to the peer verbatim (code, message, and data preserved); any other
// error is wrapped as an InternalError response carrying err.Error() as its message.
type RequestHandlerFunc func(ctx context.Context, id RequestID, params json.RawMessage) (any, error)

// NotificationHandlerFunc answers an inbound notification. Notifications never elicit a
// response, so it has no return value besides logging its own failures.
type NotificationHandlerFunc func(ctx context.Context, params json.RawMessage)

type pendingResponse struct {
	ch chan pendingOutcome
}

type pendingOutcome struct {
	result json.RawMessage
	err    error
}

// Session is the C3 engine: it multiplexes concurrent request/response pairs and
// notifications over a single Transport, matches responses to waiters by request id,
// enforces per-request timeouts, and dispatches inbound requests/notifications to
// registered handlers. It is symmetric — the same Session type backs both a client
// connection and one accepted server connection; only the handler tables registered on
// top of it differ.
type Session struct {
	id        string
	transport Transport
	logger    *slog.Logger

	idPrefix string
	counter  atomic.Int64

	pending sync.Map // map[RequestID]*pendingResponse

	requestHandlers      sync.Map // map[string]RequestHandlerFunc
	notificationHandlers sync.Map // map[string]NotificationHandlerFunc

	requestTimeout time.Duration
	writeTimeout   time.Duration

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithRequestTimeout overrides the default 20s wait for a matching response.
func WithRequestTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.requestTimeout = d }
}

// WithWriteTimeout bounds how long a single outbound send (response, result, error, or
// notification) may take before it is abandoned.
func WithWriteTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.writeTimeout = d }
}

// WithSessionID fixes the session's id and request-id prefix, rather than generating a
// random one. Server-side sessions use this so their id matches the one the session
// provider already minted and handed to the client.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id; s.idPrefix = id }
}

// WithSessionLogger overrides the default slog.Default() logger.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession constructs a Session around transport and immediately starts its inbound
// pipeline (transport.Connect). Request and notification handlers are registered on the
// returned Session; a message that arrives before its handler is registered is treated
// as having no handler.
func NewSession(transport Transport, opts ...SessionOption) (*Session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		transport:      transport,
		logger:         slog.Default(),
		requestTimeout: 20 * time.Second,
		writeTimeout:   10 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	if s.idPrefix == "" {
		s.idPrefix = s.id[:8]
	}

	s.RegisterRequestHandler(methodPing, func(context.Context, RequestID, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})

	if err := transport.Connect(s.dispatch); err != nil {
		cancel()
		return nil, fmt.Errorf("mcp: connect transport: %w", err)
	}
	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// RegisterRequestHandler installs (or replaces) the handler for an inbound method.
func (s *Session) RegisterRequestHandler(method string, handler RequestHandlerFunc) {
	s.requestHandlers.Store(method, handler)
}

// RegisterNotificationHandler installs (or replaces) the handler for an inbound
// notification method.
func (s *Session) RegisterNotificationHandler(method string, handler NotificationHandlerFunc) {
	s.notificationHandlers.Store(method, handler)
}

// State returns the session's current lifecycle state.
func (s *Session) State() sessionState {
	return sessionState(s.state.Load())
}

// TryTransitionInitializing moves the session from Uninitialized to Initializing. It
// returns false if the session was already past Uninitialized, which the caller should
// treat as a concurrent (or repeated) "initialize" and reject per §9's open question.
func (s *Session) TryTransitionInitializing() bool {
	return s.state.CompareAndSwap(int32(stateUninitialized), int32(stateInitializing))
}

// MarkInitialized moves the session to Initialized. It is idempotent.
func (s *Session) MarkInitialized() {
	s.state.Store(int32(stateInitialized))
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) nextRequestID() RequestID {
	n := s.counter.Add(1)
	return RequestID(fmt.Sprintf("%s-%d", s.idPrefix, n))
}

// SendRequest issues method with params, waits up to the session's requestTimeout for a
// matching response, and unmarshals its result into T. A remote error surfaces as
// *RPCError; a local timeout, send failure, or closed session surfaces as *Error.
func SendRequest[T any](ctx context.Context, s *Session, method string, params any) (T, error) {
	var zero T

	if s.isClosed() {
		return zero, errClosed()
	}

	id := s.nextRequestID()
	pr := &pendingResponse{ch: make(chan pendingOutcome, 1)}
	s.pending.Store(id, pr)

	env := newRequestEnvelope(id, method, params)
	if err := s.transport.Send(ctx, env); err != nil {
		s.pending.Delete(id)
		return zero, newError(KindTransportFailure, "send %q: %v", method, err)
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case outcome := <-pr.ch:
		if outcome.err != nil {
			return zero, outcome.err
		}
		return unmarshalInto[T](outcome.result)
	case <-timer.C:
		s.pending.Delete(id)
		return zero, errTimeout(method)
	case <-ctx.Done():
		s.pending.Delete(id)
		return zero, ctx.Err()
	case <-s.closed:
		s.pending.Delete(id)
		return zero, errClosed()
	}
}

// SendNotification fires method with params without waiting for any reply. Success
// means the envelope was buffered to the transport.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	if s.isClosed() {
		return errClosed()
	}
	wCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.transport.Send(wCtx, newNotificationEnvelope(method, params))
}

func (s *Session) dispatch(env Envelope) {
	switch env.Kind {
	case KindResponse:
		s.routeResponse(env)
	case KindRequest:
		go s.handleRequest(env)
	case KindNotification:
		s.handleNotification(env)
	default:
		s.logger.Warn("dropping unclassifiable envelope", slog.Any("id", env.ID), slog.String("method", env.Method))
	}
}

func (s *Session) routeResponse(env Envelope) {
	v, ok := s.pending.LoadAndDelete(env.ID)
	if !ok {
		s.logger.Warn("dropping response for unknown or expired request", slog.String("id", string(env.ID)))
		return
	}
	pr := v.(*pendingResponse)

	var outcome pendingOutcome
	if env.Error != nil {
		outcome.err = env.Error
	} else {
		outcome.result = env.Result
	}
	select {
	case pr.ch <- outcome:
	default:
	}
}

func (s *Session) handleRequest(env Envelope) {
	v, ok := s.requestHandlers.Load(env.Method)
	if !ok {
		s.sendError(env.ID, RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", env.Method)})
		return
	}
	handler := v.(RequestHandlerFunc)

	result, err := handler(s.ctx, env.ID, env.Params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(env.ID, *rpcErr)
			return
		}
		s.sendError(env.ID, RPCError{Code: CodeInternalError, Message: err.Error()})
		return
	}
	s.sendResult(env.ID, result)
}

func (s *Session) handleNotification(env Envelope) {
	v, ok := s.notificationHandlers.Load(env.Method)
	if !ok {
		s.logger.Error("no handler registered for notification", slog.String("method", env.Method))
		return
	}
	handler := v.(NotificationHandlerFunc)
	handler(s.ctx, env.Params)
}

func (s *Session) sendResult(id RequestID, result any) {
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, newResultEnvelope(id, result)); err != nil {
		s.logger.Error("failed to send result", slog.String("id", string(id)), slog.String("err", err.Error()))
	}
}

func (s *Session) sendError(id RequestID, rpcErr RPCError) {
	ctx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.transport.Send(ctx, newErrorEnvelope(id, rpcErr)); err != nil {
		s.logger.Error("failed to send error response", slog.String("id", string(id)), slog.String("err", err.Error()))
	}
}

// Close implements the idempotent-close property of §8: it cancels all pending waiters
// with a closed error and tears down the transport immediately.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.failAllPending()
	})
	return s.transport.Close()
}

// CloseGracefully cancels all pending waiters and asks the transport to drain
// best-effort before releasing resources.
func (s *Session) CloseGracefully(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.failAllPending()
	})
	return s.transport.CloseGracefully(ctx)
}

func (s *Session) failAllPending() {
	s.pending.Range(func(key, value any) bool {
		s.pending.Delete(key)
		pr := value.(*pendingResponse)
		select {
		case pr.ch <- pendingOutcome{err: errClosed()}:
		default:
		}
		return true
	})
}
