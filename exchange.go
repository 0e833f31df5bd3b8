package mcp

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// Exchange is the per-session handle described in §9: it carries the connected client's
// capabilities and info, and lets a server-side handler call back into that client
// (sampling, roots discovery, log delivery) while it runs. It becomes available once the
// session has observed "notifications/initialized" — handlers invoked before that point
// either are the initialize handler itself or must fail, per §4.3.
type Exchange struct {
	session            *Session
	clientCapabilities ClientCapabilities
	clientInfo         Info

	minLogLevel atomic.Int32
}

func newExchange(session *Session, caps ClientCapabilities, info Info) *Exchange {
	ex := &Exchange{session: session, clientCapabilities: caps, clientInfo: info}
	ex.minLogLevel.Store(int32(LogLevelInfo))
	return ex
}

// ClientCapabilities returns the capability set the client advertised at initialize.
func (ex *Exchange) ClientCapabilities() ClientCapabilities { return ex.clientCapabilities }

// ClientInfo returns the client's advertised name/version.
func (ex *Exchange) ClientInfo() Info { return ex.clientInfo }

// SessionID returns the underlying session's identifier.
func (ex *Exchange) SessionID() string { return ex.session.ID() }

func (ex *Exchange) setMinLogLevel(level LogLevel) {
	ex.minLogLevel.Store(int32(level))
}

func (ex *Exchange) minLevel() LogLevel {
	return LogLevel(ex.minLogLevel.Load())
}

// ListRoots asks the client for its currently advertised roots. It fails locally with
// KindCapabilityMissing if the client never advertised the roots capability — no bytes
// are sent in that case, per the capability-gating table in §4.4.2.
func (ex *Exchange) ListRoots(ctx context.Context, params ListRootsParams) (ListRootsResult, error) {
	if ex.clientCapabilities.Roots == nil {
		return ListRootsResult{}, errCapabilityMissing("roots")
	}
	return SendRequest[ListRootsResult](ctx, ex.session, MethodRootsList, params)
}

// CreateMessage asks the client to run a sampling turn on the server's behalf. It fails
// locally with KindCapabilityMissing if the client never advertised sampling.
func (ex *Exchange) CreateMessage(ctx context.Context, params CreateMessageParams) (CreateMessageResult, error) {
	if ex.clientCapabilities.Sampling == nil {
		return CreateMessageResult{}, errCapabilityMissing("sampling")
	}
	return SendRequest[CreateMessageResult](ctx, ex.session, MethodSamplingCreateMessage, params)
}

// SendLog delivers a log message to this session only, dropping it locally (never
// transmitting) if its level is strictly below the session's configured minimum, per
// §4.4.5. This replaces the deprecated broadcast-style logging notification the source
// SDK exposes: a fresh implementation only needs the per-session form.
func (ex *Exchange) SendLog(ctx context.Context, logger string, level LogLevel, data any) error {
	if level < ex.minLevel() {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return ex.session.SendNotification(ctx, methodNotificationsMessage, LogMessageParams{
		Level: level, Logger: logger, Data: raw,
	})
}
