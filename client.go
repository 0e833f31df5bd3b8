package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RootsListHandler answers the server's "roots/list" reverse call with the filesystem/URI
// boundaries this client currently grants access to.
type RootsListHandler interface {
	RootsList(ctx context.Context) ([]Root, error)
}

// RootsListUpdater signals when the client's roots list has changed, so Client can emit
// "notifications/roots/list_changed" without the embedder wiring that call by hand.
type RootsListUpdater interface {
	RootsListUpdates() <-chan struct{}
}

// SamplingHandler answers the server's "sampling/createMessage" reverse call by running an
// LLM turn on the server's behalf.
type SamplingHandler interface {
	CreateMessage(ctx context.Context, params CreateMessageParams) (CreateMessageResult, error)
}

// PromptListWatcher is notified when the server's prompt list changes.
type PromptListWatcher interface {
	OnPromptListChanged()
}

// ResourceListWatcher is notified when the server's resource list changes.
type ResourceListWatcher interface {
	OnResourceListChanged()
}

// ResourceSubscribedWatcher is notified when a resource this client subscribed to changes.
type ResourceSubscribedWatcher interface {
	OnResourceUpdated(uri string)
}

// ToolListWatcher is notified when the server's tool list changes.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ProgressListener is notified of "notifications/progress" events.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver is notified of "notifications/message" log events this client's session
// receives from the server.
type LogReceiver interface {
	OnLog(params LogMessageParams)
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithClientRoots installs the handler answering "roots/list" and, if updater is
// non-nil, enables listChanged and forwards its updates as notifications.
func WithClientRoots(handler RootsListHandler, updater RootsListUpdater) ClientOption {
	return func(c *Client) {
		c.rootsHandler = handler
		c.rootsUpdater = updater
		c.capabilities.Roots = &RootsCapability{ListChanged: updater != nil}
	}
}

// WithClientRootsCapability enables the roots capability backed by the client's own
// AddRoot/RemoveRoot bookkeeping, for embedders that don't need a custom RootsListHandler.
func WithClientRootsCapability() ClientOption {
	return func(c *Client) { c.capabilities.Roots = &RootsCapability{} }
}

// WithClientSampling installs the handler answering "sampling/createMessage".
func WithClientSampling(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
		c.capabilities.Sampling = &SamplingCapability{}
	}
}

// WithPromptListWatcher registers a watcher for prompt list changes.
func WithPromptListWatcher(w PromptListWatcher) ClientOption {
	return func(c *Client) { c.promptListWatcher = w }
}

// WithResourceListWatcher registers a watcher for resource list changes.
func WithResourceListWatcher(w ResourceListWatcher) ClientOption {
	return func(c *Client) { c.resourceListWatcher = w }
}

// WithResourceSubscribedWatcher registers a watcher for subscribed-resource updates.
func WithResourceSubscribedWatcher(w ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) { c.resourceSubscribedWatcher = w }
}

// WithToolListWatcher registers a watcher for tool list changes.
func WithToolListWatcher(w ToolListWatcher) ClientOption {
	return func(c *Client) { c.toolListWatcher = w }
}

// WithProgressListener registers a listener for progress notifications.
func WithProgressListener(l ProgressListener) ClientOption {
	return func(c *Client) { c.progressListener = l }
}

// WithLogReceiver registers a receiver for "notifications/message" log events.
func WithLogReceiver(r LogReceiver) ClientOption {
	return func(c *Client) { c.logReceiver = r }
}

// WithClientInitializeTimeout overrides the default 20s bound on completing the
// initialize handshake, per §4.4.1.
func WithClientInitializeTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.initializeTimeout = d }
}

// WithClientSessionOptions passes SessionOptions through to the underlying Session
// (request/write timeouts, a custom logger, and so on).
func WithClientSessionOptions(opts ...SessionOption) ClientOption {
	return func(c *Client) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithClientLogger overrides the default slog.Default() logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client is the client side of the C4 protocol layer. It drives the "initialize"
// handshake over a Session, exposes typed wrappers for every client-callable method, and
// answers the server's reverse calls (roots/list, sampling/createMessage) through
// embedder-supplied handlers.
type Client struct {
	info              Info
	capabilities      ClientCapabilities
	initializeTimeout time.Duration
	sessionOpts       []SessionOption
	logger            *slog.Logger

	rootsHandler RootsListHandler
	rootsUpdater RootsListUpdater
	rootsMu      sync.RWMutex
	roots        map[string]Root

	samplingHandler SamplingHandler

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	session            *Session
	serverInfo         Info
	serverCapabilities ServerCapabilities
}

// NewClient constructs a Client advertising info. It does not connect until Connect is
// called.
func NewClient(info Info, opts ...ClientOption) *Client {
	c := &Client{
		info:              info,
		initializeTimeout: 20 * time.Second,
		logger:            slog.Default(),
		roots:             make(map[string]Root),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// listAddedRoots returns a stable snapshot of roots registered via AddRoot.
func (c *Client) listAddedRoots() []Root {
	c.rootsMu.RLock()
	defer c.rootsMu.RUnlock()
	out := make([]Root, 0, len(c.roots))
	for _, r := range c.roots {
		out = append(out, r)
	}
	return out
}

// AddRoot adds (or replaces) a root this client grants the server access to.
func (c *Client) AddRoot(root Root) {
	c.rootsMu.Lock()
	c.roots[root.URI] = root
	c.rootsMu.Unlock()
}

// RemoveRoot removes a previously-added root by URI.
func (c *Client) RemoveRoot(uri string) {
	c.rootsMu.Lock()
	delete(c.roots, uri)
	c.rootsMu.Unlock()
}

// Connect binds transport to a fresh Session, negotiates the protocol version, and
// blocks until the handshake completes or c.initializeTimeout elapses.
func (c *Client) Connect(ctx context.Context, transport Transport) error {
	session, err := NewSession(transport, c.sessionOpts...)
	if err != nil {
		return fmt.Errorf("mcp: connect: %w", err)
	}
	c.session = session

	c.registerReverseCallHandlers()
	c.registerNotificationHandlers()

	ictx, cancel := context.WithTimeout(ctx, c.initializeTimeout)
	defer cancel()

	proposed := SupportedProtocolVersions[len(SupportedProtocolVersions)-1]
	result, err := SendRequest[InitializeResult](ictx, session, methodInitialize, InitializeParams{
		ProtocolVersion: proposed,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		_ = session.Close()
		return fmt.Errorf("mcp: initialize: %w", err)
	}

	if !supportsProtocolVersion(result.ProtocolVersion) {
		_ = session.Close()
		return fmt.Errorf("mcp: initialize: %w", errUnsupportedProtocolVersion(result.ProtocolVersion, SupportedProtocolVersions))
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities

	if err := session.SendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		_ = session.Close()
		return fmt.Errorf("mcp: send initialized notification: %w", err)
	}
	session.MarkInitialized()

	if c.rootsUpdater != nil {
		go c.watchRootsUpdates(ctx)
	}
	return nil
}

func (c *Client) watchRootsUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.rootsUpdater.RootsListUpdates():
			if !ok {
				return
			}
			if err := c.session.SendNotification(ctx, methodNotificationsRootsListChanged, nil); err != nil {
				c.logger.Error("failed to send roots list changed notification", slog.String("err", err.Error()))
			}
		}
	}
}

// registerReverseCallHandlers wires "roots/list" and "sampling/createMessage" regardless
// of whether embedder handlers were configured: an unconfigured capability must still
// answer with an explicit MethodNotFound rather than silently hanging, per §8 scenario 3.
func (c *Client) registerReverseCallHandlers() {
	c.session.RegisterRequestHandler(MethodRootsList, func(ctx context.Context, id RequestID, raw json.RawMessage) (any, error) {
		if c.capabilities.Roots == nil {
			return nil, &RPCError{
				Code:    CodeMethodNotFound,
				Message: "Roots not supported",
				Data:    mustMarshal(map[string]any{"reason": "Client does not have roots capability"}),
			}
		}
		if c.rootsHandler != nil {
			roots, err := c.rootsHandler.RootsList(ctx)
			if err != nil {
				return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
			}
			return ListRootsResult{Roots: roots}, nil
		}
		return ListRootsResult{Roots: c.listAddedRoots()}, nil
	})

	c.session.RegisterRequestHandler(MethodSamplingCreateMessage, func(ctx context.Context, id RequestID, raw json.RawMessage) (any, error) {
		if c.samplingHandler == nil {
			return nil, &RPCError{
				Code:    CodeMethodNotFound,
				Message: "client does not support sampling",
				Data:    mustMarshal(map[string]any{"reason": "no sampling handler configured"}),
			}
		}
		params, err := unmarshalInto[CreateMessageParams](raw)
		if err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
		result, err := c.samplingHandler.CreateMessage(ctx, params)
		if err != nil {
			return nil, &RPCError{Code: CodeInternalError, Message: err.Error()}
		}
		return result, nil
	})
}

func (c *Client) registerNotificationHandlers() {
	c.session.RegisterNotificationHandler(methodNotificationsPromptsListChanged, func(ctx context.Context, raw json.RawMessage) {
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged()
		}
	})
	c.session.RegisterNotificationHandler(methodNotificationsResourcesListChanged, func(ctx context.Context, raw json.RawMessage) {
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged()
		}
	})
	c.session.RegisterNotificationHandler(methodNotificationsResourcesUpdated, func(ctx context.Context, raw json.RawMessage) {
		if c.resourceSubscribedWatcher == nil {
			return
		}
		params, err := unmarshalInto[ResourceUpdatedParams](raw)
		if err != nil {
			c.logger.Error("failed to unmarshal resource updated params", slog.String("err", err.Error()))
			return
		}
		c.resourceSubscribedWatcher.OnResourceUpdated(params.URI)
	})
	c.session.RegisterNotificationHandler(methodNotificationsToolsListChanged, func(ctx context.Context, raw json.RawMessage) {
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	})
	c.session.RegisterNotificationHandler(methodNotificationsProgress, func(ctx context.Context, raw json.RawMessage) {
		if c.progressListener == nil {
			return
		}
		params, err := unmarshalInto[ProgressParams](raw)
		if err != nil {
			c.logger.Error("failed to unmarshal progress params", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(params)
	})
	c.session.RegisterNotificationHandler(methodNotificationsMessage, func(ctx context.Context, raw json.RawMessage) {
		if c.logReceiver == nil {
			return
		}
		params, err := unmarshalInto[LogMessageParams](raw)
		if err != nil {
			c.logger.Error("failed to unmarshal log message params", slog.String("err", err.Error()))
			return
		}
		c.logReceiver.OnLog(params)
	})
}

// ServerInfo returns the connected server's advertised name and version.
func (c *Client) ServerInfo() Info { return c.serverInfo }

// ServerCapabilities returns the connected server's advertised capabilities.
func (c *Client) ServerCapabilities() ServerCapabilities { return c.serverCapabilities }

// Close closes the underlying session immediately.
func (c *Client) Close() error { return c.session.Close() }

// CloseGracefully closes the underlying session, draining its transport best-effort.
func (c *Client) CloseGracefully(ctx context.Context) error { return c.session.CloseGracefully(ctx) }

// requireReady guards against invoking a typed wrapper before Connect has completed the
// handshake, per §4.4.1: without it, c.session is nil and every wrapper below would panic
// instead of failing with a typed error.
func (c *Client) requireReady() error {
	if c.session == nil || c.session.State() != stateInitialized {
		return errNotInitialized("this method")
	}
	return nil
}

func (c *Client) requireCapability(ok bool, name string) error {
	if !ok {
		return errCapabilityMissing(name)
	}
	return nil
}

// Ping exercises the symmetric "ping" method.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	_, err := SendRequest[struct{}](ctx, c.session, methodPing, struct{}{})
	return err
}

// ListTools retrieves the server's currently registered tools.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.requireReady(); err != nil {
		return ListToolsResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Tools != nil, "tools"); err != nil {
		return ListToolsResult{}, err
	}
	return SendRequest[ListToolsResult](ctx, c.session, MethodToolsList, params)
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.requireReady(); err != nil {
		return CallToolResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Tools != nil, "tools"); err != nil {
		return CallToolResult{}, err
	}
	return SendRequest[CallToolResult](ctx, c.session, MethodToolsCall, params)
}

// ListResources retrieves the server's currently registered resources.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.requireReady(); err != nil {
		return ListResourcesResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Resources != nil, "resources"); err != nil {
		return ListResourcesResult{}, err
	}
	return SendRequest[ListResourcesResult](ctx, c.session, MethodResourcesList, params)
}

// ReadResource reads a resource's content by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.requireReady(); err != nil {
		return ReadResourceResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Resources != nil, "resources"); err != nil {
		return ReadResourceResult{}, err
	}
	return SendRequest[ReadResourceResult](ctx, c.session, MethodResourcesRead, params)
}

// ListResourceTemplates retrieves the server's registered resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams) (ListResourceTemplatesResult, error) {
	if err := c.requireReady(); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Resources != nil, "resources"); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	return SendRequest[ListResourceTemplatesResult](ctx, c.session, MethodResourcesTemplatesList, params)
}

// SubscribeResource asks the server to notify this client when uri changes. It fails
// locally with KindCapabilityMissing if the server never advertised subscribe support.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if c.serverCapabilities.Resources == nil || !c.serverCapabilities.Resources.Subscribe {
		return errCapabilityMissing("resources.subscribe")
	}
	_, err := SendRequest[struct{}](ctx, c.session, MethodResourcesSubscribe, params)
	return err
}

// UnsubscribeResource cancels a previous subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if c.serverCapabilities.Resources == nil || !c.serverCapabilities.Resources.Subscribe {
		return errCapabilityMissing("resources.subscribe")
	}
	_, err := SendRequest[struct{}](ctx, c.session, MethodResourcesUnsubscribe, params)
	return err
}

// ListPrompts retrieves the server's currently registered prompts.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if err := c.requireReady(); err != nil {
		return ListPromptsResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Prompts != nil, "prompts"); err != nil {
		return ListPromptsResult{}, err
	}
	return SendRequest[ListPromptsResult](ctx, c.session, MethodPromptsList, params)
}

// GetPrompt renders a prompt by name.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.requireReady(); err != nil {
		return GetPromptResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Prompts != nil, "prompts"); err != nil {
		return GetPromptResult{}, err
	}
	return SendRequest[GetPromptResult](ctx, c.session, MethodPromptsGet, params)
}

// Complete asks the server for completion suggestions against a prompt argument or a
// resource template variable.
func (c *Client) Complete(ctx context.Context, params CompleteParams) (CompleteResult, error) {
	if err := c.requireReady(); err != nil {
		return CompleteResult{}, err
	}
	if err := c.requireCapability(c.serverCapabilities.Completions != nil, "completions"); err != nil {
		return CompleteResult{}, err
	}
	return SendRequest[CompleteResult](ctx, c.session, MethodCompletionComplete, params)
}

// SetLogLevel asks the server to only deliver log messages at or above level.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if err := c.requireCapability(c.serverCapabilities.Logging != nil, "logging"); err != nil {
		return err
	}
	_, err := SendRequest[struct{}](ctx, c.session, MethodLoggingSetLevel, SetLevelParams{Level: level})
	return err
}
