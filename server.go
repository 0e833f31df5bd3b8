package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithInstructions sets the freeform instructions returned in InitializeResult.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// WithTools enables the tools capability family and advertises listChanged support,
// since AddTool/RemoveTool always broadcast a change notification.
func WithTools() ServerOption {
	return func(s *Server) { s.capabilities.Tools = &ToolsCapability{ListChanged: true} }
}

// WithResources enables the resources capability family. subscribe advertises whether
// resources/subscribe is supported.
func WithResources(subscribe bool) ServerOption {
	return func(s *Server) {
		s.capabilities.Resources = &ResourcesCapability{Subscribe: subscribe, ListChanged: true}
	}
}

// WithPrompts enables the prompts capability family and advertises listChanged support.
func WithPrompts() ServerOption {
	return func(s *Server) { s.capabilities.Prompts = &PromptsCapability{ListChanged: true} }
}

// WithLogging enables logging/setLevel and per-session notifications/message delivery.
func WithLogging() ServerOption {
	return func(s *Server) { s.capabilities.Logging = &LoggingCapability{} }
}

// WithCompletions enables completion/complete.
func WithCompletions() ServerOption {
	return func(s *Server) { s.capabilities.Completions = &CompletionsCapability{} }
}

// WithRequireClientRoots refuses to complete initialize unless the client advertised the
// roots capability.
func WithRequireClientRoots() ServerOption {
	return func(s *Server) { s.requireClientRoots = true }
}

// WithRequireClientSampling refuses to complete initialize unless the client advertised
// the sampling capability.
func WithRequireClientSampling() ServerOption {
	return func(s *Server) { s.requireClientSampling = true }
}

// WithServerLogger overrides the default slog.Default() logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// OnSessionConnected registers a callback invoked once a session reaches Initialized.
func OnSessionConnected(fn func(sessionID string, info Info)) ServerOption {
	return func(s *Server) { s.onSessionConnected = fn }
}

// OnSessionDisconnected registers a callback invoked when a session closes.
func OnSessionDisconnected(fn func(sessionID string)) ServerOption {
	return func(s *Server) { s.onSessionDisconnected = fn }
}

// Server is the server face of the C4 protocol layer: it owns the process-wide
// registries of tools, resources, prompts, and completions (§3), wires them to inbound
// requests on every session it is handed, and fans change notifications out to every
// connected session via broadcast (see broadcastNotification and the
// ServerSessionProvider in provider.go).
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	requireClientRoots    bool
	requireClientSampling bool

	tools       *registry[string, toolEntry]
	resources   *registry[string, resourceEntry]
	templates   *registry[string, ResourceTemplate]
	prompts     *registry[string, promptEntry]
	completions *registry[completionKey, completionEntry]

	logger *slog.Logger

	conns sync.Map // map[string]*serverConn

	onSessionConnected    func(sessionID string, info Info)
	onSessionDisconnected func(sessionID string)
}

type serverConn struct {
	session  *Session
	exchange *Exchange
}

// NewServer constructs a Server advertising info and the capability families enabled by
// opts. Registries start empty; call AddTool/AddResource/AddPrompt/AddCompletionHandler
// to populate them before or after sessions connect.
func NewServer(info Info, opts ...ServerOption) *Server {
	s := &Server{
		info:        info,
		logger:      slog.Default(),
		tools:       newRegistry[string, toolEntry]("tool"),
		resources:   newRegistry[string, resourceEntry]("resource"),
		templates:   newRegistry[string, ResourceTemplate]("resource template"),
		prompts:     newRegistry[string, promptEntry]("prompt"),
		completions: newRegistry[completionKey, completionEntry]("completion handler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTool registers a new tool, failing with KindAlreadyExists if tool.Name is already
// registered. On success it broadcasts notifications/tools/list_changed to every
// connected session, if the tools capability advertises listChanged.
func (s *Server) AddTool(tool Tool, handler ToolHandlerFunc) error {
	if err := s.tools.add(tool.Name, toolEntry{tool: tool, handler: handler}, tool.Name); err != nil {
		return err
	}
	s.notifyListChanged(s.capabilities.Tools != nil && s.capabilities.Tools.ListChanged, methodNotificationsToolsListChanged)
	return nil
}

// RemoveTool unregisters a tool, failing with KindNotFound if it isn't registered.
func (s *Server) RemoveTool(name string) error {
	if err := s.tools.remove(name, name); err != nil {
		return err
	}
	s.notifyListChanged(s.capabilities.Tools != nil && s.capabilities.Tools.ListChanged, methodNotificationsToolsListChanged)
	return nil
}

// AddResource registers a new resource, keyed by URI.
func (s *Server) AddResource(resource Resource, handler ResourceHandlerFunc) error {
	if err := s.resources.add(resource.URI, resourceEntry{resource: resource, handler: handler}, resource.URI); err != nil {
		return err
	}
	s.notifyListChanged(s.capabilities.Resources != nil && s.capabilities.Resources.ListChanged, methodNotificationsResourcesListChanged)
	return nil
}

// RemoveResource unregisters a resource by URI.
func (s *Server) RemoveResource(uri string) error {
	if err := s.resources.remove(uri, uri); err != nil {
		return err
	}
	s.notifyListChanged(s.capabilities.Resources != nil && s.capabilities.Resources.ListChanged, methodNotificationsResourcesListChanged)
	return nil
}

// AddResourceTemplate registers discovery metadata for a URI template. Templates have no
// handler; they exist only to be listed and completed against.
func (s *Server) AddResourceTemplate(tmpl ResourceTemplate) error {
	return s.templates.add(tmpl.URITemplate, tmpl, tmpl.URITemplate)
}

// RemoveResourceTemplate unregisters a URI template.
func (s *Server) RemoveResourceTemplate(uriTemplate string) error {
	return s.templates.remove(uriTemplate, uriTemplate)
}

// NotifyResourceUpdated sends "notifications/resources/updated" for uri to every
// Initialized session. Subscriptions are not tracked: sessions that never subscribed to
// uri receive the notification too.
func (s *Server) NotifyResourceUpdated(uri string) {
	s.broadcastNotification(methodNotificationsResourcesUpdated, ResourceUpdatedParams{URI: uri})
}

// AddPrompt registers a new prompt, keyed by name.
func (s *Server) AddPrompt(prompt Prompt, handler PromptHandlerFunc) error {
	if err := s.prompts.add(prompt.Name, promptEntry{prompt: prompt, handler: handler}, prompt.Name); err != nil {
		return err
	}
	s.notifyListChanged(s.capabilities.Prompts != nil && s.capabilities.Prompts.ListChanged, methodNotificationsPromptsListChanged)
	return nil
}

// RemovePrompt unregisters a prompt by name.
func (s *Server) RemovePrompt(name string) error {
	if err := s.prompts.remove(name, name); err != nil {
		return err
	}
	s.notifyListChanged(s.capabilities.Prompts != nil && s.capabilities.Prompts.ListChanged, methodNotificationsPromptsListChanged)
	return nil
}

// AddCompletionHandler registers a completion handler for the (refType, refID) key —
// e.g. ("ref/prompt", "my-prompt") or ("ref/resource", "file:///{path}").
func (s *Server) AddCompletionHandler(refType, refID string, handler CompletionHandlerFunc) error {
	key := completionKey{refType: refType, refID: refID}
	return s.completions.add(key, completionEntry{key: key, handler: handler}, refType+":"+refID)
}

// RemoveCompletionHandler unregisters a completion handler.
func (s *Server) RemoveCompletionHandler(refType, refID string) error {
	key := completionKey{refType: refType, refID: refID}
	return s.completions.remove(key, refType+":"+refID)
}

func (s *Server) notifyListChanged(enabled bool, method string) {
	if !enabled {
		return
	}
	s.broadcastNotification(method, nil)
}

// broadcastNotification sends method/params to every session that has reached
// Initialized. Per-session failures are logged and do not abort the broadcast, matching
// C5's notifyClients contract.
func (s *Server) broadcastNotification(method string, params any) {
	s.conns.Range(func(_, v any) bool {
		conn := v.(*serverConn)
		if conn.session.State() != stateInitialized {
			return true
		}
		if err := conn.session.SendNotification(context.Background(), method, params); err != nil {
			s.logger.Warn("broadcast failed for session",
				slog.String("session", conn.session.ID()), slog.String("method", method), slog.String("err", err.Error()))
		}
		return true
	})
}

// NewSession binds a fresh Session (owning transport) to this Server's registries and
// returns it. This is the "session factory" of §4.5: the ServerSessionProvider calls it
// once per accepted HTTP+SSE connection, and a stdio-based server calls it once for its
// single persistent connection.
func (s *Server) NewSession(transport Transport, opts ...SessionOption) (*Session, error) {
	session, err := NewSession(transport, opts...)
	if err != nil {
		return nil, err
	}

	conn := &serverConn{session: session}
	s.conns.Store(session.ID(), conn)

	session.RegisterRequestHandler(methodInitialize, func(ctx context.Context, id RequestID, raw json.RawMessage) (any, error) {
		return s.handleInitialize(session, raw)
	})
	session.RegisterNotificationHandler(methodNotificationsInitialized, func(ctx context.Context, raw json.RawMessage) {
		s.handleInitialized(session)
	})

	session.RegisterRequestHandler(MethodToolsList, s.guardInitialized(session, s.handleToolsList))
	session.RegisterRequestHandler(MethodToolsCall, s.guardInitialized(session, s.handleToolsCall))
	session.RegisterRequestHandler(MethodResourcesList, s.guardInitialized(session, s.handleResourcesList))
	session.RegisterRequestHandler(MethodResourcesRead, s.guardInitialized(session, s.handleResourcesRead))
	session.RegisterRequestHandler(MethodResourcesTemplatesList, s.guardInitialized(session, s.handleResourceTemplatesList))
	session.RegisterRequestHandler(MethodResourcesSubscribe, s.guardInitialized(session, s.handleResourcesSubscribe))
	session.RegisterRequestHandler(MethodResourcesUnsubscribe, s.guardInitialized(session, s.handleResourcesUnsubscribe))
	session.RegisterRequestHandler(MethodPromptsList, s.guardInitialized(session, s.handlePromptsList))
	session.RegisterRequestHandler(MethodPromptsGet, s.guardInitialized(session, s.handlePromptsGet))
	session.RegisterRequestHandler(MethodCompletionComplete, s.guardInitialized(session, s.handleComplete))
	session.RegisterRequestHandler(MethodLoggingSetLevel, s.guardInitialized(session, s.handleSetLevel))

	return session, nil
}

// Close disconnects every session and forgets it. It does not stop accepting new
// connections; that's the ServerSessionProvider's job.
func (s *Server) Close() {
	s.conns.Range(func(k, v any) bool {
		conn := v.(*serverConn)
		_ = conn.session.Close()
		s.conns.Delete(k)
		return true
	})
}

func (s *Server) forgetSession(id string) {
	if v, ok := s.conns.LoadAndDelete(id); ok {
		if s.onSessionDisconnected != nil {
			s.onSessionDisconnected(id)
		}
		_ = v
	}
}

func (s *Server) handleInitialize(session *Session, raw json.RawMessage) (any, error) {
	if !session.TryTransitionInitializing() {
		// §9's open question: the source SDK tolerates a second initialize with a
		// TODO; we reject it outright rather than guess intent.
		return nil, &RPCError{Code: CodeInvalidRequest, Message: "session is already initializing or initialized"}
	}

	params, err := unmarshalInto[InitializeParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}

	if s.requireClientRoots && params.Capabilities.Roots == nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "client does not support required capability: roots"}
	}
	if s.requireClientSampling && params.Capabilities.Sampling == nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "client does not support required capability: sampling"}
	}

	conn, _ := s.conns.Load(session.ID())
	conn.(*serverConn).exchange = newExchange(session, params.Capabilities, params.ClientInfo)

	negotiated := ProtocolVersion
	for _, v := range SupportedProtocolVersions {
		if v == params.ProtocolVersion {
			negotiated = params.ProtocolVersion
			break
		}
	}

	return InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleInitialized(session *Session) {
	session.MarkInitialized()
	if s.onSessionConnected == nil {
		return
	}
	if v, ok := s.conns.Load(session.ID()); ok {
		conn := v.(*serverConn)
		if conn.exchange != nil {
			s.onSessionConnected(session.ID(), conn.exchange.ClientInfo())
		}
	}
}

// guardInitialized rejects any request arriving before the session has observed
// "notifications/initialized", per §4.3: "Handlers invoked before Initialized MUST
// either be the initialize handler itself or fail."
func (s *Server) guardInitialized(
	session *Session,
	fn func(ex *Exchange, raw json.RawMessage) (any, error),
) RequestHandlerFunc {
	return func(ctx context.Context, id RequestID, raw json.RawMessage) (any, error) {
		if session.State() != stateInitialized {
			return nil, &RPCError{Code: CodeInvalidRequest, Message: "session must be initialized before this method"}
		}
		v, _ := s.conns.Load(session.ID())
		conn := v.(*serverConn)
		return fn(conn.exchange, raw)
	}
}

func (s *Server) handleToolsList(_ *Exchange, raw json.RawMessage) (any, error) {
	params, err := unmarshalInto[ListToolsParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	_ = params
	entries := s.tools.snapshot()
	tools := make([]Tool, 0, len(entries))
	for _, e := range entries {
		tools = append(tools, e.tool)
	}
	return ListToolsResult{Tools: tools}, nil
}

func (s *Server) handleToolsCall(ex *Exchange, raw json.RawMessage) (any, error) {
	params, err := unmarshalInto[CallToolParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	entry, ok := s.tools.get(params.Name)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", params.Name)}
	}
	return entry.handler(context.Background(), ex, params.Arguments)
}

func (s *Server) handleResourcesList(_ *Exchange, raw json.RawMessage) (any, error) {
	entries := s.resources.snapshot()
	resources := make([]Resource, 0, len(entries))
	for _, e := range entries {
		resources = append(resources, e.resource)
	}
	return ListResourcesResult{Resources: resources}, nil
}

func (s *Server) handleResourcesRead(ex *Exchange, raw json.RawMessage) (any, error) {
	params, err := unmarshalInto[ReadResourceParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	entry, ok := s.resources.get(params.URI)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown resource: %s", params.URI)}
	}
	return entry.handler(context.Background(), ex, params)
}

func (s *Server) handleResourceTemplatesList(_ *Exchange, _ json.RawMessage) (any, error) {
	return ListResourceTemplatesResult{ResourceTemplates: s.templates.snapshot()}, nil
}

func (s *Server) handleResourcesSubscribe(_ *Exchange, raw json.RawMessage) (any, error) {
	params, err := unmarshalInto[SubscribeResourceParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if _, ok := s.resources.get(params.URI); !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown resource: %s", params.URI)}
	}
	return struct{}{}, nil
}

func (s *Server) handleResourcesUnsubscribe(_ *Exchange, _ json.RawMessage) (any, error) {
	return struct{}{}, nil
}

func (s *Server) handlePromptsList(_ *Exchange, _ json.RawMessage) (any, error) {
	entries := s.prompts.snapshot()
	prompts := make([]Prompt, 0, len(entries))
	for _, e := range entries {
		prompts = append(prompts, e.prompt)
	}
	return ListPromptsResult{Prompts: prompts}, nil
}

func (s *Server) handlePromptsGet(ex *Exchange, raw json.RawMessage) (any, error) {
	params, err := unmarshalInto[GetPromptParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	entry, ok := s.prompts.get(params.Name)
	if !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown prompt: %s", params.Name)}
	}
	return entry.handler(context.Background(), ex, params)
}

func (s *Server) handleComplete(ex *Exchange, raw json.RawMessage) (any, error) {
	params, err := unmarshalInto[CompleteParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}

	var key completionKey
	switch params.Ref.Type {
	case CompletionRefPrompt:
		if _, ok := s.prompts.get(params.Ref.Name); !ok {
			return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown prompt: %s", params.Ref.Name)}
		}
		key = completionKey{refType: CompletionRefPrompt, refID: params.Ref.Name}
	case CompletionRefResource:
		if _, ok := s.templates.get(params.Ref.URI); !ok {
			return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown resource template: %s", params.Ref.URI)}
		}
		key = completionKey{refType: CompletionRefResource, refID: params.Ref.URI}
	default:
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown completion ref type: %s", params.Ref.Type)}
	}

	entry, ok := s.completions.get(key)
	if !ok {
		return CompleteResult{}, nil
	}
	return entry.handler(context.Background(), ex, params.Argument)
}

func (s *Server) handleSetLevel(ex *Exchange, raw json.RawMessage) (any, error) {
	params, err := unmarshalInto[SetLevelParams](raw)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	ex.setMinLogLevel(params.Level)
	return struct{}{}, nil
}
