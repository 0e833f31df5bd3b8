package mcp

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the version of the Model Context Protocol this package speaks
// when none of the versions a peer offers can be negotiated down to something older.
const ProtocolVersion = "2024-11-05"

// SupportedProtocolVersions is the ordered list of protocol versions a Client is willing
// to negotiate, oldest first. The last element is the version it proposes at handshake time.
var SupportedProtocolVersions = []string{
	"2024-10-07",
	"2024-11-05",
}

// supportsProtocolVersion reports whether v is one this package is willing to speak.
func supportsProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// JSONRPCVersion is the literal value every envelope's "jsonrpc" field must carry.
const JSONRPCVersion = "2.0"

// RequestID is a JSON-RPC request/response identifier. The wire format allows either a
// JSON string or a JSON number; RequestID normalizes both to a string so it can be used
// as a map key throughout the session layer.
type RequestID string

// UnmarshalJSON accepts either a JSON string or a JSON number and stores it as a string.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		*r = RequestID(v)
	case float64:
		*r = RequestID(fmt.Sprintf("%d", int64(v)))
	default:
		return fmt.Errorf("mcp: invalid request id type %T", v)
	}
	return nil
}

// MarshalJSON always encodes a RequestID as a JSON string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

// Envelope is the union of the three JSON-RPC 2.0 message shapes the protocol exchanges:
// request, response, and notification. Which shape a decoded Envelope represents is
// determined by Kind, set by classify during decode.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`

	// Kind is not part of the wire format; it is filled in by decode/classify and
	// consulted by the session dispatcher to route the envelope.
	Kind EnvelopeKind `json:"-"`
}

// EnvelopeKind discriminates the three JSON-RPC message shapes.
type EnvelopeKind int

const (
	// KindInvalid marks an envelope that matched none of the three known shapes.
	KindInvalid EnvelopeKind = iota
	KindRequest
	KindResponse
	KindNotification
)

// IsRequest reports whether the envelope carries a method and an id.
func (e Envelope) IsRequest() bool { return e.Kind == KindRequest }

// IsResponse reports whether the envelope carries an id and a result or an error.
func (e Envelope) IsResponse() bool { return e.Kind == KindResponse }

// IsNotification reports whether the envelope carries a method and no id.
func (e Envelope) IsNotification() bool { return e.Kind == KindNotification }

// RPCError is the error object of a JSON-RPC response. Exactly one of Result/Error is
// ever populated on a response Envelope.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp: rpc error %d: %s", e.Code, e.Message)
}

// Reserved JSON-RPC 2.0 error codes, as carried unmodified by MCP.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Method names recognized by the protocol layer (C4). Unexported method constants are
// the fixed lifecycle/notification methods; exported ones are part of the public surface
// because embedders match against them (e.g. in custom logging or metrics hooks).
const (
	methodInitialize = "initialize"
	methodPing       = "ping"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsMessage              = "notifications/message"
	methodNotificationsProgress             = "notifications/progress"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
	methodNotificationsRootsListChanged     = "notifications/roots/list_changed"

	MethodToolsList              = "tools/list"
	MethodToolsCall              = "tools/call"
	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesTemplatesList = "resources/templates/list"
	MethodResourcesSubscribe     = "resources/subscribe"
	MethodResourcesUnsubscribe   = "resources/unsubscribe"
	MethodPromptsList            = "prompts/list"
	MethodPromptsGet             = "prompts/get"
	MethodLoggingSetLevel        = "logging/setLevel"
	MethodCompletionComplete     = "completion/complete"
	MethodRootsList              = "roots/list"
	MethodSamplingCreateMessage  = "sampling/createMessage"
)

// Info identifies a protocol peer (name + version), advertised by both sides at
// initialize time.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities is the capability set a client advertises at initialize. Each field's
// presence (non-nil) enables the corresponding feature family on this client.
type ClientCapabilities struct {
	Roots        *RootsCapability    `json:"roots,omitempty"`
	Sampling     *SamplingCapability `json:"sampling,omitempty"`
	Experimental map[string]any      `json:"experimental,omitempty"`
}

// RootsCapability advertises that the client maintains a roots list and, optionally,
// will notify the server when it changes.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability advertises that the client can service sampling/createMessage calls.
type SamplingCapability struct{}

// ServerCapabilities is the capability set a server advertises at initialize. Each field's
// presence (non-nil) enables the corresponding feature family on this server.
type ServerCapabilities struct {
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Resources    *ResourcesCapability   `json:"resources,omitempty"`
	Prompts      *PromptsCapability     `json:"prompts,omitempty"`
	Logging      *LoggingCapability     `json:"logging,omitempty"`
	Completions  *CompletionsCapability `json:"completions,omitempty"`
	Experimental map[string]any         `json:"experimental,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type LoggingCapability struct{}

type CompletionsCapability struct{}

// InitializeParams is the payload of the client's "initialize" request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the payload of the server's reply to "initialize".
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Cursor is an opaque pagination token. Callers MUST forward the value they receive in
// NextCursor byte-identically; the session never parses it.
type Cursor string

// PaginatedParams is embedded by every list-method's params type.
type PaginatedParams struct {
	Cursor Cursor `json:"cursor,omitempty"`
}

// Role is the speaker of a PromptMessage or SamplingMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType discriminates the payload carried by a Content value.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeAudio    ContentType = "audio"
	ContentTypeResource ContentType = "resource"
)

// Content is a single piece of message content. Exactly the fields relevant to Type are
// populated; the rest are left at their zero value.
type Content struct {
	Type        ContentType  `json:"type"`
	Annotations *Annotations `json:"annotations,omitempty"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`

	Resource *ResourceContents `json:"resource,omitempty"`
}

// Annotations hints to a client how to treat a piece of content.
type Annotations struct {
	Audience []Role `json:"audience,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ResourceContents is the body of a resource, as text or as a base64 blob.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// Tool is the discovery metadata for a registered tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsParams is the payload of a "tools/list" request.
type ListToolsParams struct {
	PaginatedParams
}

// ListToolsResult is the payload of a "tools/list" response.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor Cursor `json:"nextCursor,omitempty"`
}

// CallToolParams is the payload of a "tools/call" request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the payload of a "tools/call" response. IsError distinguishes a
// *handler-reported* failure (still a successful JSON-RPC response) from a JSON-RPC
// error, which is reserved for protocol-level faults (bad method, bad params, etc).
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Resource is the discovery metadata for a registered resource.
type Resource struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// ResourceTemplate is pure discovery metadata for a URI template; it has no handler.
type ResourceTemplate struct {
	Annotations *Annotations `json:"annotations,omitempty"`
	URITemplate string       `json:"uriTemplate"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	MimeType    string       `json:"mimeType,omitempty"`
}

// ListResourcesParams is the payload of a "resources/list" request.
type ListResourcesParams struct {
	PaginatedParams
}

// ListResourcesResult is the payload of a "resources/list" response.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor Cursor     `json:"nextCursor,omitempty"`
}

// ReadResourceParams is the payload of a "resources/read" request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the payload of a "resources/read" response.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams is the payload of a "resources/templates/list" request.
type ListResourceTemplatesParams struct {
	PaginatedParams
}

// ListResourceTemplatesResult is the payload of a "resources/templates/list" response.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        Cursor             `json:"nextCursor,omitempty"`
}

// SubscribeResourceParams is the payload of a "resources/subscribe" request.
type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

// UnsubscribeResourceParams is the payload of a "resources/unsubscribe" request.
type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the payload of a "notifications/resources/updated" notification.
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// Prompt is the discovery metadata for a registered prompt.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one named argument a Prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptMessage is a single turn returned by GetPrompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ListPromptsParams is the payload of a "prompts/list" request.
type ListPromptsParams struct {
	PaginatedParams
}

// ListPromptsResult is the payload of a "prompts/list" response.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor Cursor   `json:"nextCursor,omitempty"`
}

// GetPromptParams is the payload of a "prompts/get" request.
type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the payload of a "prompts/get" response.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// Reference kinds accepted by CompletionRef.Type.
const (
	CompletionRefPrompt   = "ref/prompt"
	CompletionRefResource = "ref/resource"
)

// CompletionRef identifies what a completion/complete call is completing against: either
// a registered prompt (by Name) or a resource template (by URI).
type CompletionRef struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

// CompletionArgument names the argument being completed and the text typed so far.
type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CompleteParams is the payload of a "completion/complete" request.
type CompleteParams struct {
	Ref      CompletionRef      `json:"ref"`
	Argument CompletionArgument `json:"argument"`
}

// Completion is the nested payload of a CompleteResult.
type Completion struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// CompleteResult is the payload of a "completion/complete" response.
type CompleteResult struct {
	Completion Completion `json:"completion"`
}

// Root is a filesystem/URI boundary the client grants the server permission to reference.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ListRootsParams is the payload of a "roots/list" request (server calling client).
type ListRootsParams struct {
	PaginatedParams
}

// ListRootsResult is the payload of a "roots/list" response.
type ListRootsResult struct {
	Roots      []Root `json:"roots"`
	NextCursor Cursor `json:"nextCursor,omitempty"`
}

// ModelPreferences hints the client's model selection for a sampling request.
type ModelPreferences struct {
	CostPriority         float64 `json:"costPriority,omitempty"`
	SpeedPriority        float64 `json:"speedPriority,omitempty"`
	IntelligencePriority float64 `json:"intelligencePriority,omitempty"`
}

// SamplingMessage is one turn of the conversation handed to the client for sampling.
type SamplingMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// CreateMessageParams is the payload of a "sampling/createMessage" request (server
// calling client).
type CreateMessageParams struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	MaxTokens        int               `json:"maxTokens"`
}

// CreateMessageResult is the payload of a "sampling/createMessage" response.
type CreateMessageResult struct {
	Role       Role    `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stopReason,omitempty"`
}

// LogLevel is the severity of a log message, ordered low-to-high exactly as RFC 5424's
// syslog levels: DEBUG < INFO < NOTICE < WARNING < ERROR < CRITICAL < ALERT < EMERGENCY.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelNotice
	LogLevelWarning
	LogLevelError
	LogLevelCritical
	LogLevelAlert
	LogLevelEmergency
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "debug"
	case LogLevelInfo:
		return "info"
	case LogLevelNotice:
		return "notice"
	case LogLevelWarning:
		return "warning"
	case LogLevelError:
		return "error"
	case LogLevelCritical:
		return "critical"
	case LogLevelAlert:
		return "alert"
	case LogLevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// UnmarshalJSON accepts the protocol's lowercase level names.
func (l *LogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	levels := map[string]LogLevel{
		"debug": LogLevelDebug, "info": LogLevelInfo, "notice": LogLevelNotice,
		"warning": LogLevelWarning, "error": LogLevelError, "critical": LogLevelCritical,
		"alert": LogLevelAlert, "emergency": LogLevelEmergency,
	}
	lvl, ok := levels[s]
	if !ok {
		return fmt.Errorf("mcp: invalid log level %q", s)
	}
	*l = lvl
	return nil
}

// MarshalJSON encodes a LogLevel using its protocol name.
func (l LogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// SetLevelParams is the payload of a "logging/setLevel" request.
type SetLevelParams struct {
	Level LogLevel `json:"level"`
}

// LogMessageParams is the payload of a "notifications/message" notification.
type LogMessageParams struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// ProgressParams is the payload of a "notifications/progress" notification.
type ProgressParams struct {
	ProgressToken RequestID `json:"progressToken"`
	Progress      float64   `json:"progress"`
	Total         float64   `json:"total,omitempty"`
}
