package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// connectClientSession wires a bare client-side Session (not a full Client) to server's
// registries over an in-memory transport pair, and drives the initialize handshake.
func connectClientSession(t *testing.T, server *Server) (*Session, func()) {
	t.Helper()

	clientTr, serverTr := newMemTransportPair()
	serverSession, err := server.NewSession(serverTr)
	if err != nil {
		t.Fatalf("server.NewSession: %v", err)
	}

	client, err := NewSession(clientTr)
	if err != nil {
		t.Fatalf("client session: %v", err)
	}

	result, err := SendRequest[InitializeResult](context.Background(), client, methodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      Info{Name: "test-client", Version: "0.0.1"},
	})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if result.ServerInfo.Name == "" {
		t.Fatalf("initialize result missing server info: %+v", result)
	}

	if err := client.SendNotification(context.Background(), methodNotificationsInitialized, nil); err != nil {
		t.Fatalf("send initialized notification: %v", err)
	}
	client.MarkInitialized()

	// Give the server session a moment to observe the notification before the test
	// issues its next request.
	time.Sleep(10 * time.Millisecond)

	cleanup := func() {
		_ = client.Close()
		_ = serverSession.Close()
	}
	return client, cleanup
}

func TestServerRejectsMethodsBeforeInitialized(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithTools())
	clientTr, serverTr := newMemTransportPair()
	if _, err := server.NewSession(serverTr); err != nil {
		t.Fatalf("server.NewSession: %v", err)
	}

	client, err := NewSession(clientTr)
	if err != nil {
		t.Fatalf("client session: %v", err)
	}
	defer client.Close()

	_, err = SendRequest[ListToolsResult](context.Background(), client, MethodToolsList, ListToolsParams{})
	if err == nil {
		t.Fatal("expected tools/list to fail before initialize")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidRequest {
		t.Fatalf("got %v, want InvalidRequest", err)
	}
}

func TestServerRejectsConcurrentInitialize(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"})
	client, cleanup := connectClientSession(t, server)
	defer cleanup()

	_, err := SendRequest[InitializeResult](context.Background(), client, methodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
	})
	if err == nil {
		t.Fatal("expected a second initialize to fail")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidRequest {
		t.Fatalf("got %v, want InvalidRequest", err)
	}
}

func TestServerToolLifecycle(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithTools())
	client, cleanup := connectClientSession(t, server)
	defer cleanup()

	called := make(chan string, 1)
	err := server.AddTool(Tool{Name: "greet"}, func(ctx context.Context, ex *Exchange, args json.RawMessage) (CallToolResult, error) {
		called <- "greet"
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: "hi"}}}, nil
	})
	if err != nil {
		t.Fatalf("AddTool: %v", err)
	}
	if err := server.AddTool(Tool{Name: "greet"}, nil); err == nil {
		t.Fatal("expected KindAlreadyExists adding a duplicate tool")
	}

	list, err := SendRequest[ListToolsResult](context.Background(), client, MethodToolsList, ListToolsParams{})
	if err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "greet" {
		t.Fatalf("got %+v", list)
	}

	result, err := SendRequest[CallToolResult](context.Background(), client, MethodToolsCall, CallToolParams{Name: "greet"})
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Fatalf("got %+v", result)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("tool handler was never invoked")
	}

	if err := server.RemoveTool("greet"); err != nil {
		t.Fatalf("RemoveTool: %v", err)
	}
	if err := server.RemoveTool("greet"); err == nil {
		t.Fatal("expected KindNotFound removing an already-removed tool")
	}
}

func TestServerToolsCallUnknownToolIsInvalidParams(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithTools())
	client, cleanup := connectClientSession(t, server)
	defer cleanup()

	_, err := SendRequest[CallToolResult](context.Background(), client, MethodToolsCall, CallToolParams{Name: "nope"})
	if err == nil {
		t.Fatal("expected an error calling an unregistered tool")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("got %v, want InvalidParams", err)
	}
}

func TestServerRequiresClientCapabilities(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithRequireClientRoots())
	clientTr, serverTr := newMemTransportPair()
	if _, err := server.NewSession(serverTr); err != nil {
		t.Fatalf("server.NewSession: %v", err)
	}

	client, err := NewSession(clientTr)
	if err != nil {
		t.Fatalf("client session: %v", err)
	}
	defer client.Close()

	_, err = SendRequest[InitializeResult](context.Background(), client, methodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
	})
	if err == nil {
		t.Fatal("expected initialize to fail without the required roots capability")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != CodeInvalidParams {
		t.Fatalf("got %v, want InvalidParams", err)
	}
}

func TestServerListChangedBroadcast(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithResources(false))
	client, cleanup := connectClientSession(t, server)
	defer cleanup()

	notified := make(chan struct{}, 1)
	client.RegisterNotificationHandler(methodNotificationsResourcesListChanged, func(ctx context.Context, raw json.RawMessage) {
		notified <- struct{}{}
	})

	if err := server.AddResource(Resource{URI: "file:///a"}, nil); err != nil {
		t.Fatalf("AddResource: %v", err)
	}

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("list-changed notification was never broadcast")
	}
}
