package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func connectClient(t *testing.T, server *Server, opts ...ClientOption) (*Client, func()) {
	t.Helper()

	clientTr, serverTr := newMemTransportPair()
	if _, err := server.NewSession(serverTr); err != nil {
		t.Fatalf("server.NewSession: %v", err)
	}

	client := NewClient(Info{Name: "test-client", Version: "0.0.1"}, opts...)
	if err := client.Connect(context.Background(), clientTr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return client, func() { _ = client.Close() }
}

func TestClientConnectNegotiatesAndReportsServerInfo(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "9.9"}, WithInstructions("be nice"))
	client, cleanup := connectClient(t, server)
	defer cleanup()

	if client.ServerInfo().Name != "srv" {
		t.Fatalf("ServerInfo = %+v", client.ServerInfo())
	}
}

func TestClientCallToolRequiresServerCapability(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}) // tools capability not enabled
	client, cleanup := connectClient(t, server)
	defer cleanup()

	_, err := client.CallTool(context.Background(), CallToolParams{Name: "anything"})
	if err == nil {
		t.Fatal("expected CallTool to fail when the server never advertised tools")
	}
	mcpErr, ok := err.(*Error)
	if !ok || mcpErr.Kind != KindCapabilityMissing {
		t.Fatalf("got %v, want KindCapabilityMissing", err)
	}
}

func TestClientCallToolRoundTrip(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithTools())
	if err := server.AddTool(Tool{Name: "add"}, func(ctx context.Context, ex *Exchange, args json.RawMessage) (CallToolResult, error) {
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: "3"}}}, nil
	}); err != nil {
		t.Fatalf("AddTool: %v", err)
	}

	client, cleanup := connectClient(t, server)
	defer cleanup()

	result, err := client.CallTool(context.Background(), CallToolParams{Name: "add"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "3" {
		t.Fatalf("got %+v", result)
	}
}

func TestClientAnswersServerRootsListCall(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithTools(), WithRequireClientRoots())
	rootsCh := make(chan []Root, 1)
	if err := server.AddTool(Tool{Name: "list-roots"}, func(ctx context.Context, ex *Exchange, args json.RawMessage) (CallToolResult, error) {
		result, err := ex.ListRoots(ctx, ListRootsParams{})
		if err != nil {
			return CallToolResult{}, err
		}
		rootsCh <- result.Roots
		return CallToolResult{}, nil
	}); err != nil {
		t.Fatalf("AddTool: %v", err)
	}

	client, cleanup := connectClient(t, server, WithClientRootsCapability())
	defer cleanup()
	client.AddRoot(Root{URI: "file:///project", Name: "project"})

	if _, err := client.CallTool(context.Background(), CallToolParams{Name: "list-roots"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	select {
	case roots := <-rootsCh:
		if len(roots) != 1 || roots[0].URI != "file:///project" {
			t.Fatalf("got %+v", roots)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the roots/list result")
	}
}

func TestClientConnectRejectsUnsupportedProtocolVersion(t *testing.T) {
	clientTr, serverTr := newMemTransportPair()

	// A bare Session standing in for a misbehaving server that echoes a protocol
	// version the client never offered.
	fakeServer, err := NewSession(serverTr)
	if err != nil {
		t.Fatalf("fake server session: %v", err)
	}
	defer fakeServer.Close()
	fakeServer.RegisterRequestHandler(methodInitialize, func(ctx context.Context, id RequestID, raw json.RawMessage) (any, error) {
		return InitializeResult{
			ProtocolVersion: "1999-01-01",
			ServerInfo:      Info{Name: "rogue-server", Version: "0.0.1"},
		}, nil
	})

	client := NewClient(Info{Name: "test-client", Version: "0.0.1"})
	err = client.Connect(context.Background(), clientTr)
	if err == nil {
		t.Fatal("expected Connect to fail on an unsupported protocol version")
	}
	var mcpErr *Error
	if !errors.As(err, &mcpErr) || mcpErr.Kind != KindUnsupportedProtocolVersion {
		t.Fatalf("got %v, want KindUnsupportedProtocolVersion", err)
	}
}

type fakeWatcher struct{ notified chan struct{} }

func (w *fakeWatcher) OnToolListChanged() { w.notified <- struct{}{} }

func TestClientToolListWatcherReceivesNotification(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithTools())
	watcher := &fakeWatcher{notified: make(chan struct{}, 1)}
	_, cleanup := connectClient(t, server, WithToolListWatcher(watcher))
	defer cleanup()

	if err := server.AddTool(Tool{Name: "x"}, func(ctx context.Context, ex *Exchange, args json.RawMessage) (CallToolResult, error) {
		return CallToolResult{}, nil
	}); err != nil {
		t.Fatalf("AddTool: %v", err)
	}

	select {
	case <-watcher.notified:
	case <-time.After(time.Second):
		t.Fatal("tool list watcher was never notified")
	}
}

func TestClientMethodBeforeConnectFailsWithNotInitialized(t *testing.T) {
	client := NewClient(Info{Name: "test-client", Version: "0.0.1"})

	_, err := client.ListTools(context.Background(), ListToolsParams{})
	if err == nil {
		t.Fatal("expected ListTools to fail before Connect")
	}
	mcpErr, ok := err.(*Error)
	if !ok || mcpErr.Kind != KindNotInitialized {
		t.Fatalf("got %v, want KindNotInitialized", err)
	}
}

func TestClientSetLogLevelRequiresServerCapability(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"})
	client, cleanup := connectClient(t, server)
	defer cleanup()

	if err := client.SetLogLevel(context.Background(), LogLevelWarning); err == nil {
		t.Fatal("expected SetLogLevel to fail without the logging capability")
	}
}
