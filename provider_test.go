package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func httpPost(t *testing.T, url, body string) (*http.Response, error) {
	t.Helper()
	return http.Post(url, "application/json", strings.NewReader(body))
}

func startTestProvider(t *testing.T, server *Server) (*httptest.Server, func()) {
	t.Helper()

	// The provider needs to embed its own base URL in the "endpoint" event it sends,
	// which is only known once httptest.Server has picked a port — so build the
	// provider against a placeholder and patch it in once the real server is up.
	provider := NewServerSessionProvider(server, "http://placeholder", "/sse", "/message")
	real := httptest.NewServer(provider.Handler())
	provider.baseURL = real.URL

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = provider.CloseGracefully(ctx)
		real.Close()
	}
	return real, cleanup
}

func TestProviderEndToEndToolCall(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"}, WithTools())
	if err := server.AddTool(Tool{Name: "ping-tool"}, func(ctx context.Context, ex *Exchange, args json.RawMessage) (CallToolResult, error) {
		return CallToolResult{Content: []Content{{Type: ContentTypeText, Text: "pong"}}}, nil
	}); err != nil {
		t.Fatalf("AddTool: %v", err)
	}

	srv, cleanup := startTestProvider(t, server)
	defer cleanup()

	client := NewClient(Info{Name: "test-client", Version: "0.0.1"})
	tr := NewSSEClientTransport(srv.URL + "/sse")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx, tr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	result, err := client.CallTool(context.Background(), CallToolParams{Name: "ping-tool"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "pong" {
		t.Fatalf("got %+v", result)
	}
}

func TestProviderMessageEndpointRejectsUnknownSession(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"})
	srv, cleanup := startTestProvider(t, server)
	defer cleanup()

	resp, err := httpPost(t, srv.URL+"/message?sessionId=does-not-exist", `{"jsonrpc":"2.0","id":"1","method":"ping"}`)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProviderMessageEndpointRequiresSessionID(t *testing.T) {
	server := NewServer(Info{Name: "srv", Version: "1.0"})
	srv, cleanup := startTestProvider(t, server)
	defer cleanup()

	resp, err := httpPost(t, srv.URL+"/message", `{}`)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
