// Package mcp implements the Model Context Protocol: a bidirectional JSON-RPC 2.0
// runtime connecting LLM applications to external tools, resources, and prompts.
//
// The package is layered into a symmetric core and two asymmetric faces built on top of
// it. Session (session.go) multiplexes request/response pairs and notifications over a
// single Transport and is shared by both ends of a connection. Server (server.go) owns
// the process-wide registries of tools, resources, prompts, and completion handlers, and
// binds a fresh Session to them for every accepted connection via Server.NewSession.
// Client (client.go) drives the "initialize" handshake from the other end and exposes
// typed wrappers for every client-callable method, answering the server's own reverse
// calls (roots/list, sampling/createMessage) through embedder-supplied handlers.
//
// Two Transport implementations are provided: StdioTransport (stdio.go) frames envelopes
// as line-delimited JSON over a pipe, for a single persistent connection; SSEClientTransport
// (sse.go) and ServerSessionProvider (provider.go) implement the HTTP+SSE binding, where a
// client discovers its message-posting URL via an SSE "endpoint" event and the provider
// serves many concurrent sessions behind one set of registries.
package mcp
