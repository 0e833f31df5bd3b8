package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// ToolHandlerFunc executes a registered tool. The Exchange lets it call back into the
// client (sampling, logging) while it runs.
type ToolHandlerFunc func(ctx context.Context, ex *Exchange, args json.RawMessage) (CallToolResult, error)

// ResourceHandlerFunc reads a registered resource.
type ResourceHandlerFunc func(ctx context.Context, ex *Exchange, req ReadResourceParams) (ReadResourceResult, error)

// PromptHandlerFunc renders a registered prompt.
type PromptHandlerFunc func(ctx context.Context, ex *Exchange, req GetPromptParams) (GetPromptResult, error)

// CompletionHandlerFunc answers a completion request for a specific (refType, refID) key.
type CompletionHandlerFunc func(ctx context.Context, ex *Exchange, arg CompletionArgument) (CompleteResult, error)

type toolEntry struct {
	tool    Tool
	handler ToolHandlerFunc
}

type resourceEntry struct {
	resource Resource
	handler  ResourceHandlerFunc
}

type promptEntry struct {
	prompt  Prompt
	handler PromptHandlerFunc
}

type completionKey struct {
	refType string
	refID   string
}

type completionEntry struct {
	key     completionKey
	handler CompletionHandlerFunc
}

// registry[K, V] is a copy-on-write ordered map: writers (add/remove) take the mutex and
// publish a fresh map and order slice; readers (get/snapshot/len) only ever dereference an
// atomic.Pointer and never take the mutex, so a slow or blocked writer can never stall a
// concurrent list or dispatch.
type registry[K comparable, V any] struct {
	mu      sync.Mutex // serializes writers only; readers never take it
	byKey   atomic.Pointer[map[K]V]
	order   atomic.Pointer[[]K]
	keyName string
}

func newRegistry[K comparable, V any](keyName string) *registry[K, V] {
	r := &registry[K, V]{keyName: keyName}
	empty := make(map[K]V)
	r.byKey.Store(&empty)
	emptyOrder := make([]K, 0)
	r.order.Store(&emptyOrder)
	return r
}

// add inserts key→value, failing with KindAlreadyExists if key is already present.
// Concurrent duplicate inserts resolve with exactly one winner because the mutex
// serializes the check-then-insert.
func (r *registry[K, V]) add(key K, value V, keyStr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.byKey.Load()
	if _, ok := current[key]; ok {
		return errAlreadyExists(r.keyName, keyStr)
	}

	next := make(map[K]V, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[key] = value
	r.byKey.Store(&next)

	nextOrder := append(append([]K{}, *r.order.Load()...), key)
	r.order.Store(&nextOrder)
	return nil
}

// remove deletes key, failing with KindNotFound if it isn't present.
func (r *registry[K, V]) remove(key K, keyStr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.byKey.Load()
	if _, ok := current[key]; !ok {
		return errNotFound(r.keyName, keyStr)
	}

	next := make(map[K]V, len(current)-1)
	for k, v := range current {
		if k != key {
			next[k] = v
		}
	}
	r.byKey.Store(&next)

	oldOrder := *r.order.Load()
	nextOrder := make([]K, 0, len(oldOrder))
	for _, k := range oldOrder {
		if k != key {
			nextOrder = append(nextOrder, k)
		}
	}
	r.order.Store(&nextOrder)
	return nil
}

// get returns the value registered for key. Lock-free: it dereferences the current
// published map without ever contending with add/remove.
func (r *registry[K, V]) get(key K) (V, bool) {
	v, ok := (*r.byKey.Load())[key]
	return v, ok
}

// snapshot returns a stable, ordered copy of the current values, safe to range over
// while a concurrent add/remove is in flight. Lock-free for the same reason as get.
func (r *registry[K, V]) snapshot() []V {
	byKey := *r.byKey.Load()
	keys := *r.order.Load()
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	return out
}

func (r *registry[K, V]) len() int {
	return len(*r.byKey.Load())
}
