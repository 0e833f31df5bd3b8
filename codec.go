package mcp

import (
	"encoding/json"
	"fmt"
)

// encode serializes an Envelope to canonical, single-line JSON. Embedders should never
// need to call this directly; transports use it when framing outbound bytes (see the
// stdio binding's newline-safety requirement).
func encode(env Envelope) ([]byte, error) {
	env.JSONRPC = JSONRPCVersion
	bs, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode envelope: %w", err)
	}
	return bs, nil
}

// decode parses raw bytes into an Envelope and classifies it into request, response, or
// notification per the discrimination rule in the data model: an id plus a method is a
// request; an id plus a result or an error is a response; a method alone is a
// notification. A value that matches none of the three is returned with Kind ==
// KindInvalid rather than as an error, so the caller can still reply with InvalidRequest
// carrying the original (possibly absent) id.
func decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("mcp: decode envelope: %w", err)
	}
	env.Kind = classify(env)
	return env, nil
}

func classify(env Envelope) EnvelopeKind {
	switch {
	case env.ID != "" && env.Method != "":
		return KindRequest
	case env.ID != "" && (env.Result != nil || env.Error != nil):
		return KindResponse
	case env.ID == "" && env.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// unmarshalInto decodes raw into a value of type T, tolerating unknown fields so that a
// peer running a newer protocol revision doesn't break an older one.
func unmarshalInto[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("mcp: unmarshal %T: %w", v, err)
	}
	return v, nil
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		// Every value passed here is one of this package's own request/result
		// structs; a marshal failure means a programming error, not bad input.
		panic(fmt.Sprintf("mcp: marshal %T: %v", v, err))
	}
	return bs
}

func newRequestEnvelope(id RequestID, method string, params any) Envelope {
	return Envelope{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: mustMarshal(params), Kind: KindRequest}
}

func newNotificationEnvelope(method string, params any) Envelope {
	return Envelope{JSONRPC: JSONRPCVersion, Method: method, Params: mustMarshal(params), Kind: KindNotification}
}

func newResultEnvelope(id RequestID, result any) Envelope {
	res := mustMarshal(result)
	if res == nil {
		// A nil result must still be present-but-null on the wire, not omitted,
		// so the receiver can discriminate it from a notification.
		res = json.RawMessage("null")
	}
	return Envelope{JSONRPC: JSONRPCVersion, ID: id, Result: res, Kind: KindResponse}
}

func newErrorEnvelope(id RequestID, rpcErr RPCError) Envelope {
	return Envelope{JSONRPC: JSONRPCVersion, ID: id, Error: &rpcErr, Kind: KindResponse}
}
