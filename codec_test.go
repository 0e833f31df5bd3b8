package mcp

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		want EnvelopeKind
	}{
		{"request", Envelope{ID: "1", Method: "ping"}, KindRequest},
		{"response result", Envelope{ID: "1", Result: json.RawMessage("{}")}, KindResponse},
		{"response error", Envelope{ID: "1", Error: &RPCError{Code: CodeInternalError}}, KindResponse},
		{"notification", Envelope{Method: "notifications/initialized"}, KindNotification},
		{"invalid", Envelope{}, KindInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classify(c.env); got != c.want {
				t.Fatalf("classify(%+v) = %v, want %v", c.env, got, c.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := newRequestEnvelope("abc-1", MethodToolsList, ListToolsParams{})
	bs, err := encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := decode(bs)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindRequest {
		t.Fatalf("decoded Kind = %v, want KindRequest", got.Kind)
	}
	if got.ID != "abc-1" || got.Method != MethodToolsList {
		t.Fatalf("decoded envelope = %+v", got)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	if _, err := decode([]byte("not json")); err == nil {
		t.Fatal("expected an error decoding malformed JSON")
	}
}

func TestRequestIDAcceptsStringOrNumber(t *testing.T) {
	var r RequestID
	if err := json.Unmarshal([]byte(`"abc"`), &r); err != nil {
		t.Fatalf("unmarshal string id: %v", err)
	}
	if r != "abc" {
		t.Fatalf("got %q, want abc", r)
	}

	if err := json.Unmarshal([]byte(`42`), &r); err != nil {
		t.Fatalf("unmarshal numeric id: %v", err)
	}
	if r != "42" {
		t.Fatalf("got %q, want 42", r)
	}

	if err := json.Unmarshal([]byte(`{}`), &r); err == nil {
		t.Fatal("expected an error unmarshaling an object as a request id")
	}
}

func TestLogLevelRoundTrip(t *testing.T) {
	for _, lvl := range []LogLevel{LogLevelDebug, LogLevelWarning, LogLevelEmergency} {
		bs, err := json.Marshal(lvl)
		if err != nil {
			t.Fatalf("marshal %v: %v", lvl, err)
		}
		var got LogLevel
		if err := json.Unmarshal(bs, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", bs, err)
		}
		if got != lvl {
			t.Fatalf("round trip %v -> %s -> %v", lvl, bs, got)
		}
	}

	var bad LogLevel
	if err := json.Unmarshal([]byte(`"noisy"`), &bad); err == nil {
		t.Fatal("expected an error for an unrecognized log level")
	}
}

func TestNewResultEnvelopeKeepsExplicitNull(t *testing.T) {
	env := newResultEnvelope("1", nil)
	if env.Result == nil {
		t.Fatal("expected a present-but-null result, got nil (would look like a notification)")
	}
	if string(env.Result) != "null" {
		t.Fatalf("got %s, want null", env.Result)
	}
}
