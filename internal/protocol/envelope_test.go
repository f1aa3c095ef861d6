package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"type":"message","id":"c-1","payload":{"conversation_id":"conv-1","content":"Hello"}}`),
		[]byte(`{"type":"typing","payload":{"conversation_id":"conv-2"}}`),
		[]byte(`{"type":"notification"}`),
	}

	for _, raw := range cases {
		env, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		again, err := Decode(Encode(env))
		if err != nil {
			t.Fatalf("re-decode: %v", err)
		}
		if again.Type != env.Type || again.ID != env.ID || !bytes.Equal(again.Payload, env.Payload) {
			t.Fatalf("round trip mismatch: %+v vs %+v", env, again)
		}
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"not json", []byte("not json at all")},
		{"empty", nil},
		{"json array", []byte(`[1,2,3]`)},
		{"missing type", []byte(`{"payload":{"content":"hi"}}`)},
		{"empty type", []byte(`{"type":""}`)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			var wireErr *WireError
			if !errors.As(err, &wireErr) {
				t.Fatalf("expected *WireError, got %v", err)
			}
			if wireErr.Kind != KindMalformedEnvelope {
				t.Fatalf("expected kind %q, got %q", KindMalformedEnvelope, wireErr.Kind)
			}
		})
	}
}

func TestErrorEnvelopeCarriesCorrelationRef(t *testing.T) {
	env := ErrorEnvelope(KindUnsupportedMessageType, "no handler for type presence", "c-42")
	if env.Type != TypeError {
		t.Fatalf("expected error envelope, got %q", env.Type)
	}

	decoded, err := Decode(Encode(env))
	if err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if !bytes.Contains(decoded.Payload, []byte(`"ref":"c-42"`)) {
		t.Fatalf("error payload missing correlation ref: %s", decoded.Payload)
	}
	if !bytes.Contains(decoded.Payload, []byte(KindUnsupportedMessageType)) {
		t.Fatalf("error payload missing kind: %s", decoded.Payload)
	}
}
