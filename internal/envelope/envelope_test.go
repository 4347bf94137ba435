package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"uaip-hub/internal/apierr"
)

func testEnvelope(t *testing.T) Envelope {
	t.Helper()
	e, err := New(
		Entity{ID: "device-1", Type: EntityDevice},
		Entity{ID: "agent-1", Type: EntityAiAgent},
		ActionExecute,
	).WithPriority(Critical).WithTTL(5000).Build()
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return e
}

func TestBuildAssignsRequiredFields(t *testing.T) {
	e := testEnvelope(t)
	if e.Header.Version != ProtocolVersion {
		t.Errorf("version = %q, want %q", e.Header.Version, ProtocolVersion)
	}
	if e.Header.MessageID == "" {
		t.Error("message_id must not be empty")
	}
	if e.Header.Timestamp.IsZero() {
		t.Error("timestamp must be set")
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate message_id %q", id)
		}
		seen[id] = true
	}
}

func TestQoS2ImpliesRequiresAck(t *testing.T) {
	e, err := New(Entity{ID: "d", Type: EntityDevice}, Entity{ID: "a", Type: EntityAiAgent}, ActionRead).
		WithQoS(ExactlyOnce).
		WithRequiresAck(false).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !e.Metadata.RequiresAck {
		t.Error("ExactlyOnce must imply requires_ack regardless of field value")
	}
}

func TestZeroTTLRejected(t *testing.T) {
	_, err := New(Entity{ID: "d", Type: EntityDevice}, Entity{ID: "a", Type: EntityAiAgent}, ActionRead).
		WithTTL(0).
		Build()
	var apiErr *apierr.Error
	if !apierr.As(err, &apiErr) || apiErr.Code != apierr.InvalidMessage {
		t.Fatalf("expected InvalidMessage, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	e := testEnvelope(t)
	data, err := Encode(&e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Header.MessageID != e.Header.MessageID {
		t.Errorf("message_id mismatch after round trip: %q vs %q", decoded.Header.MessageID, e.Header.MessageID)
	}
	if decoded.Header.Priority != e.Header.Priority {
		t.Errorf("priority mismatch after round trip: %v vs %v", decoded.Header.Priority, e.Header.Priority)
	}
	if !decoded.Header.Timestamp.Equal(e.Header.Timestamp) {
		t.Errorf("timestamp mismatch after round trip: %v vs %v", decoded.Header.Timestamp, e.Header.Timestamp)
	}
}

func TestCanonicalWireFieldNames(t *testing.T) {
	e := testEnvelope(t)
	data, err := Encode(&e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"header", "security", "payload", "metadata"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing top-level field %q in wire encoding", field)
		}
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw["header"], &header); err != nil {
		t.Fatalf("unmarshal header: %v", err)
	}
	var priority string
	if err := json.Unmarshal(header["priority"], &priority); err != nil {
		t.Fatalf("unmarshal priority: %v", err)
	}
	if priority != "critical" {
		t.Errorf("priority wire value = %q, want %q", priority, "critical")
	}
}

func TestUnknownEnumRejected(t *testing.T) {
	raw := []byte(`{
		"header": {
			"version": "1.0", "message_id": "msg_1", "timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `",
			"ttl": 1000, "priority": "urgent",
			"sender": {"id": "d", "type": "device"}, "recipient": {"id": "a", "type": "ai_agent"}
		},
		"security": {"authentication": {"method": "jwt", "token": ""}},
		"payload": {"action": "read"},
		"metadata": {"requires_ack": false, "qos": "at_most_once"}
	}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected decode to reject unknown priority variant")
	}
}

func TestIncrementHopRejectsOverflow(t *testing.T) {
	e, err := New(Entity{ID: "d", Type: EntityDevice}, Entity{ID: "a", Type: EntityAiAgent}, ActionRead).
		WithRouting(Routing{HopCount: 2, MaxHops: 2, Path: []string{"h1", "h2"}}).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := IncrementHop(e); err == nil {
		t.Fatal("expected IncrementHop to reject exceeding max_hops")
	}
}
