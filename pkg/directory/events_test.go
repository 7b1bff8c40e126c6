package directory

import (
	"encoding/json"
	"testing"
)

func TestConversationCreatedEvent_JSONRoundTrip(t *testing.T) {
	want := ConversationCreatedEvent{StreamID: 42, OwnerID: "user-1"}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got ConversationCreatedEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestNewEventSubscriber_ConnectionRefused(t *testing.T) {
	_, err := NewEventSubscriber("nats://127.0.0.1:1", nil, nil)
	if err == nil {
		t.Fatal("expected connection error against an unreachable NATS URL")
	}
}
