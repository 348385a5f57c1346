package realtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNewEventDerivesKindFromTopic(t *testing.T) {
	event, err := NewEvent(EventConfig{
		ID:        "evt-1",
		Topic:     "notify:42",
		SenderID:  "system",
		Payload:   json.RawMessage(` {"patient_message":"X"} `),
		Timestamp: time.Date(2026, time.January, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != EventKindNewNotification {
		t.Fatalf("expected new_notification, got %s", event.Kind)
	}
	if string(event.Payload) != `{"patient_message":"X"}` {
		t.Fatalf("expected trimmed payload, got %s", event.Payload)
	}
	if event.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", event.Timestamp.Location())
	}
}

func TestNewEventRejectsInvalidInput(t *testing.T) {
	testCases := []struct {
		name    string
		config  EventConfig
		wantErr error
	}{
		{name: "bad topic", config: EventConfig{Topic: "room:1", SenderID: "a", Payload: json.RawMessage(`{}`)}, wantErr: ErrInvalidTopic},
		{name: "missing sender", config: EventConfig{Topic: "chat:1-2", SenderID: " ", Payload: json.RawMessage(`{}`)}, wantErr: ErrInvalidEvent},
		{name: "empty payload", config: EventConfig{Topic: "chat:1-2", SenderID: "a"}, wantErr: ErrInvalidEvent},
		{name: "malformed payload", config: EventConfig{Topic: "chat:1-2", SenderID: "a", Payload: json.RawMessage(`{"a":`)}, wantErr: ErrInvalidEvent},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := NewEvent(testCase.config)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestNewEventCopiesPayload(t *testing.T) {
	payload := json.RawMessage(`{"message":"hi"}`)
	event, err := NewEvent(EventConfig{Topic: "chat:1-2", SenderID: "1", Payload: payload})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload[2] = 'X'
	if string(event.Payload) != `{"message":"hi"}` {
		t.Fatalf("expected payload to be isolated from caller buffer, got %s", event.Payload)
	}
}

func TestNewEventTruncatesTimestampToMillisecond(t *testing.T) {
	stamp := time.Date(2026, 3, 4, 10, 30, 0, 123456789, time.FixedZone("CET", 3600))
	event, err := NewEvent(EventConfig{Topic: "chat:1-2", SenderID: "1", Payload: json.RawMessage(`{}`), Timestamp: stamp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 3, 4, 9, 30, 0, 123000000, time.UTC)
	if !event.Timestamp.Equal(want) || event.Timestamp.Location() != time.UTC {
		t.Fatalf("expected %s, got %s", want, event.Timestamp)
	}
}
