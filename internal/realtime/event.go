package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates the live event types pushed to clients.
type EventKind string

const (
	EventKindChatMessage     EventKind = "chat_message"
	EventKindNewNotification EventKind = "new_notification"
)

// EventKindFor returns the only event kind a topic of the given kind carries.
func EventKindFor(kind TopicKind) EventKind {
	if kind == TopicKindChat {
		return EventKindChatMessage
	}
	return EventKindNewNotification
}

// Event is one published message or notification. Values are never mutated after NewEvent;
// the sink returns a copy carrying the assigned sequence.
type Event struct {
	ID        string
	Topic     Topic
	SenderID  string
	Kind      EventKind
	Payload   json.RawMessage
	Timestamp time.Time
	Sequence  int64
}

// EventConfig carries the inputs required to construct an Event.
type EventConfig struct {
	ID        string
	Topic     Topic
	SenderID  string
	Payload   json.RawMessage
	Timestamp time.Time
}

// NewEvent validates the configuration and returns an Event whose kind follows its topic.
// Timestamps are kept at millisecond precision, the resolution history is stored at.
func NewEvent(cfg EventConfig) (Event, error) {
	topic, err := ParseTopic(cfg.Topic.String())
	if err != nil {
		return Event{}, err
	}
	senderID := strings.TrimSpace(cfg.SenderID)
	if senderID == "" {
		return Event{}, fmt.Errorf("%w: sender required", ErrInvalidEvent)
	}
	payload := bytes.TrimSpace(cfg.Payload)
	if len(payload) == 0 || !json.Valid(payload) {
		return Event{}, fmt.Errorf("%w: payload must be valid json", ErrInvalidEvent)
	}
	return Event{
		ID:        strings.TrimSpace(cfg.ID),
		Topic:     topic,
		SenderID:  senderID,
		Kind:      EventKindFor(topic.Kind()),
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: cfg.Timestamp.UTC().Truncate(time.Millisecond),
	}, nil
}

// WithSequence returns a copy of the event carrying the sink-assigned sequence.
func (e Event) WithSequence(sequence int64) Event {
	e.Payload = append(json.RawMessage(nil), e.Payload...)
	e.Sequence = sequence
	return e
}

// BacklogEntry is one persisted event as seen by a particular reader.
type BacklogEntry struct {
	Event Event
	Read  bool
}

// IDProvider issues identifiers for events and connections.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
