package realtime

import (
	"bytes"
	"encoding/json"
	"time"
)

// Frame types written to clients.
const (
	FrameChatHistory      = "chat_history"
	FrameChatMessage      = "chat_message"
	FrameOldNotifications = "old_notifications"
	FrameNewNotification  = "new_notification"
	FrameError            = "error"
)

const (
	fieldType      = "type"
	fieldID        = "id"
	fieldSenderID  = "sender_id"
	fieldTimestamp = "timestamp"
	fieldIsRead    = "is_read"
	fieldPayload   = "payload"
	fieldMessages  = "messages"
	fieldData      = "data"
)

// EventView flattens the opaque payload of an event into the object clients render.
// Object payloads contribute their fields directly; any other JSON value is nested under
// "payload". Server fields win over payload fields of the same name.
func EventView(event Event) map[string]any {
	view := map[string]any{}
	payload := bytes.TrimSpace(event.Payload)
	if len(payload) > 0 && payload[0] == '{' {
		_ = json.Unmarshal(payload, &view)
		if view == nil {
			view = map[string]any{}
		}
	} else if len(payload) > 0 {
		view[fieldPayload] = json.RawMessage(payload)
	}
	view[fieldID] = event.ID
	view[fieldSenderID] = event.SenderID
	view[fieldTimestamp] = event.Timestamp.UTC().Format(time.RFC3339Nano)
	return view
}

// NotificationView is EventView plus the reader's read flag.
func NotificationView(entry BacklogEntry) map[string]any {
	view := EventView(entry.Event)
	view[fieldIsRead] = entry.Read
	return view
}

// EncodeBacklog renders the one-time history frame for a topic kind.
func EncodeBacklog(kind TopicKind, entries []BacklogEntry) ([]byte, error) {
	items := make([]map[string]any, 0, len(entries))
	if kind == TopicKindChat {
		for _, entry := range entries {
			items = append(items, EventView(entry.Event))
		}
		return json.Marshal(map[string]any{fieldType: FrameChatHistory, fieldMessages: items})
	}
	for _, entry := range entries {
		items = append(items, NotificationView(entry))
	}
	return json.Marshal(map[string]any{fieldType: FrameOldNotifications, fieldData: items})
}

// EncodeLive renders the frame pushed for a newly published event.
func EncodeLive(event Event) ([]byte, error) {
	if event.Kind == EventKindChatMessage {
		view := EventView(event)
		view[fieldType] = FrameChatMessage
		return json.Marshal(view)
	}
	return json.Marshal(map[string]any{
		fieldType:      FrameNewNotification,
		"notification": NotificationView(BacklogEntry{Event: event}),
	})
}

// EncodeError renders a non-fatal error frame.
func EncodeError(code string) ([]byte, error) {
	return json.Marshal(map[string]any{fieldType: FrameError, "error": code})
}
