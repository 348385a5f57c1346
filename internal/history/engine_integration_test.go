package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/realtime"
)

type collectingSubscriber struct {
	id     string
	topic  realtime.Topic
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (s *collectingSubscriber) ID() string                { return s.id }
func (s *collectingSubscriber) Topic() realtime.Topic     { return s.topic }
func (s *collectingSubscriber) Principal() auth.Principal { return auth.Principal{ID: "12", Role: auth.RolePatient} }

func (s *collectingSubscriber) Deliver(frame []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, decoded)
	return nil
}

func (s *collectingSubscriber) Close(realtime.CloseReason) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *collectingSubscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func historyMessages(t *testing.T, frame map[string]any) []string {
	t.Helper()
	if frame["type"] != realtime.FrameChatHistory {
		t.Fatalf("expected chat_history frame, got %v", frame)
	}
	var texts []string
	for _, item := range frame["messages"].([]any) {
		texts = append(texts, item.(map[string]any)["message"].(string))
	}
	return texts
}

func TestEngineReplaysPersistedHistoryAcrossReconnect(t *testing.T) {
	store, _ := newTestStore(t, 0, nil)
	engine, err := realtime.NewEngine(realtime.EngineConfig{
		Registry: realtime.NewRegistry(),
		History:  store,
		Sink:     store,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	ctx := context.Background()
	topic := realtime.Topic("chat:7")

	for _, message := range []string{"m1", "m2"} {
		if _, err := engine.Publish(ctx, realtime.Event{Topic: topic, SenderID: "12", Payload: json.RawMessage(fmt.Sprintf(`{"message":%q}`, message))}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	first := &collectingSubscriber{id: "conn-1", topic: topic}
	if err := engine.Attach(ctx, first); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	engine.Detach(first)

	if _, err := engine.Publish(ctx, realtime.Event{Topic: topic, SenderID: "40", Payload: json.RawMessage(`{"message":"m3"}`)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	second := &collectingSubscriber{id: "conn-2", topic: topic}
	if err := engine.Attach(ctx, second); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	if got := fmt.Sprint(historyMessages(t, first.frames[0])); got != "[m1 m2]" || len(first.frames) != 1 {
		t.Fatalf("expected first session to see [m1 m2] only, got %v", first.frames)
	}
	if got := fmt.Sprint(historyMessages(t, second.frames[0])); got != "[m1 m2 m3]" {
		t.Fatalf("expected reconnect to replay [m1 m2 m3], got %s", got)
	}
}

func TestEngineLiveAndReplayedTimestampsMatch(t *testing.T) {
	store, _ := newTestStore(t, 0, nil)
	stamp := time.Date(2026, 5, 6, 7, 8, 9, 987654321, time.UTC)
	engine, err := realtime.NewEngine(realtime.EngineConfig{
		Registry: realtime.NewRegistry(),
		History:  store,
		Sink:     store,
		Clock:    func() time.Time { return stamp },
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	ctx := context.Background()
	topic := realtime.Topic("chat:12-40")

	live := &collectingSubscriber{id: "conn-live", topic: topic}
	if err := engine.Attach(ctx, live); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if _, err := engine.Publish(ctx, realtime.Event{Topic: topic, SenderID: "12", Payload: json.RawMessage(`{"message":"hi"}`)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	replay := &collectingSubscriber{id: "conn-replay", topic: topic}
	if err := engine.Attach(ctx, replay); err != nil {
		t.Fatalf("attach failed: %v", err)
	}

	if len(live.frames) != 2 || live.frames[1]["type"] != realtime.FrameChatMessage {
		t.Fatalf("expected backlog then chat_message, got %v", live.frames)
	}
	liveStamp := live.frames[1]["timestamp"]
	messages := replay.frames[0]["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected one replayed message, got %v", messages)
	}
	replayStamp := messages[0].(map[string]any)["timestamp"]
	if liveStamp != replayStamp {
		t.Fatalf("live timestamp %v differs from replayed %v", liveStamp, replayStamp)
	}
	if liveStamp != "2026-05-06T07:08:09.987Z" {
		t.Fatalf("expected millisecond timestamp, got %v", liveStamp)
	}
}
