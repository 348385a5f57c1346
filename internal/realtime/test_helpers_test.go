package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
)

const (
	testSigningSecret = "realtime-secret"
	testIssuer        = "courier-auth"
	testAudience      = "courier-api"
	frameWait         = time.Second
	quietWait         = 150 * time.Millisecond
)

type memoryStore struct {
	mu         sync.Mutex
	events     []Event
	sequence   int64
	persistErr error
	fetchErr   error
}

func (s *memoryStore) Persist(_ context.Context, event Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return Event{}, s.persistErr
	}
	s.sequence++
	stored := event.WithSequence(s.sequence)
	s.events = append(s.events, stored)
	return stored, nil
}

func (s *memoryStore) FetchBacklog(ctx context.Context, topic Topic, _ auth.Principal) ([]BacklogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var entries []BacklogEntry
	for _, event := range s.events {
		if event.Topic == topic {
			entries = append(entries, BacklogEntry{Event: event})
		}
	}
	return entries, nil
}

func (s *memoryStore) eventIDs(topic Topic) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, event := range s.events {
		if event.Topic == topic {
			ids = append(ids, event.ID)
		}
	}
	return ids
}

type recordingSubscriber struct {
	id          string
	topic       Topic
	principal   auth.Principal
	deliverErr  error
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeReason CloseReason
}

func newRecordingSubscriber(id string, topic Topic) *recordingSubscriber {
	return &recordingSubscriber{id: id, topic: topic, principal: auth.Principal{ID: id, Role: auth.RolePatient}}
}

func (s *recordingSubscriber) ID() string                { return s.id }
func (s *recordingSubscriber) Topic() Topic              { return s.topic }
func (s *recordingSubscriber) Principal() auth.Principal { return s.principal }

func (s *recordingSubscriber) Deliver(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrTransportClosed
	}
	if s.deliverErr != nil {
		return s.deliverErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *recordingSubscriber) Close(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeReason = reason
	}
}

func (s *recordingSubscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSubscriber) waitClosed(t *testing.T) CloseReason {
	t.Helper()
	deadline := time.Now().Add(frameWait)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		closed, reason := s.closed, s.closeReason
		s.mu.Unlock()
		if closed {
			return reason
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected subscriber to be closed within deadline")
	return CloseReason{}
}

func (s *recordingSubscriber) decodedFrames(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	decoded := make([]map[string]any, 0, len(s.frames))
	for _, frame := range s.frames {
		decoded = append(decoded, decodeFrame(t, frame))
	}
	return decoded
}

type pipeTransport struct {
	inbound   chan []byte
	sent      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	reason    CloseReason
	closeHits int
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		inbound: make(chan []byte, 16),
		sent:    make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (p *pipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.inbound:
		return frame, nil
	case <-p.closed:
		return nil, ErrTransportClosed
	}
}

func (p *pipeTransport) Send(_ context.Context, frame []byte) error {
	select {
	case <-p.closed:
		return ErrTransportClosed
	default:
	}
	p.sent <- frame
	return nil
}

func (p *pipeTransport) Close(reason CloseReason) error {
	p.mu.Lock()
	p.closeHits++
	p.mu.Unlock()
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.reason = reason
		p.mu.Unlock()
		close(p.closed)
	})
	return nil
}

// hangUp simulates the peer dropping the stream.
func (p *pipeTransport) hangUp() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.reason = CloseNormal
		p.mu.Unlock()
		close(p.closed)
	})
}

func (p *pipeTransport) closeReason() CloseReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *pipeTransport) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-p.sent:
		return decodeFrame(t, frame)
	case <-time.After(frameWait):
		t.Fatal("expected frame within deadline")
		return nil
	}
}

func (p *pipeTransport) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case frame := <-p.sent:
		t.Fatalf("did not expect another frame, got %s", frame)
	case <-time.After(quietWait):
	}
}

func decodeFrame(t *testing.T, frame []byte) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("failed to decode frame %s: %v", frame, err)
	}
	return decoded
}

func mustTopic(t *testing.T, raw string) Topic {
	t.Helper()
	topic, err := ParseTopic(raw)
	if err != nil {
		t.Fatalf("unexpected topic error: %v", err)
	}
	return topic
}

func mustPublish(t *testing.T, engine *Engine, topic Topic, senderID, payload string) Event {
	t.Helper()
	event, err := engine.Publish(context.Background(), Event{
		Topic:    topic,
		SenderID: senderID,
		Payload:  json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	return event
}

func newTestEngine(t *testing.T, store *memoryStore) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Registry: NewRegistry(),
		History:  store,
		Sink:     store,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}

func newTestCredentials(t *testing.T) (*auth.TokenIssuer, *auth.Authenticator) {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}
	return issuer, authenticator
}

func mustIssue(t *testing.T, issuer *auth.TokenIssuer, id string, role auth.Role) string {
	t.Helper()
	token, _, err := issuer.Issue(auth.Principal{ID: id, Role: role})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

var errStoreDown = errors.New("database is locked")
