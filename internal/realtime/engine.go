package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const defaultBacklogTimeout = 5 * time.Second

// HistoryStore reads the persisted backlog of a topic, oldest first.
type HistoryStore interface {
	FetchBacklog(ctx context.Context, topic Topic, reader auth.Principal) ([]BacklogEntry, error)
}

// EventSink durably stores an event and returns it with its assigned sequence.
type EventSink interface {
	Persist(ctx context.Context, event Event) (Event, error)
}

// EngineConfig describes the collaborators of the delivery engine.
type EngineConfig struct {
	Registry       *Registry
	History        HistoryStore
	Sink           EventSink
	IDProvider     IDProvider
	Clock          func() time.Time
	BacklogTimeout time.Duration
	Logger         *zap.Logger
	Observer       Observer
	Tracer         trace.Tracer
}

// Engine persists published events and fans them out to the topic's live subscribers.
// Publishes and attaches of the same topic are serialized; different topics never wait on
// each other.
type Engine struct {
	registry       *Registry
	history        HistoryStore
	sink           EventSink
	idProvider     IDProvider
	clock          func() time.Time
	backlogTimeout time.Duration
	logger         *zap.Logger
	observer       Observer
	tracer         trace.Tracer
	locks          *topicLocks
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.History == nil {
		return nil, errMissingHistory
	}
	if cfg.Sink == nil {
		return nil, errMissingSink
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	backlogTimeout := cfg.BacklogTimeout
	if backlogTimeout <= 0 {
		backlogTimeout = defaultBacklogTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Engine{
		registry:       cfg.Registry,
		history:        cfg.History,
		sink:           cfg.Sink,
		idProvider:     idProvider,
		clock:          clock,
		backlogTimeout: backlogTimeout,
		logger:         logger,
		observer:       observer,
		tracer:         tracer,
		locks:          newTopicLocks(),
	}, nil
}

// Registry exposes the registry the engine fans out from.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Publish persists the event and then pushes it once to every subscriber of its topic.
// Nothing is delivered when persistence fails. Subscribers whose queue rejects the push are
// evicted and closed in the background rather than retried; they recover the event from the
// backlog on reconnect.
func (e *Engine) Publish(ctx context.Context, event Event) (stored Event, err error) {
	ctx, span := e.tracer.Start(ctx, "realtime.publish",
		trace.WithAttributes(tracing.TopicAttributes(event.Topic.String(), string(event.Topic.Kind()))...))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	started := e.clock()
	prepared, err := e.prepare(event)
	if err != nil {
		e.observer.EventPublished(event.Kind, 0, err)
		return Event{}, err
	}
	span.SetAttributes(attribute.String("courier.event_id", prepared.ID))

	unlock := e.locks.lock(prepared.Topic)
	defer unlock()

	stored, err = e.sink.Persist(ctx, prepared)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		e.logger.Error("event persist failed",
			zap.String("topic", prepared.Topic.String()),
			zap.String("event_id", prepared.ID),
			zap.Error(err))
		e.observer.EventPublished(prepared.Kind, e.clock().Sub(started), err)
		return Event{}, err
	}

	frame, err := EncodeLive(stored)
	if err != nil {
		e.observer.EventPublished(stored.Kind, e.clock().Sub(started), err)
		return stored, fmt.Errorf("realtime: encode live frame: %w", err)
	}

	delivered, dropped := 0, 0
	for _, subscriber := range e.registry.SubscribersOf(stored.Topic) {
		if err := subscriber.Deliver(frame); err != nil {
			dropped++
			e.logger.Info("live push dropped",
				zap.String("topic", stored.Topic.String()),
				zap.String("connection_id", subscriber.ID()),
				zap.Error(err))
			e.evict(subscriber, CloseReasonFor(err))
			continue
		}
		delivered++
	}
	span.SetAttributes(
		attribute.Int64("courier.sequence", stored.Sequence),
		attribute.Int("courier.delivered", delivered),
		attribute.Int("courier.dropped", dropped),
	)
	e.observer.LiveDelivered(stored.Kind, delivered, dropped)
	e.observer.EventPublished(stored.Kind, e.clock().Sub(started), nil)
	return stored, nil
}

// Attach subscribes the connection and queues its backlog frame before any live event of the
// topic can be pushed to it. A failing history store yields an empty backlog; live delivery
// continues regardless.
func (e *Engine) Attach(ctx context.Context, subscriber Subscriber) (err error) {
	topic := subscriber.Topic()
	ctx, span := e.tracer.Start(ctx, "realtime.attach",
		trace.WithAttributes(tracing.TopicAttributes(topic.String(), string(topic.Kind()))...))
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if _, err := ParseTopic(topic.String()); err != nil {
		return err
	}

	unlock := e.locks.lock(topic)
	defer unlock()

	e.registry.Subscribe(topic, subscriber)
	if subscriber.Closed() {
		e.registry.Unsubscribe(topic, subscriber)
		return ErrTransportClosed
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.backlogTimeout)
	entries, err := e.history.FetchBacklog(fetchCtx, topic, subscriber.Principal())
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			e.registry.Unsubscribe(topic, subscriber)
			return fmt.Errorf("%w: %v", ErrTransportClosed, ctx.Err())
		}
		e.logger.Warn("backlog unavailable, continuing with live delivery",
			zap.String("topic", topic.String()),
			zap.String("connection_id", subscriber.ID()),
			zap.Error(err))
		entries = nil
	}
	e.observer.BacklogReplayed(topic.Kind(), len(entries), err)
	span.SetAttributes(attribute.Int("courier.backlog_entries", len(entries)))

	frame, err := EncodeBacklog(topic.Kind(), entries)
	if err != nil {
		e.registry.Unsubscribe(topic, subscriber)
		return fmt.Errorf("realtime: encode backlog frame: %w", err)
	}
	if err := subscriber.Deliver(frame); err != nil {
		e.registry.Unsubscribe(topic, subscriber)
		return err
	}
	return nil
}

// evict drops a subscriber that rejected a push. Closing may block on the peer's transport, so
// it runs outside the publish path; later publishes already skip the subscriber.
func (e *Engine) evict(subscriber Subscriber, reason CloseReason) {
	e.registry.Unsubscribe(subscriber.Topic(), subscriber)
	go subscriber.Close(reason)
}

// Detach removes the connection from its topic.
func (e *Engine) Detach(subscriber Subscriber) {
	e.registry.Unsubscribe(subscriber.Topic(), subscriber)
}

func (e *Engine) prepare(event Event) (Event, error) {
	if event.ID == "" {
		id, err := e.idProvider.NewID()
		if err != nil {
			return Event{}, fmt.Errorf("realtime: event id: %w", err)
		}
		event.ID = id
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock()
	}
	return NewEvent(EventConfig{
		ID:        event.ID,
		Topic:     event.Topic,
		SenderID:  event.SenderID,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	})
}

type topicLocks struct {
	mu    sync.Mutex
	locks map[Topic]*topicLock
}

type topicLock struct {
	mu   sync.Mutex
	refs int
}

func newTopicLocks() *topicLocks {
	return &topicLocks{locks: make(map[Topic]*topicLock)}
}

// lock acquires the topic's lock and returns its release function.
func (l *topicLocks) lock(topic Topic) func() {
	l.mu.Lock()
	entry := l.locks[topic]
	if entry == nil {
		entry = &topicLock{}
		l.locks[topic] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, topic)
		}
		l.mu.Unlock()
	}
}
