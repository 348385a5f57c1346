package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
	"go.uber.org/zap"
)

const (
	defaultAuthTimeout = 10 * time.Second
	defaultSendBuffer  = 64
)

// Authenticator resolves the credential of a connection request to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, credential, claimedUserID, claimedRole string) (auth.Principal, error)
}

// ConnectRequest carries the parameters a client presents when opening a connection.
type ConnectRequest struct {
	Credential    string
	ClaimedUserID string
	ClaimedRole   string
	Selector      TopicSelector
}

// ManagerConfig describes the collaborators of the lifecycle manager.
type ManagerConfig struct {
	Authenticator Authenticator
	Engine        *Engine
	IDProvider    IDProvider
	Clock         func() time.Time
	AuthTimeout   time.Duration
	SendBuffer    int
	Logger        *zap.Logger
	Observer      Observer
}

// Manager owns every open connection and runs each one through
// CONNECTING -> AUTHENTICATED -> SUBSCRIBED -> CLOSING -> CLOSED.
type Manager struct {
	authenticator Authenticator
	engine        *Engine
	idProvider    IDProvider
	clock         func() time.Time
	authTimeout   time.Duration
	sendBuffer    int
	logger        *zap.Logger
	observer      Observer

	mu          sync.Mutex
	connections map[string]*Connection
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Manager{
		authenticator: cfg.Authenticator,
		engine:        cfg.Engine,
		idProvider:    idProvider,
		clock:         clock,
		authTimeout:   authTimeout,
		sendBuffer:    sendBuffer,
		logger:        logger,
		observer:      observer,
		connections:   make(map[string]*Connection),
	}, nil
}

// Serve runs one connection from CONNECTING to CLOSED and returns the error that ended it.
// A clean close by the peer returns nil.
func (m *Manager) Serve(ctx context.Context, transport Transport, request ConnectRequest) error {
	if transport == nil {
		return errMissingTransport
	}
	connectionID, err := m.idProvider.NewID()
	if err != nil {
		_ = transport.Close(CloseInternal)
		return fmt.Errorf("realtime: connection id: %w", err)
	}

	conn := newConnection(ctx, connectionID, transport, m.sendBuffer, m.clock)
	m.track(conn)
	defer m.untrack(conn)
	m.observer.ConnectionOpened()
	defer func() {
		conn.Close(CloseNormal)
		<-conn.Done()
		m.observer.ConnectionClosed(conn.CloseReason())
	}()

	go conn.writeLoop()
	go func() {
		<-conn.ctx.Done()
		conn.Close(CloseGoingAway)
	}()

	logger := m.logger.With(zap.String("connection_id", connectionID))

	principal, err := m.authenticate(conn.ctx, request)
	if err != nil {
		m.logAuthFailure(logger, err)
		conn.Close(CloseReasonFor(err))
		return err
	}
	if err := conn.markAuthenticated(principal); err != nil {
		conn.Close(CloseNormal)
		return err
	}
	logger = logger.With(zap.String("user_id", principal.ID), zap.String("role", principal.Role.String()))

	topic, err := ResolveTopic(principal, request.Selector)
	if err != nil {
		logger.Info("connection topic rejected", zap.Error(err))
		conn.Close(CloseReasonFor(err))
		return err
	}
	if err := conn.bindTopic(topic, func(closed *Connection) { m.engine.Detach(closed) }); err != nil {
		conn.Close(CloseNormal)
		return err
	}
	logger = logger.With(zap.String("topic", topic.String()))

	if err := m.engine.Attach(conn.ctx, conn); err != nil {
		if conn.Closed() {
			return nil
		}
		logger.Error("connection attach failed", zap.Error(err))
		conn.Close(CloseReasonFor(err))
		return err
	}
	if err := conn.markSubscribed(); err != nil {
		// closed concurrently while the backlog was queued
		return nil
	}
	logger.Debug("connection subscribed")

	err = m.readLoop(conn, logger)
	conn.Close(CloseReasonFor(err))
	if errors.Is(err, ErrTransportClosed) {
		return nil
	}
	return err
}

// Shutdown closes every open connection with a going-away reason and waits for them to
// reach CLOSED or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		open = append(open, conn)
	}
	m.mu.Unlock()

	for _, conn := range open {
		conn.Close(CloseGoingAway)
	}
	for _, conn := range open {
		select {
		case <-conn.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// OpenConnections reports how many connections have not finished serving.
func (m *Manager) OpenConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// authenticate bounds the authenticator by the auth timeout; an expired attempt counts as an
// invalid token.
func (m *Manager) authenticate(ctx context.Context, request ConnectRequest) (auth.Principal, error) {
	authCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	defer cancel()

	type authResult struct {
		principal auth.Principal
		err       error
	}
	results := make(chan authResult, 1)
	go func() {
		principal, err := m.authenticator.Authenticate(authCtx, request.Credential, request.ClaimedUserID, request.ClaimedRole)
		results <- authResult{principal: principal, err: err}
	}()

	select {
	case result := <-results:
		if result.err != nil && authCtx.Err() != nil && !errors.Is(result.err, auth.ErrInvalidToken) {
			return auth.Principal{}, fmt.Errorf("%w: authentication did not complete: %v", auth.ErrInvalidToken, result.err)
		}
		return result.principal, result.err
	case <-authCtx.Done():
		return auth.Principal{}, fmt.Errorf("%w: authentication did not complete: %v", auth.ErrInvalidToken, authCtx.Err())
	}
}

type inboundChatFrame struct {
	Message json.RawMessage `json:"message"`
	Sender  string          `json:"sender"`
}

func (m *Manager) readLoop(conn *Connection, logger *zap.Logger) error {
	for {
		frame, err := conn.transport.Receive(conn.ctx)
		if err != nil {
			return err
		}
		conn.touch()

		if conn.Topic().Kind() != TopicKindChat {
			logger.Debug("ignoring inbound frame on push-only topic")
			continue
		}
		if err := m.publishChatFrame(conn, frame); err != nil {
			logger.Warn("inbound chat frame rejected", zap.Error(err))
			if errorFrame, encodeErr := EncodeError(publishErrorCode(err)); encodeErr == nil {
				_ = conn.Deliver(errorFrame)
			}
		}
	}
}

// publishChatFrame turns a client {message, sender} frame into a chat event. The sender field
// always reflects the authenticated role, never the client's claim.
func (m *Manager) publishChatFrame(conn *Connection, frame []byte) error {
	if err := ValidateChatFrame(frame); err != nil {
		return err
	}
	var inbound inboundChatFrame
	if err := json.Unmarshal(frame, &inbound); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	principal := conn.Principal()
	payload, err := json.Marshal(map[string]any{
		"message": inbound.Message,
		"sender":  principal.Role.String(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	_, err = m.engine.Publish(conn.ctx, Event{
		Topic:    conn.Topic(),
		SenderID: principal.ID,
		Kind:     EventKindChatMessage,
		Payload:  payload,
	})
	return err
}

func publishErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEvent):
		return "invalid_message"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "publish_failed"
	}
}

func (m *Manager) logAuthFailure(logger *zap.Logger, err error) {
	if errors.Is(err, auth.ErrIdentityMismatch) {
		logger.Warn("connection identity mismatch", zap.Error(err))
		return
	}
	logger.Info("connection authentication failed", zap.Error(err))
}

func (m *Manager) track(conn *Connection) {
	m.mu.Lock()
	m.connections[conn.ID()] = conn
	m.mu.Unlock()
}

func (m *Manager) untrack(conn *Connection) {
	m.mu.Lock()
	delete(m.connections, conn.ID())
	m.mu.Unlock()
}
