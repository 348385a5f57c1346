package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
)

// ConnectionState is a step of the per-connection lifecycle.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateAuthenticated
	StateSubscribed
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// Transport is the bidirectional stream underneath a connection.
type Transport interface {
	// Receive blocks until the next inbound frame. It returns ErrTransportClosed once the
	// stream is gone and ErrTransportTimeout when the peer stops answering liveness pings.
	Receive(ctx context.Context) ([]byte, error)
	// Send writes one frame, bounded by the transport's write deadline.
	Send(ctx context.Context, frame []byte) error
	// Close reports the reason to the peer where possible and releases the stream.
	Close(reason CloseReason) error
}

// Connection is one live transport session. It is owned by the Manager; the registry only
// references it between Attach and the CLOSED transition.
type Connection struct {
	id        string
	transport Transport
	clock     func() time.Time
	outbound  chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        ConnectionState
	principal    auth.Principal
	topic        Topic
	lastActivity time.Time
	closeReason  CloseReason
	onClosed     func(*Connection)
	closed       chan struct{}
}

func newConnection(ctx context.Context, id string, transport Transport, sendBuffer int, clock func() time.Time) *Connection {
	connectionCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:           id,
		transport:    transport,
		clock:        clock,
		outbound:     make(chan []byte, sendBuffer),
		ctx:          connectionCtx,
		cancel:       cancel,
		state:        StateConnecting,
		lastActivity: clock(),
		closed:       make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// Principal returns the authenticated identity, zero before authentication.
func (c *Connection) Principal() auth.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Topic returns the bound topic, empty before subscription.
func (c *Connection) Topic() Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// CloseReason returns the reason recorded by the first Close call.
func (c *Connection) CloseReason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Closed reports whether the connection has left the open states.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state >= StateClosing
}

// Done is closed once the connection reaches CLOSED.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Deliver queues a frame for the writer without blocking.
func (c *Connection) Deliver(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateClosing {
		return ErrTransportClosed
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close drives the connection through CLOSING to CLOSED. Only the first call has an effect:
// it cancels in-flight work, closes the transport and runs the cleanup hook exactly once.
func (c *Connection) Close(reason CloseReason) {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.closeReason = reason
	onClosed := c.onClosed
	c.mu.Unlock()

	c.cancel()
	_ = c.transport.Close(reason)
	if onClosed != nil {
		onClosed(c)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	close(c.closed)
}

func (c *Connection) markAuthenticated(principal auth.Principal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, c.state, StateAuthenticated)
	}
	c.principal = principal
	c.state = StateAuthenticated
	return nil
}

// bindTopic records the topic and the cleanup that must run when the connection closes.
func (c *Connection) bindTopic(topic Topic, onClosed func(*Connection)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return fmt.Errorf("%w: bind topic in %s", errInvalidTransition, c.state)
	}
	c.topic = topic
	c.onClosed = onClosed
	return nil
}

func (c *Connection) markSubscribed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, c.state, StateSubscribed)
	}
	c.state = StateSubscribed
	return nil
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = c.clock()
	c.mu.Unlock()
}

// writeLoop is the only goroutine that writes to the transport.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.outbound:
			if err := c.transport.Send(c.ctx, frame); err != nil {
				c.Close(CloseReasonFor(err))
				return
			}
		}
	}
}
