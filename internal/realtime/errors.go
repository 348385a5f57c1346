package realtime

import (
	"errors"

	"github.com/findmydoctor/courier/internal/auth"
)

var (
	// ErrStoreUnavailable wraps every failure of the external history store or event sink.
	ErrStoreUnavailable = errors.New("realtime: store unavailable")
	// ErrTransportClosed reports a push or read against a connection that is closing or closed.
	ErrTransportClosed = errors.New("realtime: transport closed")
	// ErrTransportTimeout reports a transport that missed its liveness or write deadline.
	ErrTransportTimeout = errors.New("realtime: transport timeout")
	// ErrSlowConsumer reports a connection whose outbound queue is full.
	ErrSlowConsumer = errors.New("realtime: slow consumer")
	// ErrInvalidTopic reports a topic or selector that cannot be addressed.
	ErrInvalidTopic = errors.New("realtime: invalid topic")
	// ErrInvalidEvent reports an event that fails construction rules.
	ErrInvalidEvent = errors.New("realtime: invalid event")

	errMissingRegistry      = errors.New("realtime: registry required")
	errMissingHistory       = errors.New("realtime: history store required")
	errMissingSink          = errors.New("realtime: event sink required")
	errMissingEngine        = errors.New("realtime: engine required")
	errMissingAuthenticator = errors.New("realtime: authenticator required")
	errMissingTransport     = errors.New("realtime: transport required")
	errInvalidTransition    = errors.New("realtime: invalid state transition")
)

// CloseReason is the code and text reported to the peer when a connection closes.
type CloseReason struct {
	Code int
	Text string
}

var (
	CloseNormal           = CloseReason{Code: 1000, Text: "normal closure"}
	CloseGoingAway        = CloseReason{Code: 1001, Text: "going away"}
	CloseInternal         = CloseReason{Code: 1011, Text: "internal error"}
	CloseInvalidTopic     = CloseReason{Code: 4400, Text: "invalid topic"}
	CloseInvalidToken     = CloseReason{Code: 4401, Text: "invalid token"}
	CloseIdentityMismatch = CloseReason{Code: 4403, Text: "identity mismatch"}
	CloseIdleTimeout      = CloseReason{Code: 4408, Text: "idle timeout"}
	CloseSlowConsumer     = CloseReason{Code: 4429, Text: "slow consumer"}
)

// CloseReasonFor maps an error from the connection flow to the reason reported to the peer.
func CloseReasonFor(err error) CloseReason {
	switch {
	case err == nil:
		return CloseNormal
	case errors.Is(err, auth.ErrIdentityMismatch):
		return CloseIdentityMismatch
	case errors.Is(err, auth.ErrInvalidToken):
		return CloseInvalidToken
	case errors.Is(err, ErrInvalidTopic):
		return CloseInvalidTopic
	case errors.Is(err, ErrTransportTimeout):
		return CloseIdleTimeout
	case errors.Is(err, ErrSlowConsumer):
		return CloseSlowConsumer
	case errors.Is(err, ErrTransportClosed):
		return CloseNormal
	default:
		return CloseInternal
	}
}
