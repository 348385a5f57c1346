package realtime

import "time"

// Observer receives lifecycle and delivery signals, typically to feed metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed(reason CloseReason)
	BacklogReplayed(kind TopicKind, entries int, err error)
	EventPublished(kind EventKind, elapsed time.Duration, err error)
	LiveDelivered(kind EventKind, delivered int, dropped int)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened() {}
func (nopObserver) ConnectionClosed(CloseReason) {}
func (nopObserver) BacklogReplayed(TopicKind, int, error) {}
func (nopObserver) EventPublished(EventKind, time.Duration, error) {}
func (nopObserver) LiveDelivered(EventKind, int, int) {}
