package history

import (
	"errors"
	"fmt"
)

var (
	// ErrEventNotFound reports an event that does not exist or is not visible to the caller.
	ErrEventNotFound = errors.New("history: event not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
)

// ServiceError carries a dotted operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "history.store.new"
	opPersist           = "history.persist"
	opFetchBacklog      = "history.fetch_backlog"
	opMarkRead          = "history.mark_read"
	opListNotifications = "history.list_notifications"
	opUnreadCount       = "history.unread_count"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
