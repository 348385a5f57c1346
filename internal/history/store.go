package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the collaborators of the history store.
type StoreConfig struct {
	Database *gorm.DB
	// BacklogLimit bounds the replayed backlog to the newest N events; zero replays everything.
	BacklogLimit int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Store is the gorm-backed event sink and backlog reader.
type Store struct {
	db           *gorm.DB
	backlogLimit int
	clock        func() time.Time
	logger       *zap.Logger
}

// Notification is one entry of a user's notification feed.
type Notification struct {
	Event realtime.Event
	Read  bool
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	limit := cfg.BacklogLimit
	if limit < 0 {
		limit = 0
	}
	return &Store{
		db:           cfg.Database,
		backlogLimit: limit,
		clock:        clock,
		logger:       logger,
	}, nil
}

// Persist stores the event and returns it carrying its assigned sequence.
func (s *Store) Persist(ctx context.Context, event realtime.Event) (realtime.Event, error) {
	record := EventRecord{
		EventID:         event.ID,
		Topic:           event.Topic.String(),
		Kind:            string(event.Kind),
		SenderID:        event.SenderID,
		PayloadJSON:     string(event.Payload),
		CreatedAtMillis: event.Timestamp.UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opPersist, "insert_failed", err,
			zap.String("topic", record.Topic),
			zap.String("event_id", record.EventID))
		return realtime.Event{}, newServiceError(opPersist, "insert_failed", unavailable(err))
	}
	return event.WithSequence(record.Sequence), nil
}

// FetchBacklog returns the topic's events oldest first. Notification entries carry the reader's
// read flag.
func (s *Store) FetchBacklog(ctx context.Context, topic realtime.Topic, reader auth.Principal) ([]realtime.BacklogEntry, error) {
	query := s.db.WithContext(ctx).Where("topic = ?", topic.String())
	var records []EventRecord
	if s.backlogLimit > 0 {
		query = query.Order("sequence DESC").Limit(s.backlogLimit)
	} else {
		query = query.Order("sequence ASC")
	}
	if err := query.Find(&records).Error; err != nil {
		s.logError(opFetchBacklog, "query_failed", err, zap.String("topic", topic.String()))
		return nil, newServiceError(opFetchBacklog, "query_failed", unavailable(err))
	}
	if s.backlogLimit > 0 {
		slices.Reverse(records)
	}

	read := map[string]bool{}
	if topic.Kind() == realtime.TopicKindNotify && len(records) > 0 {
		receipts, err := s.receiptsFor(ctx, reader.ID, records)
		if err != nil {
			s.logError(opFetchBacklog, "receipts_query_failed", err,
				zap.String("topic", topic.String()),
				zap.String("user_id", reader.ID))
			return nil, newServiceError(opFetchBacklog, "receipts_query_failed", unavailable(err))
		}
		read = receipts
	}

	entries := make([]realtime.BacklogEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, realtime.BacklogEntry{
			Event: record.toEvent(),
			Read:  read[record.EventID],
		})
	}
	return entries, nil
}

// MarkRead records the user's acknowledgment of a notification. Marking twice is a no-op.
// Events outside the user's own feed are reported as not found.
func (s *Store) MarkRead(ctx context.Context, userID, eventID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newServiceError(opMarkRead, "missing_user_id", errMissingUserID)
	}
	feed, err := realtime.NotifyTopic(userID)
	if err != nil {
		return newServiceError(opMarkRead, "invalid_user_id", err)
	}

	var record EventRecord
	err = s.db.WithContext(ctx).
		Where("event_id = ? AND topic = ?", strings.TrimSpace(eventID), feed.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opMarkRead, "event_not_found", ErrEventNotFound)
	}
	if err != nil {
		s.logError(opMarkRead, "event_select_failed", err,
			zap.String("user_id", userID),
			zap.String("event_id", eventID))
		return newServiceError(opMarkRead, "event_select_failed", unavailable(err))
	}

	receipt := ReadReceipt{
		UserID:       userID,
		EventID:      record.EventID,
		ReadAtMillis: s.clock().UTC().UnixMilli(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&receipt).Error
	if err != nil {
		s.logError(opMarkRead, "receipt_insert_failed", err,
			zap.String("user_id", userID),
			zap.String("event_id", record.EventID))
		return newServiceError(opMarkRead, "receipt_insert_failed", unavailable(err))
	}
	return nil
}

// ListNotifications returns the user's notifications newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string) ([]Notification, error) {
	feed, err := realtime.NotifyTopic(strings.TrimSpace(userID))
	if err != nil {
		return nil, newServiceError(opListNotifications, "invalid_user_id", err)
	}

	var records []EventRecord
	if err := s.db.WithContext(ctx).
		Where("topic = ?", feed.String()).
		Order("sequence DESC").
		Find(&records).Error; err != nil {
		s.logError(opListNotifications, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListNotifications, "query_failed", unavailable(err))
	}

	read := map[string]bool{}
	if len(records) > 0 {
		read, err = s.receiptsFor(ctx, feed.ID(), records)
		if err != nil {
			s.logError(opListNotifications, "receipts_query_failed", err, zap.String("user_id", userID))
			return nil, newServiceError(opListNotifications, "receipts_query_failed", unavailable(err))
		}
	}

	notifications := make([]Notification, 0, len(records))
	for _, record := range records {
		notifications = append(notifications, Notification{
			Event: record.toEvent(),
			Read:  read[record.EventID],
		})
	}
	return notifications, nil
}

// UnreadCount counts the user's notifications without a read receipt.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	feed, err := realtime.NotifyTopic(strings.TrimSpace(userID))
	if err != nil {
		return 0, newServiceError(opUnreadCount, "invalid_user_id", err)
	}

	var count int64
	err = s.db.WithContext(ctx).
		Model(&EventRecord{}).
		Where("topic = ?", feed.String()).
		Where("NOT EXISTS (SELECT 1 FROM event_read_receipts r WHERE r.event_id = realtime_events.event_id AND r.user_id = ?)", feed.ID()).
		Count(&count).Error
	if err != nil {
		s.logError(opUnreadCount, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opUnreadCount, "query_failed", unavailable(err))
	}
	return count, nil
}

func (s *Store) receiptsFor(ctx context.Context, userID string, records []EventRecord) (map[string]bool, error) {
	eventIDs := make([]string, 0, len(records))
	for _, record := range records {
		eventIDs = append(eventIDs, record.EventID)
	}
	var receipts []ReadReceipt
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND event_id IN ?", userID, eventIDs).
		Find(&receipts).Error; err != nil {
		return nil, err
	}
	read := make(map[string]bool, len(receipts))
	for _, receipt := range receipts {
		read[receipt.EventID] = true
	}
	return read, nil
}

func (r EventRecord) toEvent() realtime.Event {
	kind := realtime.EventKind(r.Kind)
	if kind == "" {
		kind = realtime.EventKindFor(realtime.Topic(r.Topic).Kind())
	}
	return realtime.Event{
		ID:        r.EventID,
		Topic:     realtime.Topic(r.Topic),
		SenderID:  r.SenderID,
		Kind:      kind,
		Payload:   json.RawMessage(r.PayloadJSON),
		Timestamp: time.UnixMilli(r.CreatedAtMillis).UTC(),
		Sequence:  r.Sequence,
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", realtime.ErrStoreUnavailable, err)
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("history store error", attrs...)
}
