package history

// EventRecord stores one published event. Sequence is the per-database delivery order.
type EventRecord struct {
	Sequence        int64  `gorm:"column:sequence;primaryKey;autoIncrement"`
	EventID         string `gorm:"column:event_id;size:64;not null;uniqueIndex:idx_realtime_events_event_id"`
	Topic           string `gorm:"column:topic;size:200;not null;index:idx_realtime_events_topic"`
	Kind            string `gorm:"column:kind;size:32;not null;default:''"`
	SenderID        string `gorm:"column:sender_id;size:190;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "realtime_events"
}

// ReadReceipt records that a user acknowledged a notification.
type ReadReceipt struct {
	UserID       string `gorm:"column:user_id;primaryKey;size:190;not null"`
	EventID      string `gorm:"column:event_id;primaryKey;size:64;not null"`
	ReadAtMillis int64  `gorm:"column:read_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReadReceipt) TableName() string {
	return "event_read_receipts"
}

// Models lists the schema owned by the history store.
func Models() []any {
	return []any{&EventRecord{}, &ReadReceipt{}}
}
