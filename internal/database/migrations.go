package database

import (
	"errors"
	"time"

	"github.com/findmydoctor/courier/internal/history"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationImmutableEvents = "2026-10-19_realtime_events_immutable"

	// immutableEventsMessage is the abort message raised when a stored event is rewritten.
	immutableEventsMessage = "realtime events are immutable"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationImmutableEvents, apply: guardEventImmutability},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// guardEventImmutability makes the database reject rewrites of stored events, so replayed history
// always matches what was delivered live.
func guardEventImmutability(db *gorm.DB) error {
	return db.Exec(`CREATE TRIGGER IF NOT EXISTS realtime_events_immutable
BEFORE UPDATE ON ` + history.EventRecord{}.TableName() + `
BEGIN
	SELECT RAISE(ABORT, '` + immutableEventsMessage + `');
END`).Error
}
