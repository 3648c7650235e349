package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/shinnkura/donezo/internal/syncqueue"
)

const (
	migrationBackfillQueuePriority = "2026-08-20_backfill_queue_priority"
	migrationReleaseStuckInFlight  = "2026-08-28_release_stuck_in_flight"
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
		{name: migrationBackfillQueuePriority, apply: backfillQueuePriority},
		{name: migrationReleaseStuckInFlight, apply: releaseStuckInFlight},
	}

	for _, migration := range migrations {
		var applied migrationRecord
		err := db.Where("name = ?", migration.name).Take(&applied).Error
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

// Rows enqueued before priorities existed carry a zero priority, which
// would sort ahead of every default entry.
func backfillQueuePriority(db *gorm.DB) error {
	return db.Model(&syncqueue.Entry{}).
		Where("priority = 0").
		Update("priority", syncqueue.DefaultPriority).Error
}

// A crash mid-pass can leave entries marked in flight forever.
func releaseStuckInFlight(db *gorm.DB) error {
	return db.Model(&syncqueue.Entry{}).
		Where("in_flight = ?", true).
		Update("in_flight", false).Error
}
