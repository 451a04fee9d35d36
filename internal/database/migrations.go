package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillContentHash = "2026-09-01_backfill_content_hash"
	migrationResetSyncingState   = "2026-09-14_reset_syncing_state"
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
		{name: migrationBackfillContentHash, apply: backfillContentHash},
		{name: migrationResetSyncingState, apply: resetSyncingState},
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

// backfillContentHash recomputes fingerprints for records written before hashing was mandatory.
func backfillContentHash(db *gorm.DB) error {
	if !db.Migrator().HasTable(&clip.Record{}) {
		return nil
	}
	var records []clip.Record
	if err := db.Where("content_hash = ''").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		hash := clip.HashString(record.Content)
		if err := db.Model(&clip.Record{}).
			Where("local_id = ?", record.LocalID).
			Update("content_hash", hash).Error; err != nil {
			return err
		}
	}
	return nil
}

// resetSyncingState demotes records left mid-push by an interrupted process so the
// next cycle pushes them again.
func resetSyncingState(db *gorm.DB) error {
	if !db.Migrator().HasTable(&clip.Record{}) {
		return nil
	}
	return db.Model(&clip.Record{}).
		Where("sync_state = ?", clip.SyncStateSyncing).
		Update("sync_state", clip.SyncStateFailed).Error
}
