package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsContentHash(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&clip.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := clip.Record{
		LocalID:     "local-1",
		Content:     "hello",
		ContentType: clip.ContentTypeText,
		SyncState:   clip.SyncStateSyncing,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy record: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored clip.Record
	if err := database.Where("local_id = ?", legacy.LocalID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload record: %v", err)
	}
	if stored.ContentHash != clip.HashString("hello") {
		testContext.Fatalf("expected content hash to be backfilled, got %q", stored.ContentHash)
	}
	if stored.SyncState != clip.SyncStateFailed {
		testContext.Fatalf("expected interrupted push to be demoted to failed, got %s", stored.SyncState)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillContentHash).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsSkipsMissingTables(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "empty.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := applyMigrations(database, nil); err != nil {
		testContext.Fatalf("expected migrations to tolerate missing tables: %v", err)
	}
}

func TestOpenSQLiteMigratesModels(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop(), &clip.Record{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	if !database.Migrator().HasTable(&clip.Record{}) {
		testContext.Fatalf("expected records table to exist")
	}
}
