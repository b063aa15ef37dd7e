package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestApplyMigrationsRemovesOrphanedHistory(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	// foreign keys stay off here, as in databases created before they were enforced.
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&documents.DocumentRecord{}, &documents.HistoryRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	kept := documents.DocumentRecord{ID: "doc-kept", Kind: "flow", Snapshot: []byte{1}, UpdatedAtMs: 1}
	if err := database.Create(&kept).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	history := []documents.HistoryRecord{
		{DocumentID: "doc-kept", VersionID: "v1", VersionVector: datatypes.JSON(`{"heads":[],"actors":{}}`), TimestampMs: 1, Author: "user-1"},
		{DocumentID: "doc-gone", VersionID: "v2", VersionVector: datatypes.JSON(`{"heads":[],"actors":{}}`), TimestampMs: 2, Author: "user-1"},
	}
	if err := database.Create(&history).Error; err != nil {
		testContext.Fatalf("failed to insert history: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []documents.HistoryRecord
	if err := database.Order("version_id").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload history: %v", err)
	}
	if len(remaining) != 1 || remaining[0].VersionID != "v1" {
		testContext.Fatalf("expected only the kept history row, got %+v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRemoveOrphanedHistory).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	// a second run is a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	database, err := Open(Config{Driver: DriverSQLite, DSN: filepath.Join(testContext.TempDir(), "open.db")})
	if err != nil {
		testContext.Fatalf("open: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"documents", "document_history", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "oracle", DSN: "x"}); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Config{Driver: DriverSQLite}); err != errMissingDSN {
		testContext.Fatalf("expected missing dsn error, got %v", err)
	}
}

func TestWithForeignKeys(testContext *testing.T) {
	cases := map[string]string{
		"atelier.db":                  "atelier.db?_pragma=foreign_keys(1)",
		"file:atelier.db?cache=shared": "file:atelier.db?cache=shared&_pragma=foreign_keys(1)",
		"a.db?_pragma=foreign_keys(0)": "a.db?_pragma=foreign_keys(0)",
	}
	for input, want := range cases {
		if got := withForeignKeys(input); got != want {
			testContext.Fatalf("withForeignKeys(%q) = %q, want %q", input, got, want)
		}
	}
}
