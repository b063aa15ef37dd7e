package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/atelier/backend/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRemoveOrphanedHistory = "2026-09-22_remove_orphaned_history"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) (int64, error)
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRemoveOrphanedHistory, apply: removeOrphanedHistory},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			affected, err := migration.apply(tx)
			if err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			if err := tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
				return err
			}
			if logger != nil {
				logger.Info("database migration applied",
					zap.String("migration", migration.name),
					zap.Int64("rows_affected", affected))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// removeOrphanedHistory drops history rows written while foreign keys were not enforced
// and whose document no longer exists.
func removeOrphanedHistory(db *gorm.DB) (int64, error) {
	liveDocuments := db.Model(&documents.DocumentRecord{}).Select("id")
	result := db.Where("document_id NOT IN (?)", liveDocuments).Delete(&documents.HistoryRecord{})
	return result.RowsAffected, result.Error
}
