package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeProfileLikes = "2026-03-02_normalize_profile_liked_posts"

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
		{name: migrationNormalizeProfileLikes, apply: normalizeProfileLikes},
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

// normalizeProfileLikes upgrades a stored version 4 snapshot, whose profiles
// embedded liked-post-id lists, into version 5 with discrete Like edges, and
// stamps the blob so future loads skip the legacy decode path.
func normalizeProfileLikes(db *gorm.DB) error {
	var record snapshotBlob
	err := db.Where("slot = ?", snapshotSlotCurrent).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if record.Version >= entity.SnapshotVersion {
		return nil
	}

	snapshot, err := decodeSnapshot([]byte(record.DataJSON))
	if err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return db.Model(&snapshotBlob{}).
		Where("slot = ?", snapshotSlotCurrent).
		Updates(map[string]any{
			"version":   snapshot.Version,
			"data_json": string(data),
		}).Error
}
