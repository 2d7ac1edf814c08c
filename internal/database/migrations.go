package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationCanonicalStationKeys = "2026-03-01_canonical_station_keys"

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
		{name: migrationCanonicalStationKeys, apply: canonicalizeStationKeys},
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
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

const (
	legacyCocoloKey    = "cocolo"
	canonicalCocoloKey = "COCOLO"
)

// canonicalizeStationKeys rewrites lower-case station keys written by early clients.
// When both spellings exist the newer station row wins and the canonical lock wins.
func canonicalizeStationKeys(db *gorm.DB) error {
	if err := dropShadowedStationRow(db); err != nil {
		return err
	}
	if err := db.Where("station = ? AND record_id IN (?)", legacyCocoloKey,
		db.Model(&leases.LockRow{}).Select("record_id").Where("station = ?", canonicalCocoloKey)).
		Delete(&leases.LockRow{}).Error; err != nil {
		return err
	}
	if err := db.Model(&stationdata.Row{}).
		Where("station = ?", legacyCocoloKey).
		Update("station", canonicalCocoloKey).Error; err != nil {
		return err
	}
	return db.Model(&leases.LockRow{}).
		Where("station = ?", legacyCocoloKey).
		Update("station", canonicalCocoloKey).Error
}

func dropShadowedStationRow(db *gorm.DB) error {
	var legacy, canonical stationdata.Row
	if err := db.Where("station = ?", legacyCocoloKey).Take(&legacy).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if err := db.Where("station = ?", canonicalCocoloKey).Take(&canonical).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	older := legacyCocoloKey
	if legacy.UpdatedAtMillis > canonical.UpdatedAtMillis {
		older = canonicalCocoloKey
	}
	return db.Where("station = ?", older).Delete(&stationdata.Row{}).Error
}
