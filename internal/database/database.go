package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailview/tailview/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Device{}, &FingerprintPin{}, &Credential{}, &SessionRecord{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Device helpers

func GetDeviceByName(name string) (*Device, error) {
	var d Device
	if err := DB.Where("name = ?", name).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func UpsertDevice(d *Device) error {
	return DB.Where("name = ?", d.Name).Assign(*d).FirstOrCreate(d).Error
}

// Session record helpers

func RecordSessionState(id, state string) {
	updates := map[string]interface{}{"state": state}
	if state == "closed" || state == "fatal" {
		now := time.Now()
		updates["closed_at"] = &now
	}
	DB.Model(&SessionRecord{}).Where("id = ?", id).Updates(updates)
}

// PruneClosedSessions deletes session records closed longer ago than the
// retention window. Returns the number of rows removed.
func PruneClosedSessions(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res := DB.Where("closed_at IS NOT NULL AND closed_at < ?", cutoff).Delete(&SessionRecord{})
	return res.RowsAffected, res.Error
}
