package hostkeys

import (
	"errors"

	"github.com/tailview/tailview/internal/database"
	"gorm.io/gorm"
)

// DBStore persists fingerprint pins in the sqlite database. Sessions share
// one store, so a bastion accepted by one session is trusted by all.
type DBStore struct{}

func (DBStore) Get(identity string) (string, bool, error) {
	var pin database.FingerprintPin
	err := database.DB.Where("identity = ?", identity).First(&pin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pin.Fingerprint, true, nil
}

func (DBStore) Accept(identity, fingerprint string) error {
	return database.DB.
		Where("identity = ?", identity).
		Assign(database.FingerprintPin{Fingerprint: fingerprint}).
		FirstOrCreate(&database.FingerprintPin{Identity: identity}).Error
}
