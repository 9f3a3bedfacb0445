package registry

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tickflow/models"
)

// Store persists the instrument dump. The registry talks to it through this
// interface so the cache logic stays independent of the database.
type Store interface {
	Upsert(ctx context.Context, instruments []models.Instrument) error
	DeactivateMissing(ctx context.Context, segment string, activeTokens []uint32) (int64, error)
	LoadActive(ctx context.Context) ([]models.Instrument, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Upsert(ctx context.Context, instruments []models.Instrument) error {
	if len(instruments) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		UpdateAll: true,
	}).CreateInBatches(instruments, 500).Error
}

// DeactivateMissing marks rows inactive when the latest dump no longer lists
// them. The fetch segment is an exchange ("NFO") while stored rows carry the
// dump's sub-segment ("NFO-OPT"), so rows match by prefix.
func (s *gormStore) DeactivateMissing(ctx context.Context, segment string, activeTokens []uint32) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Instrument{}).
		Where("segment LIKE ? AND active = ?", segment+"%", true).
		Where("token NOT IN ?", activeTokens).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (s *gormStore) LoadActive(ctx context.Context) ([]models.Instrument, error) {
	var out []models.Instrument
	err := s.db.WithContext(ctx).Where("active = ?", true).Find(&out).Error
	return out, err
}
