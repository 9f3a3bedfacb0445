package subs

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tickflow/models"
)

// Store persists desired-subscription rows.
type Store interface {
	ListActive(ctx context.Context) ([]models.SubscriptionRecord, error)
	Upsert(ctx context.Context, record models.SubscriptionRecord) error
	Deactivate(ctx context.Context, tokens []uint32) error
	SaveAssignments(ctx context.Context, assignments []models.Assignment) error
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) ListActive(ctx context.Context) ([]models.SubscriptionRecord, error) {
	var out []models.SubscriptionRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SubscriptionActive).
		Order("token").
		Find(&out).Error
	return out, err
}

func (s *gormStore) Upsert(ctx context.Context, record models.SubscriptionRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"trading_symbol", "segment", "status", "mode", "updated_at"}),
	}).Create(&record).Error
}

func (s *gormStore) Deactivate(ctx context.Context, tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.SubscriptionRecord{}).
		Where("token IN ?", tokens).
		Update("status", models.SubscriptionInactive).Error
}

// SaveAssignments rewrites the account binding for every assigned token.
func (s *gormStore) SaveAssignments(ctx context.Context, assignments []models.Assignment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range assignments {
			account := a.AccountID
			if err := tx.Model(&models.SubscriptionRecord{}).
				Where("token = ?", a.Token).
				Update("account_id", &account).Error; err != nil {
				return fmt.Errorf("assign token %d: %w", a.Token, err)
			}
		}
		return nil
	})
}
