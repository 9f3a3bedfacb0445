package executor

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tickflow/models"
)

// Store persists order tasks so the executor's in-memory map survives
// restarts. A nil store keeps the executor memory-only.
type Store interface {
	Save(ctx context.Context, task *models.OrderTask) error
	Delete(ctx context.Context, taskIDs []string) error
	LoadOpen(ctx context.Context) ([]models.OrderTask, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Save(ctx context.Context, task *models.OrderTask) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_id"}},
		UpdateAll: true,
	}).Create(task).Error
}

func (s *gormStore) Delete(ctx context.Context, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("task_id IN ?", taskIDs).
		Delete(&models.OrderTask{}).Error
}

// LoadOpen returns every task that still needs work.
func (s *gormStore) LoadOpen(ctx context.Context) ([]models.OrderTask, error) {
	var tasks []models.OrderTask
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.TaskStatus{models.TaskPending, models.TaskRunning, models.TaskRetrying}).
		Order("created_at").
		Find(&tasks).Error
	return tasks, err
}
