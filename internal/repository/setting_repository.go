package repository

import (
	"context"

	"drivingschool-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SettingRepository interface {
	All(ctx context.Context) ([]models.Setting, error)
	Set(ctx context.Context, key, value, category string) error
}

type settingRepository struct {
	db *gorm.DB
}

func NewSettingRepository(db *gorm.DB) SettingRepository {
	return &settingRepository{db: db}
}

// All returns every setting row regardless of category.
func (r *settingRepository) All(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	err := r.db.WithContext(ctx).Order("key ASC").Find(&settings).Error
	return settings, err
}

// Set upserts a single setting by key.
func (r *settingRepository) Set(ctx context.Context, key, value, category string) error {
	setting := &models.Setting{Key: key, Value: value}
	if category != "" {
		setting.Category = &category
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "category", "updated_at"}),
	}).Create(setting).Error
}
