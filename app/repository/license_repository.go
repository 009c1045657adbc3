package repository

import (
	"context"

	"github.com/ManuelReschke/PageBrief/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type licenseRepository struct {
	db *gorm.DB
}

// NewLicenseRepository creates a new license repository instance
func NewLicenseRepository(db *gorm.DB) LicenseRepository {
	return &licenseRepository{db: db}
}

func (r *licenseRepository) Create(ctx context.Context, license *models.License) error {
	return r.db.WithContext(ctx).Create(license).Error
}

func (r *licenseRepository) GetByKey(ctx context.Context, key string) (*models.License, error) {
	var license models.License
	if err := r.db.WithContext(ctx).Where("`key` = ?", key).First(&license).Error; err != nil {
		return nil, err
	}
	return &license, nil
}

func (r *licenseRepository) Update(ctx context.Context, key string, fn func(l *models.License) error) (*models.License, error) {
	var out models.License
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var license models.License
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("`key` = ?", key).First(&license).Error; err != nil {
			return err
		}
		if err := fn(&license); err != nil {
			return err
		}
		if err := tx.Save(&license).Error; err != nil {
			return err
		}
		out = license
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *licenseRepository) List(ctx context.Context, offset, limit int) ([]models.License, error) {
	offset, limit = normalizePage(offset, limit)
	var licenses []models.License
	err := r.db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit).Find(&licenses).Error
	return licenses, err
}

func (r *licenseRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.License{}).Count(&count).Error
	return count, err
}

func (r *licenseRepository) CountByPlan(ctx context.Context) (map[string]int64, error) {
	type row struct {
		PlanType string
		Total    int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.License{}).
		Select("plan_type, COUNT(*) AS total").
		Group("plan_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.PlanType] = r.Total
	}
	return out, nil
}
