package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) Update(ctx context.Context, id string, fn func(o *models.Order) error) (*models.Order, error) {
	var out models.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&order).Error; err != nil {
			return err
		}
		if err := fn(&order); err != nil {
			return err
		}
		if err := tx.Save(&order).Error; err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *orderRepository) MarkPaid(ctx context.Context, id string, fn func(o *models.Order) (*models.License, error)) (*models.Order, error) {
	var out models.Order
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&order).Error; err != nil {
			return err
		}
		lic, err := fn(&order)
		if err != nil {
			return err
		}
		if lic != nil {
			if err := tx.Create(lic).Error; err != nil {
				return err
			}
		}
		if err := tx.Save(&order).Error; err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *orderRepository) List(ctx context.Context, offset, limit int) ([]models.Order, error) {
	offset, limit = normalizePage(offset, limit)
	var orders []models.Order
	err := r.db.WithContext(ctx).Order("created_at DESC").Offset(offset).Limit(limit).Find(&orders).Error
	return orders, err
}

// ListPending returns pending orders created after createdAfter, oldest first.
func (r *orderRepository) ListPending(ctx context.Context, createdAfter time.Time, limit int) ([]models.Order, error) {
	_, limit = normalizePage(0, limit)
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at > ?", models.OrderStatusPending, createdAfter).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) ListPaid(ctx context.Context, paidAfter time.Time, limit int) ([]models.Order, error) {
	_, limit = normalizePage(0, limit)
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND paid_at > ?", models.OrderStatusPaid, paidAfter).
		Order("paid_at ASC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *orderRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Order{}).Count(&count).Error
	return count, err
}

func (r *orderRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&models.Order{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}
