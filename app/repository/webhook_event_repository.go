package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type webhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository stores gateway callbacks keyed by
// (provider, provider_event_id) so a redelivered callback is seen once.
func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepository{db: db}
}

// CreateIfNotExists reports created=false for a redelivery and returns the
// stored row either way.
func (r *webhookEventRepository) CreateIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	ins := db.Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if ins.Error != nil {
		return false, nil, ins.Error
	}

	stored := &models.PaymentWebhookEvent{}
	err := db.Where(&models.PaymentWebhookEvent{Provider: event.Provider, ProviderEventID: event.ProviderEventID}).
		Take(stored).Error
	if err != nil {
		return false, nil, err
	}
	return ins.RowsAffected == 1, stored, nil
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, id uint, processingError string) error {
	res := r.db.WithContext(ctx).Model(&models.PaymentWebhookEvent{ID: id}).
		Select("processed_at", "processing_error").
		Updates(&models.PaymentWebhookEvent{ProcessedAt: ptrTime(time.Now()), ProcessingError: processingError})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
