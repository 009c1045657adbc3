package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"gorm.io/gorm"
)

// Not-found and duplicate conditions are reported with gorm.ErrRecordNotFound
// and gorm.ErrDuplicatedKey by every implementation, including the in-memory
// ones.

// UserRepository defines the interface for user-related database operations
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	// Update runs fn on the current row under a per-user lock and persists
	// the result. fn returning an error aborts without writing.
	Update(ctx context.Context, id string, fn func(u *models.User) error) (*models.User, error)
	List(ctx context.Context, offset, limit int) ([]models.User, error)
	Count(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}

// AdminRepository defines the interface for operator accounts
type AdminRepository interface {
	Create(ctx context.Context, admin *models.Admin) error
	GetByUsername(ctx context.Context, username string) (*models.Admin, error)
	TouchLogin(ctx context.Context, username string, at time.Time) error
}

// OrderRepository defines the interface for order records
type OrderRepository interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	// Update runs fn under a per-order lock, see UserRepository.Update.
	Update(ctx context.Context, id string, fn func(o *models.Order) error) (*models.Order, error)
	// MarkPaid runs fn under the order lock. A non-nil license returned by
	// fn is stored in the same transaction as the order, so either both
	// writes land or neither does.
	MarkPaid(ctx context.Context, id string, fn func(o *models.Order) (*models.License, error)) (*models.Order, error)
	List(ctx context.Context, offset, limit int) ([]models.Order, error)
	ListPending(ctx context.Context, createdAfter time.Time, limit int) ([]models.Order, error)
	// ListPaid returns paid orders with paid_at after paidAfter, oldest first.
	ListPaid(ctx context.Context, paidAfter time.Time, limit int) ([]models.Order, error)
	Count(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// LicenseRepository defines the interface for license records
type LicenseRepository interface {
	Create(ctx context.Context, license *models.License) error
	GetByKey(ctx context.Context, key string) (*models.License, error)
	// Update runs fn under a per-license lock, see UserRepository.Update.
	Update(ctx context.Context, key string, fn func(l *models.License) error) (*models.License, error)
	List(ctx context.Context, offset, limit int) ([]models.License, error)
	Count(ctx context.Context) (int64, error)
	CountByPlan(ctx context.Context) (map[string]int64, error)
}

// WebhookEventRepository deduplicates payment gateway callbacks
type WebhookEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, processingError string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	User         UserRepository
	Admin        AdminRepository
	Order        OrderRepository
	License      LicenseRepository
	WebhookEvent WebhookEventRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Admin:        NewAdminRepository(db),
		Order:        NewOrderRepository(db),
		License:      NewLicenseRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
	}
}

// NewMemoryRepositories returns process-local repositories for tests and
// single-node development.
func NewMemoryRepositories() *Repositories {
	licenses := NewMemoryLicenseRepository()
	return &Repositories{
		User:         NewMemoryUserRepository(),
		Admin:        NewMemoryAdminRepository(),
		Order:        NewMemoryOrderRepository(licenses),
		License:      licenses,
		WebhookEvent: NewMemoryWebhookEventRepository(),
	}
}

const defaultListLimit = 100

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	return offset, limit
}
