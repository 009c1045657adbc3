package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"gorm.io/gorm"
)

// memoryTable is a map of value copies keyed by primary key. Update holds a
// per-key mutex for the whole read-modify-write so concurrent updates of the
// same row serialize the way a row lock does.
type memoryTable[T any] struct {
	mu    sync.RWMutex
	rows  map[string]T
	locks map[string]*sync.Mutex
	newer func(a, b *T) bool
}

func newMemoryTable[T any](newer func(a, b *T) bool) *memoryTable[T] {
	return &memoryTable[T]{
		rows:  make(map[string]T),
		locks: make(map[string]*sync.Mutex),
		newer: newer,
	}
}

func (t *memoryTable[T]) insert(key string, row T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[key]; ok {
		return gorm.ErrDuplicatedKey
	}
	t.rows[key] = row
	return nil
}

func (t *memoryTable[T]) get(key string) (*T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

func (t *memoryTable[T]) keyLock(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

func (t *memoryTable[T]) update(key string, fn func(row *T) error) (*T, error) {
	l := t.keyLock(key)
	l.Lock()
	defer l.Unlock()

	row, err := t.get(key)
	if err != nil {
		return nil, err
	}
	if err := fn(row); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.rows[key] = *row
	t.mu.Unlock()

	out := *row
	return &out, nil
}

func (t *memoryTable[T]) all() []T {
	t.mu.RLock()
	out := make([]T, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, row)
	}
	t.mu.RUnlock()

	if t.newer != nil {
		sort.SliceStable(out, func(i, j int) bool { return t.newer(&out[i], &out[j]) })
	}
	return out
}

func (t *memoryTable[T]) page(offset, limit int) []T {
	offset, limit = normalizePage(offset, limit)
	rows := t.all()
	if offset >= len(rows) {
		return []T{}
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func (t *memoryTable[T]) count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.rows))
}

// ---- users ----

type memoryUserRepository struct {
	table   *memoryTable[models.User]
	emailMu sync.Mutex
	byEmail map[string]string
}

// NewMemoryUserRepository returns a process-local UserRepository.
func NewMemoryUserRepository() UserRepository {
	return &memoryUserRepository{
		table: newMemoryTable(func(a, b *models.User) bool {
			return a.CreatedAt.After(b.CreatedAt)
		}),
		byEmail: make(map[string]string),
	}
}

func (r *memoryUserRepository) Create(_ context.Context, user *models.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	r.emailMu.Lock()
	defer r.emailMu.Unlock()
	if _, ok := r.byEmail[user.Email]; ok {
		return gorm.ErrDuplicatedKey
	}

	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if err := r.table.insert(user.ID, *user); err != nil {
		return err
	}
	r.byEmail[user.Email] = user.ID
	return nil
}

func (r *memoryUserRepository) GetByID(_ context.Context, id string) (*models.User, error) {
	return r.table.get(id)
}

func (r *memoryUserRepository) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.emailMu.Lock()
	id, ok := r.byEmail[strings.ToLower(strings.TrimSpace(email))]
	r.emailMu.Unlock()
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return r.table.get(id)
}

// Update does not allow changing the email address.
func (r *memoryUserRepository) Update(_ context.Context, id string, fn func(u *models.User) error) (*models.User, error) {
	return r.table.update(id, func(u *models.User) error {
		email := u.Email
		if err := fn(u); err != nil {
			return err
		}
		u.Email = email
		u.UpdatedAt = time.Now()
		return nil
	})
}

func (r *memoryUserRepository) List(_ context.Context, offset, limit int) ([]models.User, error) {
	return r.table.page(offset, limit), nil
}

func (r *memoryUserRepository) Count(_ context.Context) (int64, error) {
	return r.table.count(), nil
}

func (r *memoryUserRepository) CountActive(_ context.Context) (int64, error) {
	var n int64
	for _, u := range r.table.all() {
		if u.IsActive {
			n++
		}
	}
	return n, nil
}

// ---- admins ----

type memoryAdminRepository struct {
	mu     sync.Mutex
	nextID uint
	table  *memoryTable[models.Admin]
}

// NewMemoryAdminRepository returns a process-local AdminRepository.
func NewMemoryAdminRepository() AdminRepository {
	return &memoryAdminRepository{table: newMemoryTable[models.Admin](nil)}
}

func (r *memoryAdminRepository) Create(_ context.Context, admin *models.Admin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.table.get(admin.Username); err == nil {
		return gorm.ErrDuplicatedKey
	}
	r.nextID++
	admin.ID = r.nextID
	now := time.Now()
	admin.CreatedAt = now
	admin.UpdatedAt = now
	return r.table.insert(admin.Username, *admin)
}

func (r *memoryAdminRepository) GetByUsername(_ context.Context, username string) (*models.Admin, error) {
	return r.table.get(username)
}

func (r *memoryAdminRepository) TouchLogin(_ context.Context, username string, at time.Time) error {
	_, err := r.table.update(username, func(a *models.Admin) error {
		a.LastLoginAt = &at
		return nil
	})
	return err
}

// ---- orders ----

type memoryOrderRepository struct {
	table    *memoryTable[models.Order]
	licenses LicenseRepository
}

// NewMemoryOrderRepository returns a process-local OrderRepository. MarkPaid
// stores minted licenses in licenses.
func NewMemoryOrderRepository(licenses LicenseRepository) OrderRepository {
	return &memoryOrderRepository{
		table: newMemoryTable(func(a, b *models.Order) bool {
			return a.CreatedAt.After(b.CreatedAt)
		}),
		licenses: licenses,
	}
}

func (r *memoryOrderRepository) Create(_ context.Context, order *models.Order) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	order.UpdatedAt = order.CreatedAt
	return r.table.insert(order.ID, *order)
}

func (r *memoryOrderRepository) GetByID(_ context.Context, id string) (*models.Order, error) {
	return r.table.get(id)
}

func (r *memoryOrderRepository) Update(_ context.Context, id string, fn func(o *models.Order) error) (*models.Order, error) {
	return r.table.update(id, func(o *models.Order) error {
		if err := fn(o); err != nil {
			return err
		}
		o.UpdatedAt = time.Now()
		return nil
	})
}

// MarkPaid inserts the license while the order key is locked and writes the
// order only after the insert succeeded.
func (r *memoryOrderRepository) MarkPaid(ctx context.Context, id string, fn func(o *models.Order) (*models.License, error)) (*models.Order, error) {
	return r.table.update(id, func(o *models.Order) error {
		lic, err := fn(o)
		if err != nil {
			return err
		}
		if lic != nil {
			if r.licenses == nil {
				return errors.New("memory order repository has no license store")
			}
			if err := r.licenses.Create(ctx, lic); err != nil {
				return err
			}
		}
		o.UpdatedAt = time.Now()
		return nil
	})
}

func (r *memoryOrderRepository) List(_ context.Context, offset, limit int) ([]models.Order, error) {
	return r.table.page(offset, limit), nil
}

func (r *memoryOrderRepository) ListPending(_ context.Context, createdAfter time.Time, limit int) ([]models.Order, error) {
	_, limit = normalizePage(0, limit)
	rows := r.table.all()
	out := make([]models.Order, 0)
	// all() is newest first; walk backwards for oldest first.
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		o := rows[i]
		if o.Status == models.OrderStatusPending && o.CreatedAt.After(createdAfter) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (r *memoryOrderRepository) ListPaid(_ context.Context, paidAfter time.Time, limit int) ([]models.Order, error) {
	_, limit = normalizePage(0, limit)
	out := make([]models.Order, 0)
	for _, o := range r.table.all() {
		if o.Status == models.OrderStatusPaid && o.PaidAt != nil && o.PaidAt.After(paidAfter) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaidAt.Before(*out[j].PaidAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryOrderRepository) Count(_ context.Context) (int64, error) {
	return r.table.count(), nil
}

func (r *memoryOrderRepository) CountByStatus(_ context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, o := range r.table.all() {
		out[o.Status]++
	}
	return out, nil
}

// ---- licenses ----

type memoryLicenseRepository struct {
	table *memoryTable[models.License]
}

// NewMemoryLicenseRepository returns a process-local LicenseRepository.
func NewMemoryLicenseRepository() LicenseRepository {
	return &memoryLicenseRepository{table: newMemoryTable(func(a, b *models.License) bool {
		return a.CreatedAt.After(b.CreatedAt)
	})}
}

func (r *memoryLicenseRepository) Create(_ context.Context, license *models.License) error {
	if license.CreatedAt.IsZero() {
		license.CreatedAt = time.Now()
	}
	return r.table.insert(license.Key, *license)
}

func (r *memoryLicenseRepository) GetByKey(_ context.Context, key string) (*models.License, error) {
	return r.table.get(key)
}

func (r *memoryLicenseRepository) Update(_ context.Context, key string, fn func(l *models.License) error) (*models.License, error) {
	return r.table.update(key, fn)
}

func (r *memoryLicenseRepository) List(_ context.Context, offset, limit int) ([]models.License, error) {
	return r.table.page(offset, limit), nil
}

func (r *memoryLicenseRepository) Count(_ context.Context) (int64, error) {
	return r.table.count(), nil
}

func (r *memoryLicenseRepository) CountByPlan(_ context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, l := range r.table.all() {
		out[l.PlanType]++
	}
	return out, nil
}

// ---- webhook events ----

type memoryWebhookEventRepository struct {
	mu     sync.Mutex
	nextID uint
	byKey  map[string]*models.PaymentWebhookEvent
	byID   map[uint]*models.PaymentWebhookEvent
}

// NewMemoryWebhookEventRepository returns a process-local WebhookEventRepository.
func NewMemoryWebhookEventRepository() WebhookEventRepository {
	return &memoryWebhookEventRepository{
		byKey: make(map[string]*models.PaymentWebhookEvent),
		byID:  make(map[uint]*models.PaymentWebhookEvent),
	}
}

func (r *memoryWebhookEventRepository) CreateIfNotExists(_ context.Context, event *models.PaymentWebhookEvent) (bool, *models.PaymentWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := event.Provider + "\x00" + event.ProviderEventID
	if stored, ok := r.byKey[key]; ok {
		out := *stored
		return false, &out, nil
	}

	r.nextID++
	event.ID = r.nextID
	event.CreatedAt = time.Now()
	stored := *event
	r.byKey[key] = &stored
	r.byID[stored.ID] = &stored

	out := stored
	return true, &out, nil
}

func (r *memoryWebhookEventRepository) MarkProcessed(_ context.Context, id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	stored.ProcessedAt = &now
	stored.ProcessingError = processingError
	return nil
}
