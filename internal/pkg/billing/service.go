package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/app/repository"
	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
	"github.com/ManuelReschke/PageBrief/internal/pkg/clock"
)

const (
	DefaultPollTimeout = 5 * time.Second
	// ReconcileWindow bounds how far back pending orders are re-checked.
	ReconcileWindow = 24 * time.Hour
)

type Deps struct {
	Orders        repository.OrderRepository
	Licenses      repository.LicenseRepository
	Users         repository.UserRepository
	WebhookEvents repository.WebhookEventRepository
	Gateway       PaymentGateway
	Clock         clock.Clock
	WebhookSecret string
	PollTimeout   time.Duration
}

// Service owns orders and licenses.
type Service struct {
	orders        repository.OrderRepository
	licenses      repository.LicenseRepository
	users         repository.UserRepository
	webhookEvents repository.WebhookEventRepository
	gateway       PaymentGateway
	clock         clock.Clock
	webhookSecret string
	pollTimeout   time.Duration
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.PollTimeout <= 0 {
		d.PollTimeout = DefaultPollTimeout
	}
	return &Service{
		orders:        d.Orders,
		licenses:      d.Licenses,
		users:         d.Users,
		webhookEvents: d.WebhookEvents,
		gateway:       d.Gateway,
		clock:         d.Clock,
		webhookSecret: d.WebhookSecret,
		pollTimeout:   d.PollTimeout,
	}
}

// CreateOrder opens a pending order. userID may be empty for anonymous
// purchases; the license is then only reachable through its key.
func (s *Service) CreateOrder(ctx context.Context, planType, paymentMethod, userID string) (*models.Order, error) {
	plan, err := PurchasablePlan(planType)
	if err != nil {
		return nil, err
	}
	method, err := EnabledMethod(paymentMethod)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	id, err := NewOrderID(now)
	if err != nil {
		return nil, fmt.Errorf("generate order id: %w", err)
	}
	order := &models.Order{
		ID:            id,
		UserID:        userID,
		PlanType:      plan.ID,
		PaymentMethod: method.ID,
		Amount:        plan.Price,
		Status:        models.OrderStatusPending,
		CreatedAt:     now,
	}

	if s.gateway != nil {
		pctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
		paymentURL, err := s.gateway.CreatePayment(pctx, order)
		cancel()
		if err != nil {
			log.Errorf("[Billing] create payment for order %s failed: %v", id, err)
			return nil, apperror.Wrap(apperror.ErrPaymentGateway, err)
		}
		order.PaymentURL = paymentURL
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	log.Infof("[Billing] order %s created plan=%s method=%s", order.ID, order.PlanType, order.PaymentMethod)
	return order, nil
}

func (s *Service) loadOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.orders.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return order, nil
}

// GetOrder returns the order. A pending order is checked against the gateway
// once, bounded by the poll timeout; a gateway error leaves it pending.
func (s *Service) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	order, err := s.loadOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusPending || s.gateway == nil {
		return order, nil
	}
	return s.syncWithGateway(ctx, order)
}

func (s *Service) syncWithGateway(ctx context.Context, order *models.Order) (*models.Order, error) {
	pctx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	status, err := s.gateway.Status(pctx, order.ID)
	cancel()
	if err != nil {
		log.Warnf("[Billing] gateway status for order %s unavailable: %v", order.ID, err)
		return order, nil
	}

	var updated *models.Order
	switch status {
	case GatewayPaid:
		updated, err = s.ConfirmPayment(ctx, order.ID)
	case GatewayFailed:
		updated, err = s.FailOrder(ctx, order.ID)
	default:
		return order, nil
	}
	if errors.Is(err, apperror.ErrOrderNotPending) {
		// Someone else moved it first.
		return s.loadOrder(ctx, order.ID)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ConfirmPayment moves a pending order to paid and mints its license in the
// same transaction. Confirming an already paid order returns it unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, id string) (*models.Order, error) {
	now := s.clock.Now()
	var minted *models.License

	order, err := s.orders.MarkPaid(ctx, id, func(o *models.Order) (*models.License, error) {
		minted = nil
		if o.Status == models.OrderStatusPaid {
			return nil, nil
		}
		if !o.CanTransition(models.OrderStatusPaid) {
			return nil, apperror.ErrOrderNotPending
		}
		plan, ok := LookupPlan(o.PlanType)
		if !ok {
			return nil, apperror.ErrInvalidPlan
		}

		key, err := NewLicenseKey(plan.ID, now)
		if err != nil {
			return nil, fmt.Errorf("generate license key: %w", err)
		}
		lic := &models.License{
			Key:       key,
			PlanType:  plan.ID,
			OrderID:   o.ID,
			UserID:    o.UserID,
			Expiry:    plan.ExpiryFrom(now),
			IsActive:  true,
			CreatedAt: now,
		}
		o.Status = models.OrderStatusPaid
		o.PaidAt = &now
		o.LicenseKey = lic.Key
		minted = lic
		return lic, nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if minted != nil {
		log.Infof("[Billing] order %s paid, license %s minted", order.ID, minted.Key)
		if minted.UserID != "" {
			// ReconcileBindings retries this from the housekeeping loop.
			if err := s.bindToUser(ctx, minted.UserID, minted); err != nil {
				log.Errorf("[Billing] binding license %s to user %s failed: %v", minted.Key, minted.UserID, err)
			}
		}
	}
	return order, nil
}

// FailOrder moves a pending order to failed.
func (s *Service) FailOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.terminate(ctx, id, models.OrderStatusFailed)
}

// CancelOrder moves a pending order to cancelled.
func (s *Service) CancelOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.terminate(ctx, id, models.OrderStatusCancelled)
}

func (s *Service) terminate(ctx context.Context, id, status string) (*models.Order, error) {
	now := s.clock.Now()
	order, err := s.orders.Update(ctx, id, func(o *models.Order) error {
		if !o.CanTransition(status) {
			return apperror.ErrOrderNotPending
		}
		o.Status = status
		switch status {
		case models.OrderStatusCancelled:
			o.CancelledAt = &now
		case models.OrderStatusFailed:
			o.FailedAt = &now
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] order %s %s", order.ID, status)
	return order, nil
}

// bindToUser points the user at lic unless the user already holds a usable
// license that lasts at least as long.
func (s *Service) bindToUser(ctx context.Context, userID string, lic *models.License) error {
	now := s.clock.Now()
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if u.LicenseKey == lic.Key {
		return nil
	}
	if u.LicenseKey != "" {
		cur, err := s.licenses.GetByKey(ctx, u.LicenseKey)
		if err == nil && cur.Usable(now) && !expiryAfter(lic.Expiry, cur.Expiry) {
			return nil
		}
	}

	_, err = s.users.Update(ctx, userID, func(u *models.User) error {
		u.LicenseKey = lic.Key
		u.SubscriptionPlan = lic.PlanType
		u.SubscriptionExpiry = lic.Expiry
		return nil
	})
	return err
}

// LicenseStatus is the result of a license check. Reason is set when the
// license is not usable.
type LicenseStatus struct {
	Usable   bool       `json:"usable"`
	Reason   string     `json:"reason,omitempty"`
	PlanType string     `json:"plan_type,omitempty"`
	Expiry   *time.Time `json:"expiry"`
	Features []string   `json:"features,omitempty"`
}

// ValidateLicense evaluates key at the current time. It has no side effects.
func (s *Service) ValidateLicense(ctx context.Context, key string) (*LicenseStatus, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperror.ErrInvalidRequest
	}
	lic, err := s.licenses.GetByKey(ctx, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &LicenseStatus{Usable: false, Reason: models.LicenseReasonUnknown}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}

	usable, reason := lic.Evaluate(s.clock.Now())
	out := &LicenseStatus{Usable: usable, Reason: reason, PlanType: lic.PlanType, Expiry: lic.Expiry}
	if plan, ok := LookupPlan(lic.PlanType); ok {
		out.Features = plan.Features
	}
	return out, nil
}

type Subscription struct {
	LicenseKey    string     `json:"license_key"`
	PlanType      string     `json:"plan_type"`
	PlanName      string     `json:"plan_name"`
	Features      []string   `json:"features"`
	Expiry        *time.Time `json:"expiry"`
	DaysRemaining *int       `json:"days_remaining"`
	IsActive      bool       `json:"is_active"`
	Usable        bool       `json:"usable"`
}

// SubscriptionStatus describes the plan behind key. DaysRemaining is nil
// for perpetual licenses and rounds partial days up.
func (s *Service) SubscriptionStatus(ctx context.Context, key string) (*Subscription, error) {
	lic, err := s.licenses.GetByKey(ctx, strings.TrimSpace(key))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load license: %w", err)
	}

	now := s.clock.Now()
	plan, _ := LookupPlan(lic.PlanType)
	out := &Subscription{
		LicenseKey: lic.Key,
		PlanType:   lic.PlanType,
		PlanName:   plan.Name,
		Features:   plan.Features,
		Expiry:     lic.Expiry,
		IsActive:   lic.IsActive,
		Usable:     lic.Usable(now),
	}
	if lic.Expiry != nil {
		days := int(math.Ceil(lic.Expiry.Sub(now).Hours() / 24))
		if days < 0 {
			days = 0
		}
		out.DaysRemaining = &days
	}
	return out, nil
}

// ActivateLicense binds a usable license to userID. A license already bound
// to another user is rejected.
func (s *Service) ActivateLicense(ctx context.Context, userID, key string) (*LicenseStatus, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperror.ErrInvalidRequest
	}
	now := s.clock.Now()

	lic, err := s.licenses.Update(ctx, key, func(l *models.License) error {
		if ok, _ := l.Evaluate(now); !ok {
			return apperror.ErrLicenseUnusable
		}
		if l.UserID != "" && l.UserID != userID {
			return apperror.ErrLicenseTaken
		}
		l.UserID = userID
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}

	_, err = s.users.Update(ctx, userID, func(u *models.User) error {
		u.LicenseKey = lic.Key
		u.SubscriptionPlan = lic.PlanType
		u.SubscriptionExpiry = lic.Expiry
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("bind license: %w", err)
	}

	log.Infof("[Billing] license %s activated for user %s", lic.Key, userID)
	return s.ValidateLicense(ctx, lic.Key)
}

// RevokeLicense deactivates key. Revoking twice is a no-op; the original
// revocation time is kept.
func (s *Service) RevokeLicense(ctx context.Context, key string) (*models.License, error) {
	now := s.clock.Now()
	lic, err := s.licenses.Update(ctx, key, func(l *models.License) error {
		if !l.IsActive {
			return nil
		}
		l.IsActive = false
		l.RevokedAt = &now
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing] license %s revoked", lic.Key)
	return lic, nil
}

// HandleWebhook applies a signed gateway callback. Replayed events return
// the current order without reapplying. duplicate reports a replay.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (order *models.Order, duplicate bool, err error) {
	if !VerifyWebhookSignature(payload, signature, s.webhookSecret) {
		return nil, false, apperror.ErrInvalidSignature
	}
	ev, err := ParseWebhookEvent(payload)
	if err != nil {
		return nil, false, apperror.Wrap(apperror.ErrInvalidRequest, err)
	}

	created, stored, err := s.webhookEvents.CreateIfNotExists(ctx, &models.PaymentWebhookEvent{
		Provider:        WebhookProvider,
		ProviderEventID: ev.ID,
		OrderID:         ev.OrderID,
		EventType:       ev.Type,
		PayloadJSON:     string(payload),
	})
	if err != nil {
		return nil, false, fmt.Errorf("store webhook event: %w", err)
	}
	if !created && stored.ProcessedAt != nil {
		order, err := s.loadOrder(ctx, ev.OrderID)
		return order, true, err
	}

	switch ev.Type {
	case EventPaymentSucceeded:
		order, err = s.ConfirmPayment(ctx, ev.OrderID)
	case EventPaymentFailed:
		order, err = s.FailOrder(ctx, ev.OrderID)
	default:
		log.Infof("[Billing] ignoring webhook event %s of type %s", ev.ID, ev.Type)
		order, err = s.loadOrder(ctx, ev.OrderID)
	}

	if !webhookSettled(err) {
		// Leave the event unprocessed so the gateway's redelivery applies it.
		log.Warnf("[Billing] webhook event %s not applied, awaiting redelivery: %v", ev.ID, err)
		return order, false, err
	}
	processingError := ""
	if err != nil {
		processingError = err.Error()
	}
	if merr := s.webhookEvents.MarkProcessed(ctx, stored.ID, processingError); merr != nil {
		log.Warnf("[Billing] could not mark webhook event %s processed: %v", ev.ID, merr)
	}
	return order, false, err
}

// webhookSettled reports whether applying an event reached a result that a
// redelivery would not change.
func webhookSettled(err error) bool {
	return err == nil ||
		errors.Is(err, apperror.ErrOrderNotPending) ||
		errors.Is(err, apperror.ErrInvalidPlan)
}

// ReconcilePending re-checks recent pending orders against the gateway and
// returns how many changed state.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (int, error) {
	if s.gateway == nil {
		return 0, nil
	}
	pending, err := s.orders.ListPending(ctx, s.clock.Now().Add(-ReconcileWindow), limit)
	if err != nil {
		return 0, fmt.Errorf("list pending orders: %w", err)
	}

	changed := 0
	for i := range pending {
		if ctx.Err() != nil {
			return changed, ctx.Err()
		}
		updated, err := s.syncWithGateway(ctx, &pending[i])
		if err != nil {
			log.Warnf("[Billing] reconcile order %s: %v", pending[i].ID, err)
			continue
		}
		if updated.Status != models.OrderStatusPending {
			changed++
		}
	}
	return changed, nil
}

// ReconcileBindings points the buyers of recently paid orders at their
// licenses where binding after payment did not go through. It returns how
// many users were updated.
func (s *Service) ReconcileBindings(ctx context.Context, limit int) (int, error) {
	paid, err := s.orders.ListPaid(ctx, s.clock.Now().Add(-ReconcileWindow), limit)
	if err != nil {
		return 0, fmt.Errorf("list paid orders: %w", err)
	}

	bound := 0
	for _, o := range paid {
		if ctx.Err() != nil {
			return bound, ctx.Err()
		}
		if o.UserID == "" || o.LicenseKey == "" {
			continue
		}
		lic, err := s.licenses.GetByKey(ctx, o.LicenseKey)
		if err != nil {
			log.Warnf("[Billing] reconcile binding for order %s: %v", o.ID, err)
			continue
		}
		// Only licenses still owned by the buyer; a transfer through
		// ActivateLicense wins.
		if lic.UserID != o.UserID {
			continue
		}
		u, err := s.users.GetByID(ctx, o.UserID)
		if err != nil {
			log.Warnf("[Billing] reconcile binding for order %s: %v", o.ID, err)
			continue
		}
		before := u.LicenseKey
		if err := s.bindToUser(ctx, o.UserID, lic); err != nil {
			log.Warnf("[Billing] reconcile binding for order %s: %v", o.ID, err)
			continue
		}
		if before != lic.Key {
			if u, err := s.users.GetByID(ctx, o.UserID); err == nil && u.LicenseKey == lic.Key {
				bound++
			}
		}
	}
	return bound, nil
}

func (s *Service) ListOrders(ctx context.Context, offset, limit int) ([]models.Order, int64, error) {
	orders, err := s.orders.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	total, err := s.orders.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}
	return orders, total, nil
}

func (s *Service) ListLicenses(ctx context.Context, offset, limit int) ([]models.License, int64, error) {
	licenses, err := s.licenses.List(ctx, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list licenses: %w", err)
	}
	total, err := s.licenses.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count licenses: %w", err)
	}
	return licenses, total, nil
}
