package s3backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuelReschke/PageBrief/app/models"
	"github.com/ManuelReschke/PageBrief/app/repository"
)

const ledgerPageSize = 500

// Uploader stores one object. *Client implements it.
type Uploader interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string) error
}

// Ledger is a point-in-time copy of every order and license.
type Ledger struct {
	TakenAt  time.Time        `json:"taken_at"`
	Orders   []models.Order   `json:"orders"`
	Licenses []models.License `json:"licenses"`
}

// BuildLedger pages through the order and license tables.
func BuildLedger(ctx context.Context, orders repository.OrderRepository, licenses repository.LicenseRepository, now time.Time) (*Ledger, error) {
	l := &Ledger{TakenAt: now, Orders: []models.Order{}, Licenses: []models.License{}}

	for offset := 0; ; offset += ledgerPageSize {
		page, err := orders.List(ctx, offset, ledgerPageSize)
		if err != nil {
			return nil, fmt.Errorf("list orders: %w", err)
		}
		l.Orders = append(l.Orders, page...)
		if len(page) < ledgerPageSize {
			break
		}
	}
	for offset := 0; ; offset += ledgerPageSize {
		page, err := licenses.List(ctx, offset, ledgerPageSize)
		if err != nil {
			return nil, fmt.Errorf("list licenses: %w", err)
		}
		l.Licenses = append(l.Licenses, page...)
		if len(page) < ledgerPageSize {
			break
		}
	}
	return l, nil
}

// Backup uploads a ledger taken at now and returns its object key.
func Backup(ctx context.Context, cfg *Config, up Uploader, orders repository.OrderRepository, licenses repository.LicenseRepository, now time.Time) (string, error) {
	l, err := BuildLedger(ctx, orders, licenses, now)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("encode ledger: %w", err)
	}
	key := cfg.ObjectKey(now)
	if err := up.PutObject(ctx, key, body, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}
