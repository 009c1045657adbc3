package billing

import (
	"sort"
	"strings"
	"time"

	"github.com/ManuelReschke/PageBrief/internal/pkg/apperror"
)

const (
	PlanFree     = "free"
	PlanMonthly  = "monthly"
	PlanYearly   = "yearly"
	PlanLifetime = "lifetime"
)

// Plan is an entry of the subscription catalogue. DurationDays zero means
// the license never expires.
type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Price        float64  `json:"price"`
	DurationDays int      `json:"duration_days,omitempty"`
	Features     []string `json:"features"`
}

// Perpetual reports whether licenses of this plan have no expiry.
func (p Plan) Perpetual() bool {
	return p.DurationDays == 0
}

// ExpiryFrom returns the license expiry for a purchase at now, nil for
// perpetual plans.
func (p Plan) ExpiryFrom(now time.Time) *time.Time {
	if p.Perpetual() {
		return nil
	}
	t := now.Add(time.Duration(p.DurationDays) * 24 * time.Hour)
	return &t
}

type PaymentMethod struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

var plans = map[string]Plan{
	PlanFree: {
		ID: PlanFree, Name: "Free", Price: 0,
		Features: []string{"10 summaries per day"},
	},
	PlanMonthly: {
		ID: PlanMonthly, Name: "Pro Monthly", Price: 19.9, DurationDays: 30,
		Features: []string{"unlimited summaries", "image analysis", "table parsing"},
	},
	PlanYearly: {
		ID: PlanYearly, Name: "Pro Yearly", Price: 199, DurationDays: 365,
		Features: []string{"unlimited summaries", "image analysis", "table parsing", "priority support"},
	},
	PlanLifetime: {
		ID: PlanLifetime, Name: "Lifetime", Price: 599,
		Features: []string{"unlimited summaries", "image analysis", "table parsing", "priority support", "early access to new features"},
	},
}

var paymentMethods = map[string]PaymentMethod{
	"alipay": {ID: "alipay", Name: "Alipay", Enabled: true},
	"wechat": {ID: "wechat", Name: "WeChat Pay", Enabled: true},
	"card":   {ID: "card", Name: "Bank card", Enabled: false},
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// LookupPlan returns the catalogue entry for id.
func LookupPlan(id string) (Plan, bool) {
	p, ok := plans[normalize(id)]
	return p, ok
}

// PurchasablePlan returns the plan for id if it can be ordered. The free
// plan is not sold: a license for it would be perpetual pro.
func PurchasablePlan(id string) (Plan, error) {
	p, ok := LookupPlan(id)
	if !ok || p.Price <= 0 {
		return Plan{}, apperror.ErrInvalidPlan
	}
	return p, nil
}

// EnabledMethod returns the payment method for id if it is enabled.
func EnabledMethod(id string) (PaymentMethod, error) {
	m, ok := paymentMethods[normalize(id)]
	if !ok || !m.Enabled {
		return PaymentMethod{}, apperror.ErrInvalidMethod
	}
	return m, nil
}

// Plans returns the catalogue ordered by price.
func Plans() []Plan {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

func PaymentMethods() []PaymentMethod {
	out := make([]PaymentMethod, 0, len(paymentMethods))
	for _, m := range paymentMethods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// expiryAfter reports whether a outlasts b; nil is forever.
func expiryAfter(a, b *time.Time) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return a.After(*b)
	}
}
